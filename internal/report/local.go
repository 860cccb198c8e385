package report

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"Go2NetSpectra/internal/activation"
)

// LocalSummary is the metadata companion file written alongside a local
// snapshot, mirroring the teacher's snapshot.SummaryData.
type LocalSummary struct {
	Timestamp      string `json:"timestamp"`
	MetricCount    int    `json:"metric_count"`
	ActivationRows int    `json:"activation_rows"`
}

// LocalWriter persists activation state (and future restart-critical
// state) to disk as gob, with a summary.json companion -- the same
// timestamped-directory-plus-summary shape as internal/snapshot/writer.go,
// adapted from per-shard flow maps to per-metric activation snapshots.
type LocalWriter struct {
	rootPath string
}

// NewLocalWriter builds a writer rooted at rootPath.
func NewLocalWriter(rootPath string) *LocalWriter {
	return &LocalWriter{rootPath: rootPath}
}

// WriteActivationSnapshot writes one metric's activation entries to
// <root>/<timestamp>/activation_<metricName>.dat plus a shared summary.json
// for the timestamp directory.
func (w *LocalWriter) WriteActivationSnapshot(metricName string, entries []activation.SnapshotEntry, timestamp time.Time) error {
	ts := timestamp.UTC().Format("2006-01-02_15-04-05")
	dir := filepath.Join(w.rootPath, ts)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	if len(entries) == 0 {
		return nil
	}

	fileName := fmt.Sprintf("activation_%s.dat", metricName)
	filePath := filepath.Join(dir, fileName)
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create activation snapshot file %q: %w", filePath, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(entries); err != nil {
		return fmt.Errorf("failed to encode activation entries to gob for %q: %w", filePath, err)
	}

	return w.writeSummary(dir, LocalSummary{
		Timestamp:      ts,
		MetricCount:    1,
		ActivationRows: len(entries),
	})
}

func (w *LocalWriter) writeSummary(dir string, summary LocalSummary) error {
	summaryPath := filepath.Join(dir, "summary.json")
	f, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

// ReadActivationSnapshot loads a previously written activation snapshot,
// used on restart to feed activation.Engine.Load.
func ReadActivationSnapshot(filePath string) ([]activation.SnapshotEntry, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open activation snapshot %q: %w", filePath, err)
	}
	defer file.Close()

	var entries []activation.SnapshotEntry
	if err := gob.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode activation snapshot %q: %w", filePath, err)
	}
	return entries, nil
}
