// Package snapshot writes a local on-disk backup of dumped metric reports,
// adapted from the teacher's per-shard gob dump + json summary shape so a
// report can be replayed or inspected without a ClickHouse connection.
package snapshot

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"Go2NetSpectra/internal/pipeline"
)

// Summary holds the metadata describing one metric's snapshot, the local
// counterpart to what the teacher wrote as summary.json.
type Summary struct {
	MetricName string `json:"metric_name"`
	Entries    int    `json:"entries"`
	Timestamp  string `json:"timestamp"`
}

// Writer handles writing report snapshots to disk.
type Writer struct{}

// NewWriter creates a new snapshot writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Write serializes one metric's count report to a timestamped directory:
// the report itself as gob (for exact replay) and a human-readable json
// summary alongside it, mirroring the teacher's per-aggregator directory
// layout but keyed by metric name instead of aggregator name.
func (w *Writer) Write(report pipeline.CountReport, rootPath, timestamp string) error {
	dir := filepath.Join(rootPath, timestamp, report.MetricName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	if len(report.Entries) == 0 {
		return nil
	}

	dataPath := filepath.Join(dir, "report.dat")
	dataFile, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file %q: %w", dataPath, err)
	}
	defer dataFile.Close()
	if err := gob.NewEncoder(dataFile).Encode(report); err != nil {
		return fmt.Errorf("failed to encode report to gob for %q: %w", dataPath, err)
	}

	summary := Summary{
		MetricName: report.MetricName,
		Entries:    len(report.Entries),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	summaryPath := filepath.Join(dir, "summary.json")
	summaryFile, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()
	enc := json.NewEncoder(summaryFile)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
