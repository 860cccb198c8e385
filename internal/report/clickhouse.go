// Package report implements the ReportAssembler's two sinks: a ClickHouse
// batch-insert writer for aggregated buckets and a local gob+json writer
// used for restart-safe state persistence, grounded on the teacher's
// writer_clickhouse.go and internal/snapshot/writer.go.
package report

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"Go2NetSpectra/internal/config"
	"Go2NetSpectra/internal/pipeline"
)

const createBucketsTableStatement = `
CREATE TABLE IF NOT EXISTS metric_buckets (
    Timestamp       DateTime,
    MetricName      String,
    DimensionInWhat String,
    StateValuesKey  String,
    BucketNum       Int64,
    Partial         UInt8,
    StartElapsedMs  Int64,
    EndElapsedMs    Int64,
    Count           UInt64,
    ConditionTrueNs Int64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (MetricName, Timestamp);
`

// ClickHouseWriter batch-inserts closed count buckets into ClickHouse, the
// same PrepareBatch/Append/Send shape the teacher uses for flow metrics.
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter connects and ensures the metric_buckets table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createBucketsTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create metric_buckets table: %w", err)
	}
	log.Println("Successfully connected to ClickHouse and ensured metric_buckets table exists.")
	return &ClickHouseWriter{conn: conn}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug:       false,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// WriteCountReport inserts every bucket entry from a CountReport, skipping
// an empty report entirely the way the teacher's writer skips a zero-flow
// snapshot.
func (w *ClickHouseWriter) WriteCountReport(ctx context.Context, report pipeline.CountReport, at time.Time) error {
	if len(report.Entries) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO metric_buckets")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	rows := 0
	for _, entry := range report.Entries {
		for _, b := range entry.Buckets {
			var conditionTrueNs int64 = -1
			if b.HasConditionTrueNs {
				conditionTrueNs = b.ConditionTrueNs
			}
			err := batch.Append(
				at,
				report.MetricName,
				entry.Key.DimensionInWhat,
				entry.Key.StateValuesKey,
				b.Info.BucketNum,
				boolToUint8(b.Info.Partial),
				b.Info.StartElapsedMs,
				b.Info.EndElapsedMs,
				b.Count,
				conditionTrueNs,
			)
			if err != nil {
				return fmt.Errorf("failed to append bucket to batch: %w", err)
			}
			rows++
		}
	}

	if rows == 0 {
		return nil
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	log.Printf("Wrote %d buckets to ClickHouse for metric %q", rows, report.MetricName)
	return nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
