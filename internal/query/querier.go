// Package query implements the read side of the ClickHouse metric_buckets
// table internal/report writes to, grounded on the teacher's own
// query/querier.go dynamic-query-builder shape (adapted from flow_metrics
// to metric_buckets, and from protobuf v1 request/response types to plain
// structs since no protoc-generated API package exists here).
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"Go2NetSpectra/internal/config"
)

// MetricSummary is one row of AggregateBuckets' per-metric totals.
type MetricSummary struct {
	MetricName string
	TotalCount uint64
	KeyCount   uint64
}

// DimensionLifecycle is TraceDimension's result: the full observed span and
// totals for one metric+dimension key pair.
type DimensionLifecycle struct {
	FirstSeen   time.Time
	LastSeen    time.Time
	TotalCount  uint64
	BucketCount uint64
}

// Querier defines the read surface the API server exposes over
// metric_buckets.
type Querier interface {
	AggregateBuckets(ctx context.Context, metricName string, endTime time.Time) ([]MetricSummary, error)
	TraceDimension(ctx context.Context, metricName, dimensionKey string, endTime time.Time) (*DimensionLifecycle, error)
}

type clickhouseQuerier struct {
	conn clickhouse.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

func connect(cfg config.ClickHouseConfig) (clickhouse.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// AggregateBuckets sums every non-partial bucket's count per metric,
// optionally restricted to one metric name, up to endTime.
func (q *clickhouseQuerier) AggregateBuckets(ctx context.Context, metricName string, endTime time.Time) ([]MetricSummary, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT
			MetricName,
			SUM(Count) AS TotalCount,
			COUNT(DISTINCT DimensionInWhat) AS KeyCount
		FROM metric_buckets
		WHERE Partial = 0
	`)

	var where []string
	args := []interface{}{}
	if !endTime.IsZero() {
		where = append(where, "Timestamp <= ?")
		args = append(args, endTime)
	}
	if metricName != "" {
		where = append(where, "MetricName = ?")
		args = append(args, metricName)
	}
	if len(where) > 0 {
		b.WriteString(" AND " + strings.Join(where, " AND "))
	}
	b.WriteString(" GROUP BY MetricName")

	rows, err := q.conn.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []MetricSummary
	for rows.Next() {
		var s MetricSummary
		if err := rows.Scan(&s.MetricName, &s.TotalCount, &s.KeyCount); err != nil {
			return nil, fmt.Errorf("failed to scan aggregation result: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// TraceDimension returns the full observed span and running totals for one
// metric name's dimension key.
func (q *clickhouseQuerier) TraceDimension(ctx context.Context, metricName, dimensionKey string, endTime time.Time) (*DimensionLifecycle, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT
			min(Timestamp) AS FirstSeen,
			max(Timestamp) AS LastSeen,
			sum(Count) AS TotalCount,
			count(*) AS BucketCount
		FROM metric_buckets
		WHERE MetricName = ? AND DimensionInWhat = ?
	`)

	args := []interface{}{metricName, dimensionKey}
	if !endTime.IsZero() {
		b.WriteString(" AND Timestamp <= ?")
		args = append(args, endTime)
	}

	var result DimensionLifecycle
	row := q.conn.QueryRow(ctx, b.String(), args...)
	if err := row.Scan(&result.FirstSeen, &result.LastSeen, &result.TotalCount, &result.BucketCount); err != nil {
		return nil, fmt.Errorf("failed to scan dimension lifecycle result: %w", err)
	}
	return &result, nil
}
