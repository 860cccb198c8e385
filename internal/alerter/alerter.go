// Package alerter periodically evaluates accumulated anomaly signals from
// the pipeline against configured per-metric thresholds and sends a
// consolidated notification, grounded on the teacher's own alerter.go
// ticker/WaitGroup/consolidated-message shape.
package alerter

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"Go2NetSpectra/internal/atomdef"
	"Go2NetSpectra/internal/config"
	"Go2NetSpectra/internal/model"
)

// anomaly is one triggered signal recorded since the last flush.
type anomaly struct {
	message string
}

// Alerter implements pipeline.AnomalyTracker, buffering triggered anomalies
// between ticks and flushing a single consolidated notification per tick --
// the same batching shape as the teacher's evaluateAllTasks, adapted from
// per-task rule evaluation to per-metric count-threshold/guardrail
// evaluation since this port has no AlerterRule-style flow-field matcher.
type Alerter struct {
	mu    sync.Mutex
	rules map[string]uint64 // metric name -> count threshold
	seen  []anomaly

	notifier      model.Notifier
	checkInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewAlerter builds an Alerter from configuration.
func NewAlerter(cfg config.AlerterConfig, notifier model.Notifier) (*Alerter, error) {
	interval, err := time.ParseDuration(cfg.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid check_interval for alerter: %w", err)
	}

	rules := make(map[string]uint64, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules[r.MetricName] = r.CountThreshold
	}

	return &Alerter{
		rules:         rules,
		notifier:      notifier,
		checkInterval: interval,
		stopChan:      make(chan struct{}),
	}, nil
}

// OnCount implements pipeline.AnomalyTracker: a running or final per-key
// count is compared against the metric's configured threshold, if any.
func (a *Alerter) OnCount(metricName string, key atomdef.MetricDimensionKey, wholeBucketCount uint64, tsNs int64) {
	threshold, ok := a.rules[metricName]
	if !ok || wholeBucketCount < threshold {
		return
	}
	a.record(fmt.Sprintf("metric %q dimension %q reached count %d (threshold %d)", metricName, key.DimensionInWhat, wholeBucketCount, threshold))
}

// OnDimensionLimitReached implements pipeline.AnomalyTracker: the dimension
// guardrail's hard limit fired for this metric during the current bucket.
func (a *Alerter) OnDimensionLimitReached(metricName string, tsNs int64) {
	a.record(fmt.Sprintf("metric %q hit its dimension guardrail hard limit", metricName))
}

func (a *Alerter) record(message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, anomaly{message: message})
}

// Start begins the periodic evaluation loop.
func (a *Alerter) Start() {
	log.Println("Alerter started")

	a.wg.Add(1)
	defer a.wg.Done()

	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.stopChan:
			return
		}
	}
}

// Stop gracefully stops the alerter's evaluation loop, flushing one last
// time before returning.
func (a *Alerter) Stop() {
	log.Println("Stopping Alerter...")
	close(a.stopChan)
	a.wg.Wait()
	a.flush()
}

// flush drains the buffered anomalies and sends one consolidated
// notification, the same batching the teacher applies per check interval.
func (a *Alerter) flush() {
	a.mu.Lock()
	batch := a.seen
	a.seen = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	log.Printf("Alerter evaluation completed. %d anomaly(ies) triggered.", len(batch))

	messages := make([]string, len(batch))
	for i, an := range batch {
		messages[i] = an.message
	}

	body := "<h1>Telemetry Alert Summary</h1>" +
		"<p>The following anomalies were triggered during the last check:</p><hr>" +
		strings.Join(messages, "<hr>")

	if a.notifier == nil {
		return
	}
	subject := fmt.Sprintf("Telemetry Alert Summary (%d triggered)", len(batch))
	if err := a.notifier.Send(subject, body); err != nil {
		log.Printf("ERROR: failed to send consolidated alert notification: %v", err)
		return
	}
	log.Printf("INFO: consolidated alert notification sent successfully.")
}
