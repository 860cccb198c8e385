package pipeline

import (
	"sync"

	"Go2NetSpectra/internal/atomdef"
	"Go2NetSpectra/internal/condition"
)

// CountBucketEntry is one closed bucket's worth of count data for a single
// dimension key, per §6's BucketInfo + variant payload shape.
type CountBucketEntry struct {
	Info           BucketInfo
	Count          uint64
	ConditionTrueNs int64
	HasConditionTrueNs bool
}

// CountReportEntry is dump_report's per-dimension-key record (§4.8).
type CountReportEntry struct {
	Key     atomdef.MetricDimensionKey
	Buckets []CountBucketEntry
}

// CountReport is the metric's section of a dump_report call.
type CountReport struct {
	MetricName string
	Entries    []CountReportEntry
}

// CountMetricProducer implements the §4.2 count variant: a u64 counter per
// dimension key, gated on condition == true, with full-counter carry
// forward across partial buckets and upload-threshold filtering.
//
// Condition-true-ns is only recorded when the metric has a condition and
// is neither state- nor condition-sliced (§9 open question -- kept
// disabled for sliced metrics to match the original's own gap rather than
// inventing replacement semantics).
type CountMetricProducer struct {
	*BaseProducer

	mu sync.Mutex

	hasCondition bool
	sliced       bool
	threshold    UploadThreshold

	counter map[atomdef.MetricDimensionKey]uint64
	carry   map[atomdef.MetricDimensionKey]uint64

	timer *ConditionTimer
	condTrue bool

	pastBuckets map[atomdef.MetricDimensionKey][]CountBucketEntry
}

// NewCountMetricProducer builds a count producer and wires it as the
// base's variant.
func NewCountMetricProducer(name string, matcherIndex int, dimMatcher atomdef.FieldMatcher, timeBaseNs, bucketSizeNs int64, guardrail *Guardrail, hasCondition, sliced bool, threshold UploadThreshold) *CountMetricProducer {
	base := NewBaseProducer(name, matcherIndex, dimMatcher, timeBaseNs, bucketSizeNs, guardrail)
	c := &CountMetricProducer{
		BaseProducer: base,
		hasCondition: hasCondition,
		sliced:       sliced,
		threshold:    threshold,
		counter:      make(map[atomdef.MetricDimensionKey]uint64),
		carry:        make(map[atomdef.MetricDimensionKey]uint64),
		timer:        NewConditionTimer(timeBaseNs, !hasCondition),
		condTrue:     !hasCondition,
		pastBuckets:  make(map[atomdef.MetricDimensionKey][]CountBucketEntry),
	}
	base.v = c
	return c
}

// SetConditionQuery wires the ConditionWizard into the embedded base.
func (c *CountMetricProducer) SetConditionQuery(q ConditionQuery, links []ConditionLink) {
	c.BaseProducer.conditionQuery = q
	c.BaseProducer.conditionLinks = links
}

// OnConditionChanged overrides the base no-op: an unsliced condition flip
// rotates any bucket already due at eventTsNs, then applies the true/false
// transition to the condition timer at the boundary-correct time, per
// §4.1.3's "transitions only split the current bucket" rule.
func (c *CountMetricProducer) OnConditionChanged(conditionID string, newState condition.TriState, tsNs int64) {
	if !c.hasCondition || c.sliced {
		return
	}
	newTrue := newState == condition.True
	c.BaseProducer.RotateThen(tsNs, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if newTrue != c.condTrue {
			c.timer.OnConditionChanged(newTrue, tsNs)
			c.condTrue = newTrue
		}
	})
}

// update implements §4.2's update contract.
func (c *CountMetricProducer) update(key atomdef.MetricDimensionKey, a *atomdef.Atom, conditionState condition.TriState, tsNs int64) {
	conditionTrue := conditionState == condition.True
	// The ConditionWizard is the source of truth for per-event gating;
	// the condition timer itself is advanced only from OnConditionChanged,
	// at the flip's real timestamp, not from whichever matched event
	// happens to observe the new state first.

	if !conditionTrue {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.counter[key]; !exists {
		if !c.guardrail.AllowInsert(len(c.counter), key, tsNs) {
			if c.guardrail.NoteLimitReachedOnce() && c.anomalyTracker != nil {
				c.anomalyTracker.OnDimensionLimitReached(c.name, tsNs)
			}
			return
		}
	}
	c.counter[key]++

	if c.anomalyTracker != nil {
		total := c.counter[key] + c.carry[key]
		c.anomalyTracker.OnCount(c.name, key, total, tsNs)
	}
}

// closeBucket implements the §4.1.3/§4.2 rotation contract: full buckets
// flush the upload-threshold-filtered count and notify anomaly trackers
// with the carried total before resetting; partial buckets only record
// the in-progress count and carry it forward.
func (c *CountMetricProducer) closeBucket(info BucketInfo, tracker AnomalyTracker, metricName string, tsNs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var closedTrueNs int64
	var recordConditionTrueNs bool
	if c.hasCondition && !c.sliced {
		closedTrueNs, _ = c.timer.NewBucketStart(tsNs)
		recordConditionTrueNs = true
	}

	for key, count := range c.counter {
		if count == 0 {
			continue
		}
		if info.Partial {
			// A partial close only records the in-progress count and
			// carries it forward; the anomaly tracker is not flushed
			// until a full bucket boundary closes (§4.2). The condition
			// timer was still consumed up to this split point (NewBucketStart
			// is unconditional above), so its value must be recorded here too
			// or the elapsed true-time between the split and the next full
			// close is silently lost rather than carried forward.
			entry := CountBucketEntry{Info: info, Count: count}
			if recordConditionTrueNs {
				entry.ConditionTrueNs = closedTrueNs
				entry.HasConditionTrueNs = true
			}
			c.pastBuckets[key] = append(c.pastBuckets[key], entry)
			c.carry[key] += count
			continue
		}

		total := count + c.carry[key]
		entry := CountBucketEntry{Info: info, Count: total}
		if recordConditionTrueNs {
			entry.ConditionTrueNs = closedTrueNs
			entry.HasConditionTrueNs = true
		}
		if c.threshold.Passes(int64(total)) {
			c.pastBuckets[key] = append(c.pastBuckets[key], entry)
		}
		if tracker != nil {
			tracker.OnCount(metricName, key, total, tsNs)
		}
		c.carry[key] = 0
	}

	c.counter = make(map[atomdef.MetricDimensionKey]uint64)
}

func (c *CountMetricProducer) byteSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := 0
	for k := range c.counter {
		size += len(k.DimensionInWhat) + len(k.StateValuesKey) + 16
	}
	for k, v := range c.pastBuckets {
		size += len(k.DimensionInWhat) + len(k.StateValuesKey)
		size += len(v) * 32
	}
	return size
}

// DumpReport produces this metric's report section (§4.1, §4.8). When
// includePartial is true the current in-progress bucket is force-split
// and folded in before assembling the report.
func (c *CountMetricProducer) DumpReport(nowNs int64, includePartial, eraseData bool, reason string) CountReport {
	if includePartial {
		c.BaseProducer.ForceSplit(nowNs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	report := CountReport{MetricName: c.name}
	for key, buckets := range c.pastBuckets {
		report.Entries = append(report.Entries, CountReportEntry{Key: key, Buckets: buckets})
	}
	if eraseData {
		c.pastBuckets = make(map[atomdef.MetricDimensionKey][]CountBucketEntry)
		c.guardrail.Rotate()
	}
	return report
}

// DropData advances the bucket then discards past buckets, per §4.1 (used
// when an upload attempt fails).
func (c *CountMetricProducer) DropData(nowNs int64) {
	c.BaseProducer.FlushIfExpired(nowNs)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pastBuckets = make(map[atomdef.MetricDimensionKey][]CountBucketEntry)
}
