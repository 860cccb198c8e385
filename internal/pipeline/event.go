package pipeline

import (
	"sync"

	"Go2NetSpectra/internal/atomdef"
	"Go2NetSpectra/internal/condition"
)

// EventRecord is a single matched occurrence carried verbatim into the
// report, per §4.3's event/log variant: unlike Count, each occurrence is
// individually retained (up to a per-bucket cap) rather than reduced.
type EventRecord struct {
	ElapsedNs int64
	Fields    []atomdef.FieldValue
}

// EventBucketEntry is one closed bucket's retained event list.
type EventBucketEntry struct {
	Info    BucketInfo
	Records []EventRecord
}

const defaultMaxEventsPerBucket = 50

// EventMetricProducer implements the event/log variant: it retains the
// matched atom's fields verbatim per occurrence, capped at maxPerBucket
// records per dimension key per bucket to bound memory the way the
// dimension guardrail bounds counter fan-out (§4.1.2, §4.3).
type EventMetricProducer struct {
	*BaseProducer

	mu sync.Mutex

	maxPerBucket int
	captureFields []atomdef.FieldTag

	current     map[atomdef.MetricDimensionKey][]EventRecord
	pastBuckets map[atomdef.MetricDimensionKey][]EventBucketEntry
}

// NewEventMetricProducer builds an event producer.
func NewEventMetricProducer(name string, matcherIndex int, dimMatcher atomdef.FieldMatcher, timeBaseNs, bucketSizeNs int64, guardrail *Guardrail, captureFields []atomdef.FieldTag, maxPerBucket int) *EventMetricProducer {
	if maxPerBucket <= 0 {
		maxPerBucket = defaultMaxEventsPerBucket
	}
	base := NewBaseProducer(name, matcherIndex, dimMatcher, timeBaseNs, bucketSizeNs, guardrail)
	e := &EventMetricProducer{
		BaseProducer:  base,
		maxPerBucket:  maxPerBucket,
		captureFields: captureFields,
		current:       make(map[atomdef.MetricDimensionKey][]EventRecord),
		pastBuckets:   make(map[atomdef.MetricDimensionKey][]EventBucketEntry),
	}
	base.v = e
	return e
}

func (e *EventMetricProducer) update(key atomdef.MetricDimensionKey, a *atomdef.Atom, conditionTrue condition.TriState, tsNs int64) {
	if conditionTrue != condition.True {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	records, exists := e.current[key]
	if !exists {
		if !e.guardrail.AllowInsert(len(e.current), key, tsNs) {
			return
		}
	}
	if len(records) >= e.maxPerBucket {
		return
	}

	fields := make([]atomdef.FieldValue, 0, len(e.captureFields))
	for _, tag := range e.captureFields {
		if fv, ok := a.Field(tag); ok {
			fields = append(fields, fv)
		}
	}
	e.current[key] = append(records, EventRecord{ElapsedNs: tsNs, Fields: fields})
}

func (e *EventMetricProducer) closeBucket(info BucketInfo, tracker AnomalyTracker, metricName string, tsNs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, records := range e.current {
		if len(records) == 0 {
			continue
		}
		e.pastBuckets[key] = append(e.pastBuckets[key], EventBucketEntry{Info: info, Records: records})
		if tracker != nil {
			tracker.OnCount(metricName, key, uint64(len(records)), tsNs)
		}
	}
	e.current = make(map[atomdef.MetricDimensionKey][]EventRecord)
}

func (e *EventMetricProducer) byteSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := 0
	for k, records := range e.current {
		size += len(k.DimensionInWhat) + len(k.StateValuesKey) + len(records)*40
	}
	for k, buckets := range e.pastBuckets {
		size += len(k.DimensionInWhat) + len(k.StateValuesKey)
		for _, b := range buckets {
			size += len(b.Records) * 40
		}
	}
	return size
}

// DumpReport assembles this metric's event report section.
func (e *EventMetricProducer) DumpReport(nowNs int64, includePartial, eraseData bool) map[atomdef.MetricDimensionKey][]EventBucketEntry {
	if includePartial {
		e.BaseProducer.ForceSplit(nowNs)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pastBuckets
	if eraseData {
		e.pastBuckets = make(map[atomdef.MetricDimensionKey][]EventBucketEntry)
	}
	return out
}
