package pipeline

import (
	"sync"

	"Go2NetSpectra/internal/atomdef"
	"Go2NetSpectra/internal/condition"
)

// ValueAggType selects the reduction applied to the matched field's numeric
// value within a bucket, per §4.3's value/gauge variant.
type ValueAggType uint8

const (
	ValueSum ValueAggType = iota
	ValueMin
	ValueMax
	ValueAvg
)

// ValueBucketEntry is one closed bucket's aggregated numeric payload.
type ValueBucketEntry struct {
	Info  BucketInfo
	Value float64
	Count int64 // sample count, used to finish an average on close
}

type valueAccum struct {
	sum   float64
	count int64
	min   float64
	max   float64
	set   bool
}

func (v *valueAccum) add(x float64) {
	v.sum += x
	v.count++
	if !v.set {
		v.min, v.max, v.set = x, x, true
		return
	}
	if x < v.min {
		v.min = x
	}
	if x > v.max {
		v.max = x
	}
}

func (v *valueAccum) result(agg ValueAggType) float64 {
	switch agg {
	case ValueMin:
		return v.min
	case ValueMax:
		return v.max
	case ValueAvg:
		if v.count == 0 {
			return 0
		}
		return v.sum / float64(v.count)
	default:
		return v.sum
	}
}

// ValueFieldExtractor pulls the numeric value-of-interest out of a matched
// atom, per §4.3's "value field" concept.
type ValueFieldExtractor func(a *atomdef.Atom) (float64, bool)

// ValueMetricProducer implements the value/gauge variant: a running
// reduction (sum/min/max/avg) per dimension key over a single numeric field,
// gated the same way as Count but without carry-forward -- a gauge's value
// does not accumulate across a partial-bucket boundary the way a counter
// does, it simply restarts (§4.3).
type ValueMetricProducer struct {
	*BaseProducer

	mu sync.Mutex

	agg       ValueAggType
	extractor ValueFieldExtractor

	accum       map[atomdef.MetricDimensionKey]*valueAccum
	pastBuckets map[atomdef.MetricDimensionKey][]ValueBucketEntry
}

// NewValueMetricProducer builds a value producer.
func NewValueMetricProducer(name string, matcherIndex int, dimMatcher atomdef.FieldMatcher, timeBaseNs, bucketSizeNs int64, guardrail *Guardrail, agg ValueAggType, extractor ValueFieldExtractor) *ValueMetricProducer {
	base := NewBaseProducer(name, matcherIndex, dimMatcher, timeBaseNs, bucketSizeNs, guardrail)
	v := &ValueMetricProducer{
		BaseProducer: base,
		agg:          agg,
		extractor:    extractor,
		accum:        make(map[atomdef.MetricDimensionKey]*valueAccum),
		pastBuckets:  make(map[atomdef.MetricDimensionKey][]ValueBucketEntry),
	}
	base.v = v
	return v
}

func (v *ValueMetricProducer) update(key atomdef.MetricDimensionKey, a *atomdef.Atom, conditionTrue condition.TriState, tsNs int64) {
	if conditionTrue != condition.True {
		return
	}
	x, ok := v.extractor(a)
	if !ok {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	acc, exists := v.accum[key]
	if !exists {
		if !v.guardrail.AllowInsert(len(v.accum), key, tsNs) {
			return
		}
		acc = &valueAccum{}
		v.accum[key] = acc
	}
	acc.add(x)
}

func (v *ValueMetricProducer) closeBucket(info BucketInfo, tracker AnomalyTracker, metricName string, tsNs int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key, acc := range v.accum {
		if acc.count == 0 {
			continue
		}
		entry := ValueBucketEntry{Info: info, Value: acc.result(v.agg), Count: acc.count}
		v.pastBuckets[key] = append(v.pastBuckets[key], entry)
		if tracker != nil {
			tracker.OnCount(metricName, key, uint64(acc.count), tsNs)
		}
	}
	v.accum = make(map[atomdef.MetricDimensionKey]*valueAccum)
}

func (v *ValueMetricProducer) byteSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	size := 0
	for k := range v.accum {
		size += len(k.DimensionInWhat) + len(k.StateValuesKey) + 32
	}
	for k, entries := range v.pastBuckets {
		size += len(k.DimensionInWhat) + len(k.StateValuesKey) + len(entries)*24
	}
	return size
}

// DumpReport assembles this metric's value report section.
func (v *ValueMetricProducer) DumpReport(nowNs int64, includePartial, eraseData bool) map[atomdef.MetricDimensionKey][]ValueBucketEntry {
	if includePartial {
		v.BaseProducer.ForceSplit(nowNs)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.pastBuckets
	if eraseData {
		v.pastBuckets = make(map[atomdef.MetricDimensionKey][]ValueBucketEntry)
	}
	return out
}
