package pipeline

import (
	"fmt"
	"sync"

	"Go2NetSpectra/internal/atomdef"
	"Go2NetSpectra/internal/condition"
	"Go2NetSpectra/internal/engine/impl/sketch/statistic"
)

// HistogramBinEdges are the caller-supplied bin boundaries; a value v falls
// into bin i when edges[i] <= v < edges[i+1], with an implicit underflow bin
// 0 and overflow bin len(edges).
type HistogramBinEdges []float64

func (e HistogramBinEdges) binOf(v float64) int {
	for i, edge := range e {
		if v < edge {
			return i
		}
	}
	return len(e)
}

// HistogramBucketEntry is one closed bucket's approximate per-bin counts.
type HistogramBucketEntry struct {
	Info BucketInfo
	Bins []uint32
}

// HistogramMetricProducer implements §4.3's histogram variant using a
// conservative-update Count-Min sketch per dimension key as the per-bin
// frequency estimator, the same data structure the teacher's sketch engine
// uses for flow-size distributions -- here keyed by "<bin>" rather than by
// a flow 5-tuple. This trades exact per-bin counts for a fixed memory
// footprint per key regardless of value cardinality, matching §4.1.2's
// guardrail goal of bounding memory independent of the field's value
// spread.
type HistogramMetricProducer struct {
	*BaseProducer

	mu sync.Mutex

	edges     HistogramBinEdges
	extractor ValueFieldExtractor

	sketchWidth, sketchDepth uint32

	sketches    map[atomdef.MetricDimensionKey]*statistic.CountMin
	pastBuckets map[atomdef.MetricDimensionKey][]HistogramBucketEntry
}

// NewHistogramMetricProducer builds a histogram producer.
func NewHistogramMetricProducer(name string, matcherIndex int, dimMatcher atomdef.FieldMatcher, timeBaseNs, bucketSizeNs int64, guardrail *Guardrail, edges HistogramBinEdges, extractor ValueFieldExtractor) *HistogramMetricProducer {
	base := NewBaseProducer(name, matcherIndex, dimMatcher, timeBaseNs, bucketSizeNs, guardrail)
	h := &HistogramMetricProducer{
		BaseProducer: base,
		edges:        edges,
		extractor:    extractor,
		sketchWidth:  1 << 10,
		sketchDepth:  3,
		sketches:     make(map[atomdef.MetricDimensionKey]*statistic.CountMin),
		pastBuckets:  make(map[atomdef.MetricDimensionKey][]HistogramBucketEntry),
	}
	base.v = h
	return h
}

func (h *HistogramMetricProducer) update(key atomdef.MetricDimensionKey, a *atomdef.Atom, conditionTrue condition.TriState, tsNs int64) {
	if conditionTrue != condition.True {
		return
	}
	x, ok := h.extractor(a)
	if !ok {
		return
	}
	bin := h.edges.binOf(x)

	h.mu.Lock()
	defer h.mu.Unlock()

	sk, exists := h.sketches[key]
	if !exists {
		if !h.guardrail.AllowInsert(len(h.sketches), key, tsNs) {
			return
		}
		sk = statistic.NewCountMin(h.sketchWidth, h.sketchDepth, 0, 4)
		h.sketches[key] = sk
	}
	sk.Insert([]byte(fmt.Sprintf("bin:%d", bin)), nil)
}

func (h *HistogramMetricProducer) closeBucket(info BucketInfo, tracker AnomalyTracker, metricName string, tsNs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, sk := range h.sketches {
		bins := make([]uint32, len(h.edges)+1)
		var total uint32
		for i := range bins {
			bins[i] = sk.Query([]byte(fmt.Sprintf("bin:%d", i)))
			total += bins[i]
		}
		if total == 0 {
			continue
		}
		h.pastBuckets[key] = append(h.pastBuckets[key], HistogramBucketEntry{Info: info, Bins: bins})
		if tracker != nil {
			tracker.OnCount(metricName, key, uint64(total), tsNs)
		}
	}
	h.sketches = make(map[atomdef.MetricDimensionKey]*statistic.CountMin)
}

func (h *HistogramMetricProducer) byteSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Each sketch has a fixed footprint of width*depth buckets; approximate
	// rather than walk every cell.
	perSketch := int(h.sketchWidth) * int(h.sketchDepth) * 8
	return len(h.sketches) * perSketch
}

// DumpReport assembles this metric's histogram report section.
func (h *HistogramMetricProducer) DumpReport(nowNs int64, includePartial, eraseData bool) map[atomdef.MetricDimensionKey][]HistogramBucketEntry {
	if includePartial {
		h.BaseProducer.ForceSplit(nowNs)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pastBuckets
	if eraseData {
		h.pastBuckets = make(map[atomdef.MetricDimensionKey][]HistogramBucketEntry)
	}
	return out
}
