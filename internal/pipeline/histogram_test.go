package pipeline

import (
	"testing"

	"Go2NetSpectra/internal/atomdef"
)

const histAtomID = uint32(40)

var histMatcher = atomdef.FieldMatcher{
	AtomID: histAtomID,
	Elems:  []atomdef.MatcherElem{{Index: 0, Kind: atomdef.PathScalar}},
}

var histValueTag = atomdef.FieldTag{AtomID: histAtomID, Path: []int{1}}

func extractHistField(a *atomdef.Atom) (float64, bool) {
	fv, ok := a.Field(histValueTag)
	if !ok {
		return 0, false
	}
	return fv.Float, true
}

func histAtomEvent(tsNs int64, dim string, x float64) *atomdef.Atom {
	return &atomdef.Atom{
		AtomID:    histAtomID,
		ElapsedNs: tsNs,
		Values: []atomdef.FieldValue{
			{Tag: atomdef.FieldTag{AtomID: histAtomID}, Kind: atomdef.KindStr, Str: dim},
			{Tag: histValueTag, Kind: atomdef.KindFloat, Float: x},
		},
	}
}

func histDimKey(dim string) atomdef.MetricDimensionKey {
	return atomdef.MetricDimensionKey{DimensionInWhat: atomdef.DimensionKeyFromValues([]atomdef.FieldValue{
		{Tag: atomdef.FieldTag{AtomID: histAtomID}, Kind: atomdef.KindStr, Str: dim},
	})}
}

// edges [10, 20] makes three bins: underflow (<10), [10,20), overflow (>=20).
func TestHistogramMetricProducer_BinsValues(t *testing.T) {
	g := NewGuardrail(0, false)
	edges := HistogramBinEdges{10, 20}
	p := NewHistogramMetricProducer("latency_hist", 0, histMatcher, 0, 60*secNs, g, edges, extractHistField)

	p.OnMatchedEvent(histAtomEvent(1*secNs, "host.a", 5), 0)  // bin 0 (underflow)
	p.OnMatchedEvent(histAtomEvent(2*secNs, "host.a", 15), 0) // bin 1
	p.OnMatchedEvent(histAtomEvent(3*secNs, "host.a", 15), 0) // bin 1
	p.OnMatchedEvent(histAtomEvent(4*secNs, "host.a", 30), 0) // bin 2 (overflow)

	report := p.DumpReport(61*secNs, true, false)
	entries := report[histDimKey("host.a")]
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	bins := entries[0].Bins
	if len(bins) != 3 {
		t.Fatalf("bins = %d, want 3 (underflow + [10,20) + overflow)", len(bins))
	}
	if bins[0] != 1 || bins[1] != 2 || bins[2] != 1 {
		t.Fatalf("bins = %v, want [1 2 1]", bins)
	}
}

func TestHistogramMetricProducer_EmptyBucketOmitted(t *testing.T) {
	g := NewGuardrail(0, false)
	edges := HistogramBinEdges{10}
	p := NewHistogramMetricProducer("latency_hist_empty", 0, histMatcher, 0, 60*secNs, g, edges, extractHistField)

	report := p.DumpReport(61*secNs, true, false)
	if len(report) != 0 {
		t.Fatalf("report = %+v, want empty (no events observed)", report)
	}
}
