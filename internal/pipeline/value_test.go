package pipeline

import (
	"testing"

	"Go2NetSpectra/internal/atomdef"
)

const valueAtomID = uint32(20)

// valueAtom carries the dimension field at an empty Path (matching
// valueMatcher's single top-level scalar element) and the numeric
// value-of-interest at a distinct, explicit Path so the two fields don't
// collide under atomdef.FieldTag's exact-key lookup.
var valueMatcher = atomdef.FieldMatcher{
	AtomID: valueAtomID,
	Elems:  []atomdef.MatcherElem{{Index: 0, Kind: atomdef.PathScalar}},
}

var valueFieldTag = atomdef.FieldTag{AtomID: valueAtomID, Path: []int{1}}

func extractValueField(a *atomdef.Atom) (float64, bool) {
	fv, ok := a.Field(valueFieldTag)
	if !ok {
		return 0, false
	}
	return fv.Float, true
}

func valueAtomEvent(tsNs int64, dim string, x float64) *atomdef.Atom {
	return &atomdef.Atom{
		AtomID:    valueAtomID,
		ElapsedNs: tsNs,
		Values: []atomdef.FieldValue{
			{Tag: atomdef.FieldTag{AtomID: valueAtomID}, Kind: atomdef.KindStr, Str: dim},
			{Tag: valueFieldTag, Kind: atomdef.KindFloat, Float: x},
		},
	}
}

func valueDimKey(dim string) atomdef.MetricDimensionKey {
	return atomdef.MetricDimensionKey{DimensionInWhat: atomdef.DimensionKeyFromValues([]atomdef.FieldValue{
		{Tag: atomdef.FieldTag{AtomID: valueAtomID}, Kind: atomdef.KindStr, Str: dim},
	})}
}

func TestValueMetricProducer_Sum(t *testing.T) {
	g := NewGuardrail(0, false)
	p := NewValueMetricProducer("latency_sum", 0, valueMatcher, 0, 60*secNs, g, ValueSum, extractValueField)

	p.OnMatchedEvent(valueAtomEvent(5*secNs, "host.a", 10), 0)
	p.OnMatchedEvent(valueAtomEvent(10*secNs, "host.a", 20), 0)

	report := p.DumpReport(61*secNs, true, false)
	entries := report[valueDimKey("host.a")]
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Value != 30 {
		t.Fatalf("sum = %v, want 30", entries[0].Value)
	}
	if entries[0].Count != 2 {
		t.Fatalf("count = %v, want 2", entries[0].Count)
	}
}

func TestValueMetricProducer_Avg(t *testing.T) {
	g := NewGuardrail(0, false)
	p := NewValueMetricProducer("latency_avg", 0, valueMatcher, 0, 60*secNs, g, ValueAvg, extractValueField)

	p.OnMatchedEvent(valueAtomEvent(1*secNs, "host.a", 10), 0)
	p.OnMatchedEvent(valueAtomEvent(2*secNs, "host.a", 30), 0)

	report := p.DumpReport(61*secNs, true, false)
	entries := report[valueDimKey("host.a")]
	if len(entries) != 1 || entries[0].Value != 20 {
		t.Fatalf("entries = %+v, want a single entry with value 20", entries)
	}
}

func TestValueMetricProducer_MinMax(t *testing.T) {
	g := NewGuardrail(0, false)
	min := NewValueMetricProducer("latency_min", 0, valueMatcher, 0, 60*secNs, g, ValueMin, extractValueField)
	max := NewValueMetricProducer("latency_max", 0, valueMatcher, 0, 60*secNs, g, ValueMax, extractValueField)

	for _, x := range []float64{30, 5, 20} {
		min.OnMatchedEvent(valueAtomEvent(1*secNs, "host.a", x), 0)
		max.OnMatchedEvent(valueAtomEvent(1*secNs, "host.a", x), 0)
	}

	minReport := min.DumpReport(61*secNs, true, false)
	maxReport := max.DumpReport(61*secNs, true, false)
	if minReport[valueDimKey("host.a")][0].Value != 5 {
		t.Fatalf("min = %v, want 5", minReport[valueDimKey("host.a")][0].Value)
	}
	if maxReport[valueDimKey("host.a")][0].Value != 30 {
		t.Fatalf("max = %v, want 30", maxReport[valueDimKey("host.a")][0].Value)
	}
}

// A gauge's accumulator restarts empty every bucket rather than carrying a
// partial value forward the way Count's running total does.
func TestValueMetricProducer_ResetsAcrossBuckets(t *testing.T) {
	g := NewGuardrail(0, false)
	p := NewValueMetricProducer("latency_reset", 0, valueMatcher, 0, 60*secNs, g, ValueSum, extractValueField)

	p.OnMatchedEvent(valueAtomEvent(5*secNs, "host.a", 100), 0)
	// Crosses the 60s boundary, closing bucket 0 with no further events in it.
	p.OnMatchedEvent(valueAtomEvent(65*secNs, "host.a", 1), 0)

	report := p.DumpReport(65*secNs, true, false)
	entries := report[valueDimKey("host.a")]
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Value != 100 {
		t.Fatalf("bucket0 sum = %v, want 100", entries[0].Value)
	}
	if entries[1].Value != 1 {
		t.Fatalf("bucket1 sum = %v, want 1 (no carry-forward)", entries[1].Value)
	}
}
