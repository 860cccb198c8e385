package pipeline

import (
	"testing"

	"Go2NetSpectra/internal/atomdef"
)

const (
	startAtomID = uint32(10)
	stopAtomID  = uint32(11)
)

// durMatcher addresses the single "session" dimension field shared by both
// the start and stop atoms.
var durMatcher = atomdef.FieldMatcher{
	AtomID: startAtomID,
	Elems:  []atomdef.MatcherElem{{Index: 0, Kind: atomdef.PathScalar}},
}

func startAtom(tsNs int64, session string) *atomdef.Atom {
	return &atomdef.Atom{
		AtomID:    startAtomID,
		ElapsedNs: tsNs,
		Values: []atomdef.FieldValue{
			{Tag: atomdef.FieldTag{AtomID: startAtomID}, Kind: atomdef.KindStr, Str: session},
		},
	}
}

func stopAtom(tsNs int64, session string) *atomdef.Atom {
	return &atomdef.Atom{
		AtomID:    stopAtomID,
		ElapsedNs: tsNs,
		Values: []atomdef.FieldValue{
			{Tag: atomdef.FieldTag{AtomID: stopAtomID}, Kind: atomdef.KindStr, Str: session},
		},
	}
}

// Duration's own RouteMatchedAtom expands its dimension matcher against
// whichever atom (start or stop) was matched, so the matcher's AtomID field
// itself is never consulted there; giving the stop atom the same field tag
// shape as start is enough for both to resolve to the same dimension key.

func TestDurationMetricProducer_SumMode(t *testing.T) {
	g := NewGuardrail(0, false)
	d := NewDurationMetricProducer("session_duration", 0, durMatcher, 0, 60*secNs, g, DurationSum, int(startAtomID), int(stopAtomID), false)
	d.BaseProducer.OnActiveStateChanged(0, true)

	d.RouteMatchedAtom(startAtom(5*secNs, "s1"))
	d.RouteMatchedAtom(stopAtom(15*secNs, "s1"))

	d.RouteMatchedAtom(startAtom(20*secNs, "s1"))
	d.RouteMatchedAtom(stopAtom(25*secNs, "s1"))

	report := d.DumpReport(61*secNs, true, false)
	key := atomdef.MetricDimensionKey{DimensionInWhat: atomdef.DimensionKeyFromValues([]atomdef.FieldValue{
		{Tag: atomdef.FieldTag{AtomID: startAtomID}, Kind: atomdef.KindStr, Str: "s1"},
	})}

	entries, ok := report[key]
	if !ok {
		t.Fatalf("no entries for key %+v, report = %+v", key, report)
	}
	var total int64
	for _, e := range entries {
		total += e.DurationNs
	}
	if total != 15*secNs {
		t.Fatalf("total duration = %d, want %d (10s + 5s)", total, 15*secNs)
	}
}

func TestDurationMetricProducer_MaxSparseMode(t *testing.T) {
	g := NewGuardrail(0, false)
	d := NewDurationMetricProducer("session_max", 0, durMatcher, 0, 60*secNs, g, DurationMaxSparse, int(startAtomID), int(stopAtomID), false)
	d.BaseProducer.OnActiveStateChanged(0, true)

	d.RouteMatchedAtom(startAtom(0, "s1"))
	d.RouteMatchedAtom(stopAtom(5*secNs, "s1"))

	d.RouteMatchedAtom(startAtom(10*secNs, "s1"))
	d.RouteMatchedAtom(stopAtom(30*secNs, "s1"))

	report := d.DumpReport(61*secNs, true, false)
	key := atomdef.MetricDimensionKey{DimensionInWhat: atomdef.DimensionKeyFromValues([]atomdef.FieldValue{
		{Tag: atomdef.FieldTag{AtomID: startAtomID}, Kind: atomdef.KindStr, Str: "s1"},
	})}

	entries, ok := report[key]
	if !ok {
		t.Fatalf("no entries for key %+v, report = %+v", key, report)
	}
	var maxSeen int64
	for _, e := range entries {
		if e.DurationNs > maxSeen {
			maxSeen = e.DurationNs
		}
	}
	if maxSeen != 20*secNs {
		t.Fatalf("max duration = %d, want %d (the 10s-30s span, not the earlier 5s one)", maxSeen, 20*secNs)
	}
}

// Without nesting enabled, a second start before the matching stop is a
// no-op: the nesting counter is pinned to 1, not incremented, so a single
// stop closes the span.
func TestDurationMetricProducer_NestingDisabledCollapses(t *testing.T) {
	g := NewGuardrail(0, false)
	d := NewDurationMetricProducer("session_nonest", 0, durMatcher, 0, 60*secNs, g, DurationSum, int(startAtomID), int(stopAtomID), false)
	d.BaseProducer.OnActiveStateChanged(0, true)

	d.RouteMatchedAtom(startAtom(0, "s1"))
	d.RouteMatchedAtom(startAtom(5*secNs, "s1")) // no-op: nesting stays at 1.
	d.RouteMatchedAtom(stopAtom(10*secNs, "s1")) // closes the span opened at t=0.

	report := d.DumpReport(61*secNs, true, false)
	key := atomdef.MetricDimensionKey{DimensionInWhat: atomdef.DimensionKeyFromValues([]atomdef.FieldValue{
		{Tag: atomdef.FieldTag{AtomID: startAtomID}, Kind: atomdef.KindStr, Str: "s1"},
	})}
	var total int64
	for _, e := range report[key] {
		total += e.DurationNs
	}
	if total != 10*secNs {
		t.Fatalf("total duration = %d, want %d", total, 10*secNs)
	}
}

// A span still open when the bucket rotates contributes its partial elapsed
// time to the closing bucket and keeps accumulating in the next one.
func TestDurationMetricProducer_OpenSpanSplitsAcrossBuckets(t *testing.T) {
	g := NewGuardrail(0, false)
	d := NewDurationMetricProducer("session_span", 0, durMatcher, 0, 60*secNs, g, DurationSum, int(startAtomID), int(stopAtomID), false)
	d.BaseProducer.OnActiveStateChanged(0, true)

	d.RouteMatchedAtom(startAtom(50*secNs, "s1"))
	// Crossing the 60s boundary forces bucket 0 to close via flushIfNeededLocked,
	// which calls closeBucket and carries the still-open span forward.
	d.RouteMatchedAtom(stopAtom(70*secNs, "s1"))

	report := d.DumpReport(120*secNs, true, false)
	key := atomdef.MetricDimensionKey{DimensionInWhat: atomdef.DimensionKeyFromValues([]atomdef.FieldValue{
		{Tag: atomdef.FieldTag{AtomID: startAtomID}, Kind: atomdef.KindStr, Str: "s1"},
	})}
	entries := report[key]
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (one per bucket the span crossed)", len(entries))
	}
	var total int64
	for _, e := range entries {
		total += e.DurationNs
	}
	if total != 20*secNs {
		t.Fatalf("total duration = %d, want %d (50s to 70s)", total, 20*secNs)
	}
}
