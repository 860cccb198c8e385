package pipeline

import (
	"testing"

	"Go2NetSpectra/internal/atomdef"
)

const eventAtomID = uint32(30)

var eventMatcher = atomdef.FieldMatcher{
	AtomID: eventAtomID,
	Elems:  []atomdef.MatcherElem{{Index: 0, Kind: atomdef.PathScalar}},
}

var eventMessageTag = atomdef.FieldTag{AtomID: eventAtomID, Path: []int{1}}

func eventAtomOccurrence(tsNs int64, dim, message string) *atomdef.Atom {
	return &atomdef.Atom{
		AtomID:    eventAtomID,
		ElapsedNs: tsNs,
		Values: []atomdef.FieldValue{
			{Tag: atomdef.FieldTag{AtomID: eventAtomID}, Kind: atomdef.KindStr, Str: dim},
			{Tag: eventMessageTag, Kind: atomdef.KindStr, Str: message},
		},
	}
}

func eventDimKey(dim string) atomdef.MetricDimensionKey {
	return atomdef.MetricDimensionKey{DimensionInWhat: atomdef.DimensionKeyFromValues([]atomdef.FieldValue{
		{Tag: atomdef.FieldTag{AtomID: eventAtomID}, Kind: atomdef.KindStr, Str: dim},
	})}
}

func TestEventMetricProducer_RetainsOccurrencesVerbatim(t *testing.T) {
	g := NewGuardrail(0, false)
	p := NewEventMetricProducer("crash_events", 0, eventMatcher, 0, 60*secNs, g, []atomdef.FieldTag{eventMessageTag}, 0)

	p.OnMatchedEvent(eventAtomOccurrence(5*secNs, "app.a", "oom"), 0)
	p.OnMatchedEvent(eventAtomOccurrence(6*secNs, "app.a", "segv"), 0)

	report := p.DumpReport(61*secNs, true, false)
	entries := report[eventDimKey("app.a")]
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	records := entries[0].Records
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Fields[0].Str != "oom" || records[1].Fields[0].Str != "segv" {
		t.Fatalf("records = %+v, want oom then segv in order", records)
	}
}

// Occurrences beyond maxPerBucket within a single bucket are dropped, the
// bound that keeps an unbounded stream of events from growing memory freely.
func TestEventMetricProducer_CapsPerBucket(t *testing.T) {
	g := NewGuardrail(0, false)
	p := NewEventMetricProducer("crash_events_capped", 0, eventMatcher, 0, 60*secNs, g, []atomdef.FieldTag{eventMessageTag}, 2)

	p.OnMatchedEvent(eventAtomOccurrence(1*secNs, "app.a", "e1"), 0)
	p.OnMatchedEvent(eventAtomOccurrence(2*secNs, "app.a", "e2"), 0)
	p.OnMatchedEvent(eventAtomOccurrence(3*secNs, "app.a", "e3"), 0) // dropped, at the cap.

	report := p.DumpReport(61*secNs, true, false)
	records := report[eventDimKey("app.a")][0].Records
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2 (capped)", len(records))
	}
}

func TestEventMetricProducer_BucketRotationStartsFreshList(t *testing.T) {
	g := NewGuardrail(0, false)
	p := NewEventMetricProducer("crash_events_rotate", 0, eventMatcher, 0, 60*secNs, g, []atomdef.FieldTag{eventMessageTag}, 0)

	p.OnMatchedEvent(eventAtomOccurrence(5*secNs, "app.a", "e1"), 0)
	p.OnMatchedEvent(eventAtomOccurrence(65*secNs, "app.a", "e2"), 0) // crosses the 60s boundary.

	report := p.DumpReport(65*secNs, true, false)
	entries := report[eventDimKey("app.a")]
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (one per bucket)", len(entries))
	}
	if len(entries[0].Records) != 1 || len(entries[1].Records) != 1 {
		t.Fatalf("entries = %+v, want one record per bucket", entries)
	}
}
