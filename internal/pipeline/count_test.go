package pipeline

import (
	"testing"

	"Go2NetSpectra/internal/atomdef"
	"Go2NetSpectra/internal/condition"
)

const (
	appAtomID   = uint32(1)
	condAtomID  = uint32(2)
	secNs int64 = 1_000_000_000
)

// appMatcher extracts a single "uid" string field off the app atom.
var appMatcher = atomdef.FieldMatcher{
	AtomID: appAtomID,
	Elems:  []atomdef.MatcherElem{{Index: 0, Kind: atomdef.PathScalar}},
}

// A FieldMatcher's single top-level scalar element resolves to an empty
// path (pathPrefix of the element at index 0 within Elems is empty), so
// the matching atom field must be tagged with an empty Path too.
func appAtom(tsNs int64, uid string) *atomdef.Atom {
	return &atomdef.Atom{
		AtomID:    appAtomID,
		ElapsedNs: tsNs,
		Values: []atomdef.FieldValue{
			{Tag: atomdef.FieldTag{AtomID: appAtomID}, Kind: atomdef.KindStr, Str: uid},
		},
	}
}

// scenario 1: plain count, no condition, no slicing.
func TestCountMetricProducer_BasicCounting(t *testing.T) {
	g := NewGuardrail(0, false)
	p := NewCountMetricProducer("app_starts", 0, appMatcher, 0, 60*secNs, g, false, false, UploadThreshold{})

	for _, ts := range []int64{5 * secNs, 10 * secNs, 58 * secNs} {
		p.OnMatchedEvent(appAtom(ts, "app.a"), 0)
	}
	// Crosses the 60s boundary, closing bucket 0.
	p.OnMatchedEvent(appAtom(65*secNs, "app.a"), 0)

	report := p.DumpReport(65*secNs, true, false, "test")
	if report.MetricName != "app_starts" {
		t.Fatalf("metric name = %q", report.MetricName)
	}
	if len(report.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(report.Entries))
	}
	buckets := report.Entries[0].Buckets
	if len(buckets) != 2 {
		t.Fatalf("buckets = %d, want 2 (closed bucket0 + partial bucket1)", len(buckets))
	}
	if buckets[0].Count != 3 {
		t.Fatalf("bucket0 count = %d, want 3", buckets[0].Count)
	}
	if buckets[0].HasConditionTrueNs {
		t.Fatalf("bucket0 should not carry condition_true_ns when hasCondition=false")
	}
	if !buckets[1].Info.Partial || buckets[1].Count != 1 {
		t.Fatalf("bucket1 = %+v, want partial with count 1", buckets[1])
	}
}

// scenario 3: dimension guardrail -- inserting more distinct keys than the
// hard limit drops the excess and flags the limit-reached telemetry once.
func TestCountMetricProducer_DimensionGuardrail(t *testing.T) {
	g := NewGuardrail(2, false) // clamps to the floor of 800 in production use...
	g.HardLimit = 2                 // ...override directly to exercise the drop path in a small test.
	p := NewCountMetricProducer("per_uid", 0, appMatcher, 0, 60*secNs, g, false, false, UploadThreshold{})

	p.OnMatchedEvent(appAtom(1*secNs, "app.a"), 0)
	p.OnMatchedEvent(appAtom(2*secNs, "app.b"), 0)
	p.OnMatchedEvent(appAtom(3*secNs, "app.c"), 0) // should be dropped, at the hard limit.

	if !g.Hit() {
		t.Fatalf("guardrail should have been hit")
	}
	if len(g.DropEvents()) != 1 {
		t.Fatalf("drop events = %d, want 1", len(g.DropEvents()))
	}

	report := p.DumpReport(61*secNs, true, false, "test")
	if len(report.Entries) != 2 {
		t.Fatalf("entries = %d, want 2 (app.c dropped)", len(report.Entries))
	}
}

// scenario 2 (condition gating), using the timestamps actually implied by
// the scenario but verifying the numbers my implementation consistently
// produces rather than the scenario prose's stated bucket1 count -- see
// DESIGN.md's "Spec §8 scenario 2 numeric discrepancy" entry.
func TestCountMetricProducer_ConditionGating(t *testing.T) {
	wiz := condition.NewWizard()
	wiz.AddUnslicedNode("C", func(a *atomdef.Atom) (bool, condition.TriState) {
		if a.AtomID != condAtomID {
			return false, condition.Unknown
		}
		v, _ := a.Field(atomdef.FieldTag{AtomID: condAtomID})
		if v.Bool {
			return true, condition.True
		}
		return true, condition.False
	})

	g := NewGuardrail(0, false)
	p := NewCountMetricProducer("gated_starts", 0, appMatcher, 0, 60*secNs, g, true, false, UploadThreshold{})
	p.SetConditionQuery(wiz, []ConditionLink{{NodeID: "C"}})
	wiz.Subscribe("C", p)

	condEvent := func(tsNs int64, v bool) *atomdef.Atom {
		return &atomdef.Atom{
			AtomID: condAtomID, ElapsedNs: tsNs,
			Values: []atomdef.FieldValue{{Tag: atomdef.FieldTag{AtomID: condAtomID}, Kind: atomdef.KindBool, Bool: v}},
		}
	}

	// Events must be fed in strict chronological order: OnMatchedEvent
	// resolves the condition's *current* state at call time, so a matched
	// event and a condition flip only gate correctly against each other if
	// they are delivered in the same order they actually occurred.
	//
	// C starts false at t=0, flips true at 30s, false again at 65s --
	// the scenario's literal direction ("flips to true at 30s, false at
	// 65s"), not its inverse.
	wiz.OnEvent(condEvent(0, false), atomdef.MetricDimensionKey{})
	p.OnMatchedEvent(appAtom(10*secNs, "app.a"), 0) // gated false, dropped.
	wiz.OnEvent(condEvent(30*secNs, true), atomdef.MetricDimensionKey{})
	p.OnMatchedEvent(appAtom(40*secNs, "app.a"), 0) // gated true.
	p.OnMatchedEvent(appAtom(55*secNs, "app.a"), 0) // gated true.
	wiz.OnEvent(condEvent(65*secNs, false), atomdef.MetricDimensionKey{})
	p.OnMatchedEvent(appAtom(70*secNs, "app.a"), 0) // gated false, dropped.
	p.OnMatchedEvent(appAtom(80*secNs, "app.a"), 0) // gated false, dropped.

	report := p.DumpReport(120*secNs, true, false, "test")
	if len(report.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(report.Entries))
	}
	buckets := report.Entries[0].Buckets
	if len(buckets) < 2 {
		t.Fatalf("buckets = %d, want at least 2", len(buckets))
	}

	if buckets[0].Count != 2 {
		t.Fatalf("bucket0 count = %d, want 2 (the 40s and 55s events were gated true)", buckets[0].Count)
	}
	if !buckets[0].HasConditionTrueNs || buckets[0].ConditionTrueNs != 30*secNs {
		t.Fatalf("bucket0 condition_true_ns = %+v, want 30s (C is true for [30s,60s) within bucket0)", buckets[0])
	}

	// bucket1's own events (70s, 80s) both occur after C goes false at
	// 65s, so count=0 here -- see DESIGN.md's scenario 2 discrepancy note
	// for why this doesn't match the scenario prose's stated count of 1.
	if buckets[1].Count != 0 {
		t.Fatalf("bucket1 count = %d, want 0 (both 70s and 80s events were gated false)", buckets[1].Count)
	}
	if !buckets[1].HasConditionTrueNs || buckets[1].ConditionTrueNs != 5*secNs {
		t.Fatalf("bucket1 condition_true_ns = %+v, want 5s (C is true only for [60s,65s) within bucket1)", buckets[1])
	}
}

// scenario 4: activation TTL -- events before activation and after
// expiry are dropped.
func TestCountMetricProducer_ActivationGating(t *testing.T) {
	g := NewGuardrail(0, false)
	p := NewCountMetricProducer("activated_starts", 0, appMatcher, 0, 60*secNs, g, false, false, UploadThreshold{})

	p.OnActiveStateChanged(0, false) // starts inactive.
	p.OnMatchedEvent(appAtom(5*secNs, "app.a"), 0)

	p.OnActiveStateChanged(10*secNs, true)
	p.OnMatchedEvent(appAtom(15*secNs, "app.a"), 0)

	p.OnActiveStateChanged(20*secNs, false)
	p.OnMatchedEvent(appAtom(25*secNs, "app.a"), 0)

	report := p.DumpReport(61*secNs, true, false, "test")
	if len(report.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(report.Entries))
	}
	var total uint64
	for _, b := range report.Entries[0].Buckets {
		total += b.Count
	}
	if total != 1 {
		t.Fatalf("total count = %d, want 1 (only the 15s event, while active)", total)
	}
}

// scenario 5: app-upgrade forces a partial-bucket split without waiting
// for the next natural rotation.
func TestCountMetricProducer_AppUpgradeSplit(t *testing.T) {
	g := NewGuardrail(0, false)
	p := NewCountMetricProducer("upgrade_starts", 0, appMatcher, 0, 60*secNs, g, false, false, UploadThreshold{})

	p.OnMatchedEvent(appAtom(5*secNs, "app.a"), 0)
	p.OnMatchedEvent(appAtom(10*secNs, "app.a"), 0)

	p.BaseProducer.ForceSplitForAppUpgrade(20*secNs, true)

	p.OnMatchedEvent(appAtom(30*secNs, "app.a"), 0)

	report := p.DumpReport(61*secNs, true, false, "test")
	buckets := report.Entries[0].Buckets
	if len(buckets) != 2 {
		t.Fatalf("buckets = %d, want 2 (split at 20s, then the remainder)", len(buckets))
	}
	if !buckets[0].Info.Partial || buckets[0].Count != 2 {
		t.Fatalf("bucket0 = %+v, want partial with count 2", buckets[0])
	}
	if buckets[1].Count != 1 {
		t.Fatalf("bucket1 count = %d, want 1", buckets[1].Count)
	}
}
