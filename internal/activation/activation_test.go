package activation

import "testing"

type recordingListener struct {
	calls []bool // isActive per call
}

func (l *recordingListener) OnActiveStateChanged(nowNs int64, isActive bool) {
	l.calls = append(l.calls, isActive)
}

// An Engine with no activation slots configured is vacuously always
// active, per §3's "empty activation set" rule.
func TestEngine_EmptyEngineAlwaysActive(t *testing.T) {
	e := NewEngine()
	if !e.IsActive(0) {
		t.Fatalf("empty engine should be active")
	}
	if !e.IsActive(1_000_000_000) {
		t.Fatalf("empty engine should stay active at any time")
	}
}

// A configured Immediate activation starts NotActive, becomes active on a
// matched event, and expires after its TTL, notifying the listener on
// both transitions.
func TestEngine_ImmediateActivationLifecycle(t *testing.T) {
	e := NewEngine()
	l := &recordingListener{}
	e.SetListener(l)
	e.Configure(0, Immediate, 10*1_000_000_000) // 10s TTL.

	if e.IsActive(0) {
		t.Fatalf("configured engine should start inactive before any match")
	}

	e.OnMatchedActivation(0, 1*1_000_000_000)
	if !e.IsActive(1 * 1_000_000_000) {
		t.Fatalf("engine should be active immediately after the matched event")
	}
	if len(l.calls) != 1 || !l.calls[0] {
		t.Fatalf("listener calls = %v, want exactly one true", l.calls)
	}

	// Still within the TTL window (1s start + 10s ttl = 11s expiry).
	e.CheckExpiry(5 * 1_000_000_000)
	if len(l.calls) != 1 {
		t.Fatalf("listener should not fire again while still active, calls = %v", l.calls)
	}

	// Past expiry.
	e.CheckExpiry(12 * 1_000_000_000)
	if e.IsActive(12 * 1_000_000_000) {
		t.Fatalf("engine should be inactive past TTL expiry")
	}
	if len(l.calls) != 2 || l.calls[1] {
		t.Fatalf("listener calls = %v, want a trailing false", l.calls)
	}
}

// OnMatchedDeactivation forces listed slots inactive immediately,
// independent of their TTL.
func TestEngine_DeactivationForcesInactive(t *testing.T) {
	e := NewEngine()
	l := &recordingListener{}
	e.SetListener(l)
	e.Configure(0, Immediate, 100*1_000_000_000)

	e.OnMatchedActivation(0, 0)
	if !e.IsActive(1) {
		t.Fatalf("should be active after match")
	}

	e.OnMatchedDeactivation([]int{0}, 2)
	if e.IsActive(3) {
		t.Fatalf("should be inactive after deactivation even though TTL has not elapsed")
	}
}

// Snapshot/Load round-trips an Active slot's remaining TTL: loading the
// snapshot at a later nowNs reproduces the same absolute expiry time.
func TestEngine_SnapshotLoadRoundTripPreservesExpiry(t *testing.T) {
	src := NewEngine()
	src.Configure(0, Immediate, 100) // ttlNs = 100.
	src.OnMatchedActivation(0, 10)   // startNs = 10, expires at 110.

	snap := src.Snapshot(50) // remaining = 110-50 = 60.
	if len(snap) != 1 || snap[0].RemainingTTLNs != 60 {
		t.Fatalf("snapshot = %+v, want one entry with RemainingTTLNs=60", snap)
	}

	dst := NewEngine()
	dst.Configure(0, Immediate, 100)
	result := dst.Load(snap, 200, false) // restored at a later nowNs.
	if result.SkippedActivations != 0 {
		t.Fatalf("skipped = %d, want 0", result.SkippedActivations)
	}

	// new startNs = 200 + 60 - 100 = 160, so it expires at 260.
	if !dst.IsActive(259) {
		t.Fatalf("restored slot should still be active just before its reconstructed expiry")
	}
	dst.CheckExpiry(261)
	if dst.IsActive(261) {
		t.Fatalf("restored slot should have expired just after its reconstructed expiry")
	}
}

// Load reports a skipped activation for a persisted entry whose matcher
// index no longer exists in the live configuration, rather than guessing
// a slot to apply it to.
func TestEngine_LoadSkipsUnknownMatcherIndex(t *testing.T) {
	dst := NewEngine()
	dst.Configure(0, Immediate, 100)

	result := dst.Load([]SnapshotEntry{{MatcherIndex: 99, State: Active, RemainingTTLNs: 10}}, 0, false)
	if result.SkippedActivations != 1 {
		t.Fatalf("skipped = %d, want 1", result.SkippedActivations)
	}
}

// Load drops an ActiveOnBoot entry when statsCompanionDied is true, per
// the persistence rule, instead of silently resurrecting it -- surfaced
// via Snapshot, since ActiveOnBoot never counts toward IsActive either way.
func TestEngine_LoadDropsOnBootWhenCompanionDied(t *testing.T) {
	died := NewEngine()
	died.Configure(0, OnBoot, 100)
	died.Load([]SnapshotEntry{{MatcherIndex: 0, State: ActiveOnBoot}}, 0, true)
	if snap := died.Snapshot(0); len(snap) != 0 {
		t.Fatalf("snapshot after companion died = %+v, want no ActiveOnBoot entries restored", snap)
	}

	survived := NewEngine()
	survived.Configure(0, OnBoot, 100)
	survived.Load([]SnapshotEntry{{MatcherIndex: 0, State: ActiveOnBoot}}, 0, false)
	if snap := survived.Snapshot(0); len(snap) != 1 || snap[0].State != ActiveOnBoot {
		t.Fatalf("snapshot after normal restore = %+v, want the ActiveOnBoot entry restored", snap)
	}
}
