// Package activation implements the per-metric activation engine: time
// bounded authorisation for a metric to process events, with TTL decay and
// a persistence round-trip, grounded on MetricProducer.cpp's
// evaluateActiveStateLocked/flushIfExpire/activateLocked/
// cancelEventActivationLocked/loadActiveMetricLocked family.
package activation

import "sync"

// Kind distinguishes an Immediate activation (starts the clock on match)
// from an OnBoot activation (persists across restart without activating).
type Kind uint8

const (
	Immediate Kind = iota
	OnBoot
)

// State is the activation's own lifecycle state, independent of whether
// the owning metric is currently "active" overall.
type State uint8

const (
	NotActive State = iota
	Active
	ActiveOnBoot
)

type slot struct {
	matcherIndex int
	kind         Kind
	ttlNs        int64
	startNs      int64
	state        State
}

// Listener is notified when the metric's overall activity flips.
type Listener interface {
	OnActiveStateChanged(nowNs int64, isActive bool)
}

// Engine owns every activation slot for a single metric. An empty Engine
// (no slots registered) is always active, per §3.
type Engine struct {
	mu        sync.Mutex
	slots     []*slot
	listener  Listener
	wasActive bool
	// hadActivations distinguishes "configured with zero activations"
	// (always active) from "configured with activations, all currently
	// NotActive" (inactive) -- both produce an empty active slot set, but
	// only the first is vacuously active.
	hadActivations bool
}

// NewEngine creates an activation engine with no listener attached; call
// SetListener before feeding events so on_active_state_changed fires.
func NewEngine() *Engine {
	return &Engine{wasActive: true}
}

// SetListener attaches the metric producer that receives activity flips.
func (e *Engine) SetListener(l Listener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

// Configure declares an activation slot bound to a matcher index.
func (e *Engine) Configure(matcherIndex int, kind Kind, ttlNs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slots = append(e.slots, &slot{matcherIndex: matcherIndex, kind: kind, ttlNs: ttlNs, state: NotActive})
	e.hadActivations = true
	e.wasActive = false
}

// OnMatchedActivation handles an event matching an activation matcher
// (§4.6). Immediate activations start the clock and may flip the metric
// active; OnBoot activations only mark ActiveOnBoot without activating.
func (e *Engine) OnMatchedActivation(matcherIndex int, nowNs int64) {
	e.mu.Lock()
	var listener Listener
	var becameActive bool
	for _, s := range e.slots {
		if s.matcherIndex != matcherIndex {
			continue
		}
		switch s.kind {
		case Immediate:
			s.startNs = nowNs
			s.state = Active
			becameActive = true
		case OnBoot:
			s.state = ActiveOnBoot
		}
	}
	isActive := e.isActiveLocked(nowNs)
	if becameActive && !e.wasActive && isActive {
		listener = e.listener
	}
	e.wasActive = isActive
	e.mu.Unlock()

	if listener != nil {
		listener.OnActiveStateChanged(nowNs, true)
	}
}

// OnMatchedDeactivation handles a deactivation-trigger matcher: every
// listed activation slot is forced to NotActive.
func (e *Engine) OnMatchedDeactivation(matcherIndices []int, nowNs int64) {
	set := make(map[int]bool, len(matcherIndices))
	for _, m := range matcherIndices {
		set[m] = true
	}

	e.mu.Lock()
	for _, s := range e.slots {
		if set[s.matcherIndex] {
			s.state = NotActive
		}
	}
	e.recomputeAndNotifyLocked(nowNs)
	e.mu.Unlock()
}

// CheckExpiry recomputes activity against nowNs, flipping any Active slot
// whose TTL has elapsed to NotActive and notifying the listener before the
// flip takes effect, per §4.6 ordering.
func (e *Engine) CheckExpiry(nowNs int64) {
	e.mu.Lock()
	e.recomputeAndNotifyLocked(nowNs)
	e.mu.Unlock()
}

// recomputeAndNotifyLocked must be called with e.mu held.
func (e *Engine) recomputeAndNotifyLocked(nowNs int64) {
	willBeActive := e.isActiveLocked(nowNs)
	if willBeActive == e.wasActive {
		return
	}
	listener := e.listener
	// Notify before flipping the cached state, matching the spec's
	// "on transition to false call on_active_state_changed before
	// flipping" contract; for the false transition the listener must see
	// the still-active window while making its decision.
	if listener != nil {
		listener.OnActiveStateChanged(nowNs, willBeActive)
	}
	e.wasActive = willBeActive
}

// isActiveLocked must be called with e.mu held.
func (e *Engine) isActiveLocked(nowNs int64) bool {
	if !e.hadActivations {
		return true
	}
	for _, s := range e.slots {
		if s.state == Active && nowNs < s.startNs+s.ttlNs {
			return true
		}
	}
	return false
}

// IsActive reports current activity without mutating state.
func (e *Engine) IsActive(nowNs int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isActiveLocked(nowNs)
}

// SnapshotEntry is one row of the persisted active-metrics snapshot.
type SnapshotEntry struct {
	MatcherIndex  int
	RemainingTTLNs int64
	State         State
}

// Snapshot records (matcher_index, remaining_ttl_ns, state) for every
// slot that is Active or ActiveOnBoot, per §4.6/§6.
func (e *Engine) Snapshot(nowNs int64) []SnapshotEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []SnapshotEntry
	for _, s := range e.slots {
		switch s.state {
		case Active:
			remaining := s.startNs + s.ttlNs - nowNs
			if remaining < 0 {
				remaining = 0
			}
			out = append(out, SnapshotEntry{MatcherIndex: s.matcherIndex, RemainingTTLNs: remaining, State: s.state})
		case ActiveOnBoot:
			out = append(out, SnapshotEntry{MatcherIndex: s.matcherIndex, State: s.state})
		}
	}
	return out
}

// LoadResult reports how many persisted entries could not be matched
// against the live configuration -- the §9 "undefined behavior" open
// question is resolved by flagging rather than silently dropping or
// guessing a slot to apply them to.
type LoadResult struct {
	SkippedActivations int
}

// Load restores a persisted snapshot taken at a prior nowNs into the live
// engine at the new nowNs, per §4.6: start_ns = now + remaining_ttl - ttl.
// statsCompanionDied, when true, drops ActiveOnBoot entries rather than
// retaining them, per the spec's persistence rule.
func (e *Engine) Load(entries []SnapshotEntry, nowNs int64, statsCompanionDied bool) LoadResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	byMatcher := make(map[int]*slot, len(e.slots))
	for _, s := range e.slots {
		byMatcher[s.matcherIndex] = s
	}

	var result LoadResult
	for _, entry := range entries {
		s, ok := byMatcher[entry.MatcherIndex]
		if !ok {
			result.SkippedActivations++
			continue
		}
		switch entry.State {
		case Active:
			s.state = Active
			s.startNs = nowNs + entry.RemainingTTLNs - s.ttlNs
		case ActiveOnBoot:
			if statsCompanionDied {
				s.state = NotActive
				continue
			}
			s.state = ActiveOnBoot
		}
	}
	e.wasActive = e.isActiveLocked(nowNs)
	return result
}
