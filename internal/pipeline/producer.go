package pipeline

import (
	"sync"

	"Go2NetSpectra/internal/activation"
	"Go2NetSpectra/internal/atomdef"
	"Go2NetSpectra/internal/condition"
)

// ConditionQuery is the subset of condition.Wizard a producer needs; kept
// as an interface so pipeline tests can fake it without wiring a real
// graph, the way the teacher's Querier interface decouples its API
// handlers from a concrete ClickHouse implementation.
type ConditionQuery interface {
	Query(nodeID string, keys []atomdef.MetricDimensionKey, partialMatchAllowed bool) condition.TriState
}

// StateQuery is the subset of statetrack.Manager a producer needs.
type StateQuery interface {
	Query(atomID uint32, primaryKey string) int64
}

// ConditionLink binds a condition node to this metric, including whether
// the metric's link fields are a strict subset of the condition's
// dimensions (partial_match_allowed, §4.4).
type ConditionLink struct {
	NodeID              string
	PartialMatchAllowed bool
	Sliced              bool
}

// StateLink binds a state atom to this metric with its primary-key
// matcher and group_map, per §4.1 step 5.
type StateLink struct {
	AtomID    uint32
	KeyMatcher atomdef.FieldMatcher
	GroupMap  GroupMapper
}

// GroupMapper resolves a raw state value to a group id.
type GroupMapper interface {
	Resolve(raw int64) int64
}

// AnomalyTracker receives running and final per-key counts, per §4.2.
type AnomalyTracker interface {
	OnCount(metricName string, key atomdef.MetricDimensionKey, wholeBucketCount uint64, tsNs int64)
	OnDimensionLimitReached(metricName string, tsNs int64)
}

// UploadThreshold is the configured `lt|lte|gt|gte` predicate gating
// whether a closed bucket's count is appended to the past-bucket store.
type UploadThreshold struct {
	Configured bool
	Op         string // "lt", "lte", "gt", "gte"
	Value      int64
}

// Passes evaluates the threshold against count; an unconfigured threshold
// always passes.
func (t UploadThreshold) Passes(count int64) bool {
	if !t.Configured {
		return true
	}
	switch t.Op {
	case "lt":
		return count < t.Value
	case "lte":
		return count <= t.Value
	case "gt":
		return count > t.Value
	case "gte":
		return count >= t.Value
	default:
		return true
	}
}

// variant is implemented by each concrete metric-type aggregate (count,
// duration, value, event, histogram); the hot path through BaseProducer is
// identical for every variant, per the §9 design note.
type variant interface {
	update(key atomdef.MetricDimensionKey, a *atomdef.Atom, conditionTrue condition.TriState, tsNs int64)
	closeBucket(info BucketInfo, tracker AnomalyTracker, metricName string, tsNs int64)
	byteSize() int
}

// BaseProducer holds everything common to every MetricProducer variant:
// activation, bucket timing, guardrails, condition/state links, and the
// dimension-extraction matcher. It implements the §4.1 common event
// pipeline and delegates variant-specific work to a `variant`.
type BaseProducer struct {
	mu sync.Mutex

	name string

	matcherIndex int
	dimMatcher   atomdef.FieldMatcher

	conditionLinks []ConditionLink
	conditionQuery ConditionQuery

	stateLinks []StateLink
	stateQuery StateQuery

	activationEngine *activation.Engine
	isActive         bool

	sampling *Sampling

	timeBaseNs       int64
	bucketSizeNs     int64
	currentBucketStart int64
	bucketNum          int64

	guardrail *Guardrail
	v         variant

	anomalyTracker AnomalyTracker
}

// Sampling is the §4.1 step 3 shard-consistent sampling gate.
type Sampling struct {
	FieldMatcher atomdef.FieldMatcher
	ShardCount   uint32
	ShardOffset  uint32
}

func (s *Sampling) keep(a *atomdef.Atom) bool {
	if s == nil || s.ShardCount == 0 {
		return true
	}
	exp := s.FieldMatcher.Expand(a)
	if len(exp) == 0 || len(exp[0]) == 0 {
		return true
	}
	h := atomdef.ShardHash(exp[0][0].String())
	return h%s.ShardCount == s.ShardOffset
}

// NewBaseProducer builds the shared producer state. v is wired in after
// construction by the variant's own constructor (it embeds BaseProducer
// and needs &self as v).
func NewBaseProducer(name string, matcherIndex int, dimMatcher atomdef.FieldMatcher, timeBaseNs, bucketSizeNs int64, guardrail *Guardrail) *BaseProducer {
	return &BaseProducer{
		name:               name,
		matcherIndex:       matcherIndex,
		dimMatcher:         dimMatcher,
		timeBaseNs:         timeBaseNs,
		bucketSizeNs:       bucketSizeNs,
		currentBucketStart: timeBaseNs,
		isActive:           true,
		guardrail:          guardrail,
	}
}

func (p *BaseProducer) Name() string { return p.name }

// SetStateLinks wires the state atoms this metric resolves at event time
// (§4.1 step 5) and the StateQuery used to read their current values.
func (p *BaseProducer) SetStateLinks(query StateQuery, links []StateLink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateQuery = query
	p.stateLinks = links
}

// SetAnomalyTracker wires the per-metric/per-key count observer (§4.2)
// shared by every variant.
func (p *BaseProducer) SetAnomalyTracker(t AnomalyTracker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anomalyTracker = t
}

// OnActiveStateChanged implements activation.Listener.
func (p *BaseProducer) OnActiveStateChanged(nowNs int64, isActive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if isActive == p.isActive {
		return
	}
	// A transition only splits the current bucket; it never emits a full
	// bucket unless the transition also crosses a boundary (§4.1.3).
	p.flushIfNeededLocked(nowNs)
	p.isActive = isActive
}

// OnConditionChanged implements the unsliced-condition notification path;
// variants that care about condition flips for duration-style accounting
// override this via their own wiring, the base is a no-op hook point kept
// for symmetry with on_sliced_condition_may_change.
func (p *BaseProducer) OnConditionChanged(conditionID string, newState condition.TriState, tsNs int64) {}

// OnSlicedConditionMayChange is the sliced-condition counterpart; producers
// that embed BaseProducer re-query per slice on the next matched event
// rather than eagerly recomputing here, since a slice may not be live yet.
func (p *BaseProducer) OnSlicedConditionMayChange(conditionID string, tsNs int64) {}

// OnStateChanged implements statetrack.Subscriber; like OnConditionChanged,
// the base is a no-op and the resolved value is re-read lazily from
// StateQuery on the next matched event.
func (p *BaseProducer) OnStateChanged(atomID uint32, primaryKey string, oldVal, newVal, tsNs int64) {}

// RotateThen locks the base, rotates any bucket now due at tsNs, then runs
// fn while still holding the base lock -- used by variants that must apply
// a state/condition transition at the bucket boundary rather than waiting
// for the next matched event (§4.1.3: "flushing on ... transitions ... only
// splits the current bucket").
func (p *BaseProducer) RotateThen(tsNs int64, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushIfNeededLocked(tsNs)
	fn()
}

// FlushIfExpired is the external bucket-rotation kick (e.g. an alarm).
func (p *BaseProducer) FlushIfExpired(nowNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushIfNeededLocked(nowNs)
}

// flushIfNeededLocked implements §4.1.3 bucket rotation. Must be called
// with p.mu held.
func (p *BaseProducer) flushIfNeededLocked(ts int64) {
	currentEnd := p.currentBucketStart + p.bucketSizeNs
	if ts < currentEnd {
		return
	}

	numBucketsForward := 1 + (ts-currentEnd)/p.bucketSizeNs

	closeEnd := ts
	if currentEnd < closeEnd {
		closeEnd = currentEnd
	}
	partial := closeEnd != currentEnd

	info := BucketInfo{BucketNum: p.bucketNum}
	if partial {
		info.Partial = true
		info.StartElapsedMs = p.currentBucketStart / 1e6
		info.EndElapsedMs = closeEnd / 1e6
	}

	// closeEnd, not ts, is the bucket boundary: variant-specific rollover
	// (e.g. the condition timer) must account time up to the boundary, not
	// up to whatever later timestamp triggered this rotation.
	p.v.closeBucket(info, p.anomalyTracker, p.name, closeEnd)

	p.guardrail.Rotate()
	p.currentBucketStart += numBucketsForward * p.bucketSizeNs
	p.bucketNum++
}

// forceSplit closes the current bucket as partial at tsNs without
// advancing past a natural boundary -- used by app-upgrade and
// explicit-dump triggers that must split, not rotate, the active bucket
// (§3 "Partial bucket").
func (p *BaseProducer) forceSplitLocked(tsNs int64) {
	if tsNs <= p.currentBucketStart {
		return
	}
	info := BucketInfo{
		BucketNum:      p.bucketNum,
		Partial:        true,
		StartElapsedMs: p.currentBucketStart / 1e6,
		EndElapsedMs:   tsNs / 1e6,
	}
	p.v.closeBucket(info, p.anomalyTracker, p.name, tsNs)
	p.currentBucketStart = tsNs
	p.bucketNum++
}

// ForceSplit locks and force-splits the current bucket at tsNs, used by
// dump_report(include_partial=true) to fold the in-progress bucket into
// the report without waiting for a natural rotation.
func (p *BaseProducer) ForceSplit(tsNs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forceSplitLocked(tsNs)
}

// ForceSplitForAppUpgrade implements scenario 5: an app-upgrade
// notification splits the current bucket into two partials when
// split_bucket_for_app_upgrade is configured true.
func (p *BaseProducer) ForceSplitForAppUpgrade(tsNs int64, enabled bool) {
	if !enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forceSplitLocked(tsNs)
}

// OnMatchedEvent implements the §4.1 common event pipeline, steps 1-7,
// delegating to the variant's update() in step 7.
func (p *BaseProducer) OnMatchedEvent(a *atomdef.Atom, matcherIndex int) {
	if matcherIndex != p.matcherIndex {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Step 1: activation.
	if !p.isActive {
		return
	}
	// Step 2: clock-reset protection.
	if a.ElapsedNs < p.timeBaseNs {
		return
	}
	// Step 3: sampling.
	if !p.sampling.keep(a) {
		return
	}

	// Step 6 (computed ahead of 4/5 since dimension extraction does not
	// depend on condition/state resolution): dimension_in_what.
	expansions := p.dimMatcher.Expand(a)
	if len(expansions) == 0 {
		return
	}

	for _, vals := range expansions {
		dimInWhat := atomdef.DimensionKeyFromValues(vals)

		// Step 5: state resolution.
		stateVals := make(map[uint32]int64, len(p.stateLinks))
		for _, link := range p.stateLinks {
			primaryKey := atomdef.DimensionKeyFromValues(link.KeyMatcher.Expand(a)[0])
			raw := int64(-1)
			if p.stateQuery != nil {
				raw = p.stateQuery.Query(link.AtomID, primaryKey)
			}
			resolved := raw
			if link.GroupMap != nil {
				resolved = link.GroupMap.Resolve(raw)
			}
			stateVals[link.AtomID] = resolved
		}
		key := atomdef.MetricDimensionKey{DimensionInWhat: dimInWhat, StateValuesKey: atomdef.StateValuesKey(stateVals)}

		// Step 4: condition resolution. Every linked condition is combined
		// with tri-state AND: False dominates Unknown (any False makes the
		// whole link False even if another link is still Unknown), True
		// only if every link is True, matching condition.node.recompute's
		// composite semantics.
		conditionTrue := condition.True
		if p.conditionQuery != nil {
			anyFalse := false
			allTrue := true
			for _, link := range p.conditionLinks {
				var keys []atomdef.MetricDimensionKey
				if link.Sliced {
					keys = []atomdef.MetricDimensionKey{key}
				}
				s := p.conditionQuery.Query(link.NodeID, keys, link.PartialMatchAllowed)
				if s == condition.False {
					anyFalse = true
				}
				if s != condition.True {
					allTrue = false
				}
			}
			switch {
			case anyFalse:
				conditionTrue = condition.False
			case allTrue:
				conditionTrue = condition.True
			default:
				conditionTrue = condition.Unknown
			}
		}

		// Step 7: bucket rotation, then delegate.
		p.flushIfNeededLocked(a.ElapsedNs)
		p.v.update(key, a, conditionTrue, a.ElapsedNs)
	}
}

// ByteSize returns the variant's conservative memory estimate.
func (p *BaseProducer) ByteSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.v.byteSize()
}
