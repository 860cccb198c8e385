package pipeline

import (
	"sync"

	"Go2NetSpectra/internal/atomdef"
	"Go2NetSpectra/internal/condition"
)

// DurationMode selects between summing every start/stop pair and tracking
// only the longest sparse interval, per §4.3.
type DurationMode uint8

const (
	DurationSum DurationMode = iota
	DurationMaxSparse
)

// DurationBucketEntry is one closed bucket's duration payload.
type DurationBucketEntry struct {
	Info       BucketInfo
	DurationNs int64
}

// durationSpan tracks an open start/stop interval, including the nesting
// counter used when multiple starts occur before a matching stop.
type durationSpan struct {
	openSinceNs int64
	nesting     int
	accumNs     int64
	maxNs       int64
}

// DurationMetricProducer implements §4.3's Duration variant: it tracks
// condition_true_ns per key over a start/stop matcher pair rather than a
// single condition, since the "what" signal for a duration metric is a
// pair of matchers, not a boolean predicate.
type DurationMetricProducer struct {
	*BaseProducer

	mu sync.Mutex

	mode           DurationMode
	startMatcher   int
	stopMatcher    int
	nestingEnabled bool

	spans       map[atomdef.MetricDimensionKey]*durationSpan
	pastBuckets map[atomdef.MetricDimensionKey][]DurationBucketEntry
}

// NewDurationMetricProducer builds a duration producer.
func NewDurationMetricProducer(name string, matcherIndex int, dimMatcher atomdef.FieldMatcher, timeBaseNs, bucketSizeNs int64, guardrail *Guardrail, mode DurationMode, startMatcher, stopMatcher int, nesting bool) *DurationMetricProducer {
	base := NewBaseProducer(name, matcherIndex, dimMatcher, timeBaseNs, bucketSizeNs, guardrail)
	d := &DurationMetricProducer{
		BaseProducer:   base,
		mode:           mode,
		startMatcher:   startMatcher,
		stopMatcher:    stopMatcher,
		nestingEnabled: nesting,
		spans:          make(map[atomdef.MetricDimensionKey]*durationSpan),
		pastBuckets:    make(map[atomdef.MetricDimensionKey][]DurationBucketEntry),
	}
	base.v = d
	return d
}

// RouteMatchedAtom dispatches an atom against this metric's configured
// start/stop atom ids to the right span transition, expanding the shared
// dimension matcher itself rather than asking the caller to carry
// BaseProducer's private matcher, per §4.3's two-matcher wiring. startMatcher
// and stopMatcher are atom ids here rather than opaque matcher indices,
// since a duration metric's two triggers are always distinguished by atom
// type in practice.
func (d *DurationMetricProducer) RouteMatchedAtom(a *atomdef.Atom) {
	isStart := uint32(d.startMatcher) == a.AtomID
	isStop := uint32(d.stopMatcher) == a.AtomID
	if !isStart && !isStop {
		return
	}
	d.BaseProducer.mu.Lock()
	if !d.BaseProducer.isActive || a.ElapsedNs < d.BaseProducer.timeBaseNs {
		d.BaseProducer.mu.Unlock()
		return
	}
	d.BaseProducer.flushIfNeededLocked(a.ElapsedNs)
	expansions := d.BaseProducer.dimMatcher.Expand(a)
	d.BaseProducer.mu.Unlock()

	for _, vals := range expansions {
		key := atomdef.MetricDimensionKey{DimensionInWhat: atomdef.DimensionKeyFromValues(vals)}
		if isStart {
			d.OnMatchedStart(a, key)
		} else {
			d.OnMatchedStop(a, key)
		}
	}
}

// OnMatchedStart/OnMatchedStop are driven by RouteMatchedAtom instead of the
// generic OnMatchedEvent dispatch, since a duration metric subscribes to two
// matchers (start, stop) rather than one (§4.3).
func (d *DurationMetricProducer) OnMatchedStart(a *atomdef.Atom, key atomdef.MetricDimensionKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	span, ok := d.spans[key]
	if !ok {
		if !d.guardrail.AllowInsert(len(d.spans), key, a.ElapsedNs) {
			return
		}
		span = &durationSpan{}
		d.spans[key] = span
	}
	if span.nesting == 0 {
		span.openSinceNs = a.ElapsedNs
	}
	if d.nestingEnabled {
		span.nesting++
	} else {
		span.nesting = 1
	}
}

func (d *DurationMetricProducer) OnMatchedStop(a *atomdef.Atom, key atomdef.MetricDimensionKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	span, ok := d.spans[key]
	if !ok || span.nesting == 0 {
		return
	}
	span.nesting--
	if span.nesting > 0 {
		return
	}
	elapsed := a.ElapsedNs - span.openSinceNs
	switch d.mode {
	case DurationSum:
		span.accumNs += elapsed
	case DurationMaxSparse:
		if elapsed > span.maxNs {
			span.maxNs = elapsed
		}
	}
}

func (d *DurationMetricProducer) update(key atomdef.MetricDimensionKey, a *atomdef.Atom, conditionState condition.TriState, tsNs int64) {
	// Duration's own state machine is driven by OnMatchedStart/Stop; the
	// generic update hook is unused but required to satisfy `variant`.
}

func (d *DurationMetricProducer) closeBucket(info BucketInfo, tracker AnomalyTracker, metricName string, tsNs int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, span := range d.spans {
		var total int64
		switch d.mode {
		case DurationSum:
			total = span.accumNs
		case DurationMaxSparse:
			total = span.maxNs
		}
		if span.nesting > 0 {
			// Carry the still-open span's partial contribution into this
			// bucket before resetting its clock to the boundary.
			total += tsNs - span.openSinceNs
			span.openSinceNs = tsNs
		}
		if total == 0 {
			continue
		}
		d.pastBuckets[key] = append(d.pastBuckets[key], DurationBucketEntry{Info: info, DurationNs: total})
		if tracker != nil {
			tracker.OnCount(metricName, key, uint64(total), tsNs)
		}
		span.accumNs = 0
		span.maxNs = 0
	}
}

func (d *DurationMetricProducer) byteSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	size := 0
	for k := range d.spans {
		size += len(k.DimensionInWhat) + len(k.StateValuesKey) + 32
	}
	return size
}

// DumpReport assembles this metric's duration report section.
func (d *DurationMetricProducer) DumpReport(nowNs int64, includePartial, eraseData bool) map[atomdef.MetricDimensionKey][]DurationBucketEntry {
	if includePartial {
		d.BaseProducer.ForceSplit(nowNs)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pastBuckets
	if eraseData {
		d.pastBuckets = make(map[atomdef.MetricDimensionKey][]DurationBucketEntry)
	}
	return out
}
