// Package condition implements the boolean condition graph and the
// ConditionWizard query surface consumed by MetricProducers.
package condition

import (
	"sync"

	"Go2NetSpectra/internal/atomdef"
)

// TriState is the three-valued truth a condition node carries.
type TriState uint8

const (
	Unknown TriState = iota
	False
	True
)

// Predicate evaluates a single atom against a matcher and reports whether
// it flips the node's truth value, and to what.
type Predicate func(a *atomdef.Atom) (matched bool, state TriState)

// Subscriber is notified when a condition this metric depends on changes.
type Subscriber interface {
	OnConditionChanged(conditionID string, newState TriState, eventTsNs int64)
	OnSlicedConditionMayChange(conditionID string, eventTsNs int64)
}

// node is one entry in the condition dependency graph. Unsliced nodes hold
// a single TriState; sliced nodes hold a per-dimension-key map. Only one of
// the two is populated, selected by Sliced.
type node struct {
	id        string
	predicate Predicate
	sliced    bool

	mu      sync.RWMutex
	state   TriState
	slices  map[atomdef.MetricDimensionKey]TriState
	subs    []Subscriber
	// children/parents model the dependency graph for propagation; leaf
	// nodes (direct predicates) have no children.
	children []*node
	parents  []*node
}

// Wizard is the ConditionWizard: it owns the node graph and answers
// per-metric queries, applying partial-match semantics across slices.
type Wizard struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

// NewWizard creates an empty condition graph.
func NewWizard() *Wizard {
	return &Wizard{nodes: make(map[string]*node)}
}

// AddUnslicedNode registers a leaf or composite node that holds a single
// tri-state value shared by every metric that queries it.
func (w *Wizard) AddUnslicedNode(id string, pred Predicate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nodes[id] = &node{id: id, predicate: pred, state: Unknown}
}

// AddSlicedNode registers a node whose truth value is tracked per
// MetricDimensionKey (§4.4).
func (w *Wizard) AddSlicedNode(id string, pred Predicate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nodes[id] = &node{id: id, predicate: pred, sliced: true, slices: make(map[atomdef.MetricDimensionKey]TriState)}
}

// Link records a parent→child dependency so that a child flip propagates
// upward using cached child states (§4.4 step 2).
func (w *Wizard) Link(parentID, childID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, pok := w.nodes[parentID]
	c, cok := w.nodes[childID]
	if !pok || !cok {
		return
	}
	p.children = append(p.children, c)
	c.parents = append(c.parents, p)
}

// Subscribe registers a metric producer as a listener on a node.
func (w *Wizard) Subscribe(nodeID string, sub Subscriber) {
	w.mu.RLock()
	n, ok := w.nodes[nodeID]
	w.mu.RUnlock()
	if !ok {
		return
	}
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
}

// OnEvent re-evaluates every node whose predicate matches the atom,
// propagating flips to parents and dispatching subscriber notifications,
// per §4.4.
func (w *Wizard) OnEvent(a *atomdef.Atom, key atomdef.MetricDimensionKey) {
	w.mu.RLock()
	nodes := make([]*node, 0, len(w.nodes))
	for _, n := range w.nodes {
		nodes = append(nodes, n)
	}
	w.mu.RUnlock()

	for _, n := range nodes {
		if n.predicate == nil {
			continue
		}
		matched, newState := n.predicate(a)
		if !matched {
			continue
		}
		n.apply(key, newState, a.ElapsedNs)
	}
}

func (n *node) apply(key atomdef.MetricDimensionKey, newState TriState, tsNs int64) {
	n.mu.Lock()
	var changed bool
	if n.sliced {
		old, ok := n.slices[key]
		changed = !ok || old != newState
		n.slices[key] = newState
	} else {
		changed = n.state != newState
		n.state = newState
	}
	subs := append([]Subscriber(nil), n.subs...)
	parents := append([]*node(nil), n.parents...)
	n.mu.Unlock()

	if !changed {
		return
	}

	for _, p := range parents {
		p.apply(key, p.recompute(), tsNs)
	}

	for _, s := range subs {
		if n.sliced {
			s.OnSlicedConditionMayChange(n.id, tsNs)
		} else {
			s.OnConditionChanged(n.id, newState, tsNs)
		}
	}
}

// recompute derives a composite node's state from its children's cached
// states using simple AND semantics: True iff all children True, False iff
// any child False, else Unknown. Composite predicate-less nodes use this;
// leaf predicate nodes never call it.
func (n *node) recompute() TriState {
	n.mu.RLock()
	children := append([]*node(nil), n.children...)
	n.mu.RUnlock()

	allTrue := true
	anyFalse := false
	for _, c := range children {
		c.mu.RLock()
		s := c.state
		c.mu.RUnlock()
		if s == False {
			anyFalse = true
		}
		if s != True {
			allTrue = false
		}
	}
	if anyFalse {
		return False
	}
	if allTrue {
		return True
	}
	return Unknown
}

// Query answers a ConditionWizard lookup for a single node, combining
// across dimension-key expansions per the partial_match_allowed contract
// (§4.4): true iff every expansion is true, false iff every expansion is
// false, else unknown.
func (w *Wizard) Query(nodeID string, keys []atomdef.MetricDimensionKey, partialMatchAllowed bool) TriState {
	w.mu.RLock()
	n, ok := w.nodes[nodeID]
	w.mu.RUnlock()
	if !ok {
		return Unknown
	}

	if !n.sliced {
		n.mu.RLock()
		defer n.mu.RUnlock()
		return n.state
	}

	if len(keys) == 0 {
		return Unknown
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	allTrue := true
	allFalse := true
	for _, k := range keys {
		s, present := n.slices[k]
		if !present {
			if !partialMatchAllowed {
				return Unknown
			}
			allTrue = false
			allFalse = false
			continue
		}
		switch s {
		case True:
			allFalse = false
		case False:
			allTrue = false
		default:
			allTrue = false
			allFalse = false
		}
	}
	switch {
	case allTrue:
		return True
	case allFalse:
		return False
	default:
		return Unknown
	}
}
