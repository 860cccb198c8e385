// Package atomdef holds the wire-independent representation of a telemetry
// event and the field-path machinery used to slice it into dimension keys.
package atomdef

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// ValueKind tags the payload carried by a FieldValue.
type ValueKind uint8

const (
	KindInt ValueKind = iota
	KindFloat
	KindStr
	KindBool
)

// FieldValue is a single typed field read off an atom, addressed by FieldTag.
type FieldValue struct {
	Tag   FieldTag
	Kind  ValueKind
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

// String renders the value for keying and reporting. It must be stable
// across process runs for the same logical value.
func (v FieldValue) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindStr:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// FieldTag identifies a field within an atom by position, including the
// index path needed to reach it inside nested or repeated fields.
type FieldTag struct {
	AtomID uint32
	Path   []int
}

func (t FieldTag) key() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(t.AtomID), 10))
	for _, p := range t.Path {
		b.WriteByte('.')
		b.WriteString(strconv.Itoa(p))
	}
	return b.String()
}

// Atom is a single event pushed into the pipeline.
type Atom struct {
	AtomID      uint32
	ElapsedNs   int64
	WallNs      int64
	Values      []FieldValue
	// Repeated marks the position indices (within Values) that belong to a
	// repeated field group, keyed by the path prefix they share. Populated
	// only for atoms that carry repeated fields; nil otherwise.
	Repeated map[string][]int
}

// Field looks up a value by tag, matching on AtomID+Path.
func (a *Atom) Field(tag FieldTag) (FieldValue, bool) {
	key := tag.key()
	for _, v := range a.Values {
		if v.Tag.key() == key {
			return v, true
		}
	}
	return FieldValue{}, false
}

// PathKind selects how a FieldMatcher element addresses a repeated field.
type PathKind uint8

const (
	PathScalar PathKind = iota
	PathAny
	PathAll
)

// MatcherElem is one element of a FieldMatcher's path expression.
type MatcherElem struct {
	Index int
	Kind  PathKind
}

// FieldMatcher selects an ordered sequence of fields from an atom,
// optionally expanding repeated groups via ANY/ALL wildcards.
type FieldMatcher struct {
	AtomID uint32
	Elems  []MatcherElem
}

// UseNestedDimensions reports whether this matcher contains an ALL
// wildcard, which the pipeline must report as a single nested dimension
// rather than enumerating multiple keys.
func (m FieldMatcher) UseNestedDimensions() bool {
	for _, e := range m.Elems {
		if e.Kind == PathAll {
			return true
		}
	}
	return false
}

// Expand resolves a FieldMatcher against an atom, returning one FieldValue
// tuple per expansion: a single tuple for scalar-only matchers and ALL
// wildcards (nested), one tuple per present occurrence for ANY wildcards.
func (m FieldMatcher) Expand(a *Atom) [][]FieldValue {
	// Separate scalar elements (resolved once) from the first wildcard
	// element, mirroring the spec's 4.1.1 per-path-element contract. Only a
	// single wildcard group is supported per matcher, matching real atom
	// schemas where at most one field is repeated per dimension path.
	var scalarTags []FieldTag
	var wildcard *MatcherElem
	var wildcardPrefix string

	for i, e := range m.Elems {
		tag := FieldTag{AtomID: m.AtomID, Path: pathPrefix(m.Elems, i)}
		if e.Kind == PathScalar {
			scalarTags = append(scalarTags, tag)
			continue
		}
		we := e
		wildcard = &we
		wildcardPrefix = tag.key()
		break
	}

	if wildcard == nil {
		vals := make([]FieldValue, 0, len(scalarTags))
		for _, tag := range scalarTags {
			if v, ok := a.Field(tag); ok {
				vals = append(vals, v)
			}
		}
		return [][]FieldValue{vals}
	}

	occurrences := a.Repeated[wildcardPrefix]
	if wildcard.Kind == PathAll {
		nested := make([]FieldValue, 0, len(occurrences))
		for _, idx := range occurrences {
			tag := FieldTag{AtomID: m.AtomID, Path: append(append([]int{}, pathPrefix(m.Elems, wildcard.Index)...), idx)}
			if v, ok := a.Field(tag); ok {
				nested = append(nested, v)
			}
		}
		return [][]FieldValue{nested}
	}

	// ANY: one expansion per occurrence.
	out := make([][]FieldValue, 0, len(occurrences))
	for _, idx := range occurrences {
		tag := FieldTag{AtomID: m.AtomID, Path: append(append([]int{}, pathPrefix(m.Elems, wildcard.Index)...), idx)}
		v, ok := a.Field(tag)
		if !ok {
			continue
		}
		vals := make([]FieldValue, 0, len(scalarTags)+1)
		for _, tag := range scalarTags {
			if sv, ok := a.Field(tag); ok {
				vals = append(vals, sv)
			}
		}
		vals = append(vals, v)
		out = append(out, vals)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func pathPrefix(elems []MatcherElem, upto int) []int {
	p := make([]int, 0, upto)
	for i := 0; i < upto; i++ {
		p = append(p, elems[i].Index)
	}
	return p
}

// MetricDimensionKey is the pair (dimension_in_what, state_values_key),
// hashable and equality-comparable, stable across process runs.
type MetricDimensionKey struct {
	DimensionInWhat string
	StateValuesKey  string
}

// DimensionKeyFromValues builds the dimension-in-what half of a
// MetricDimensionKey from an expansion produced by FieldMatcher.Expand.
func DimensionKeyFromValues(vals []FieldValue) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, "\x1f")
}

// StateValuesKey builds the state-values half of a MetricDimensionKey from
// an ordered slice of resolved state group ids, keyed by atom id for
// determinism regardless of map iteration order.
func StateValuesKey(states map[uint32]int64) string {
	if len(states) == 0 {
		return ""
	}
	ids := make([]uint32, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		fmt.Fprintf(&b, "%d:%d", id, states[id])
	}
	return b.String()
}

// Hash returns a 64-bit FNV-1a hash of the key, stable across process runs
// for a fixed input, satisfying the spec's hashability requirement.
func (k MetricDimensionKey) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.DimensionInWhat))
	h.Write([]byte{0})
	h.Write([]byte(k.StateValuesKey))
	return h.Sum64()
}

// ShardHash computes the shard-consistent hash used by the sampling gate
// (§4.1 step 3), hashing a single field's string representation.
func ShardHash(field string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(field))
	return h.Sum32()
}
