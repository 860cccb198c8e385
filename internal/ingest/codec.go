// Package ingest implements the wire codec between atomdef.Atom and the
// protobuf envelope carried over NATS, grounded on
// internal/probe/{publisher,subscriber}.go and
// internal/engine/streamaggregator/stream_aggregator.go's
// proto.Unmarshal-into-channel shape.
//
// The teacher generates its wire messages with protoc into api/gen/v1; that
// codegen step isn't available here, so the envelope is built on
// protobuf's own well-known google.golang.org/protobuf/types/known/structpb
// dynamic message instead of a hand-authored generated type -- still a real
// proto.Message, still marshaled with proto.Marshal/proto.Unmarshal, without
// fabricating codegen output by hand.
package ingest

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"Go2NetSpectra/internal/atomdef"
)

const (
	fieldAtomID    = "atom_id"
	fieldElapsedNs = "elapsed_ns"
	fieldWallNs    = "wall_ns"
	fieldValues    = "values"
	fieldRepeated  = "repeated"
)

// Encode marshals an Atom into the protobuf wire format.
func Encode(a *atomdef.Atom) ([]byte, error) {
	values := make([]interface{}, len(a.Values))
	for i, v := range a.Values {
		values[i] = map[string]interface{}{
			"atom_id": float64(v.Tag.AtomID),
			"path":    intsToAny(v.Tag.Path),
			"kind":    float64(v.Kind),
			"int":     float64(v.Int),
			"float":   v.Float,
			"str":     v.Str,
			"bool":    v.Bool,
		}
	}

	repeated := make(map[string]interface{}, len(a.Repeated))
	for k, idxs := range a.Repeated {
		repeated[k] = intsToAny(idxs)
	}

	s, err := structpb.NewStruct(map[string]interface{}{
		fieldAtomID:    float64(a.AtomID),
		fieldElapsedNs: float64(a.ElapsedNs),
		fieldWallNs:    float64(a.WallNs),
		fieldValues:    values,
		fieldRepeated:  repeated,
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: build struct: %w", err)
	}
	return proto.Marshal(s)
}

// Decode unmarshals the protobuf wire format back into an Atom.
func Decode(data []byte) (*atomdef.Atom, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("ingest: unmarshal struct: %w", err)
	}
	m := s.AsMap()

	a := &atomdef.Atom{
		AtomID:    uint32(asFloat(m[fieldAtomID])),
		ElapsedNs: int64(asFloat(m[fieldElapsedNs])),
		WallNs:    int64(asFloat(m[fieldWallNs])),
	}

	if rawValues, ok := m[fieldValues].([]interface{}); ok {
		a.Values = make([]atomdef.FieldValue, 0, len(rawValues))
		for _, rv := range rawValues {
			vm, ok := rv.(map[string]interface{})
			if !ok {
				continue
			}
			a.Values = append(a.Values, atomdef.FieldValue{
				Tag:   atomdef.FieldTag{AtomID: uint32(asFloat(vm["atom_id"])), Path: anyToInts(vm["path"])},
				Kind:  atomdef.ValueKind(asFloat(vm["kind"])),
				Int:   int64(asFloat(vm["int"])),
				Float: asFloat(vm["float"]),
				Str:   asString(vm["str"]),
				Bool:  asBool(vm["bool"]),
			})
		}
	}

	if rawRepeated, ok := m[fieldRepeated].(map[string]interface{}); ok && len(rawRepeated) > 0 {
		a.Repeated = make(map[string][]int, len(rawRepeated))
		for k, v := range rawRepeated {
			a.Repeated[k] = anyToInts(v)
		}
	}

	return a, nil
}

func intsToAny(ints []int) []interface{} {
	out := make([]interface{}, len(ints))
	for i, v := range ints {
		out[i] = float64(v)
	}
	return out
}

func anyToInts(v interface{}) []int {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, len(arr))
	for i, x := range arr {
		out[i] = int(asFloat(x))
	}
	return out
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}
