package pullmgr

import (
	"context"
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"Go2NetSpectra/internal/ingest"
)

const rawAtomsCodecName = "raw-atoms"

func init() {
	encoding.RegisterCodec(rawAtomsCodec{})
}

// rawAtomsCodec passes the request/response straight through as bytes,
// letting GRPCPuller carry internal/ingest's structpb atom envelope over a
// plain gRPC unary call without a protoc-generated service stub.
type rawAtomsCodec struct{}

func (rawAtomsCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("pullmgr: rawAtomsCodec.Marshal expected []byte, got %T", v)
	}
	return b, nil
}

func (rawAtomsCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("pullmgr: rawAtomsCodec.Unmarshal expected *[]byte, got %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawAtomsCodec) Name() string { return rawAtomsCodecName }

// GRPCPuller implements Puller over a plain *grpc.ClientConn, the wiring
// StatsPullerManager.cpp does over binder calls (§11.5). The request is an
// 8-byte big-endian event timestamp; the response is a sequence of
// length-prefixed internal/ingest atom envelopes, each decoded back into a
// pullmgr.Event carrying the *atomdef.Atom as its Payload.
type GRPCPuller struct {
	conn   *grpc.ClientConn
	method string
}

// NewGRPCPuller builds a puller that invokes method (e.g.
// "/gonetspectra.pull.v1.PullService/Pull") against conn.
func NewGRPCPuller(conn *grpc.ClientConn, method string) *GRPCPuller {
	return &GRPCPuller{conn: conn, method: method}
}

func (p *GRPCPuller) Pull(ctx context.Context, eventTimeNs int64) (PullStatus, []Event) {
	req := make([]byte, 8)
	binary.BigEndian.PutUint64(req, uint64(eventTimeNs))

	var resp []byte
	err := p.conn.Invoke(ctx, p.method, req, &resp, grpc.CallContentSubtype(rawAtomsCodecName))
	if err != nil {
		if ctx.Err() != nil {
			return Timeout, nil
		}
		return Fail, nil
	}

	events, err := decodePullResponse(resp)
	if err != nil {
		return Fail, nil
	}
	return Success, events
}

func decodePullResponse(data []byte) ([]Event, error) {
	var events []Event
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("pullmgr: truncated pull response length prefix")
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("pullmgr: truncated atom envelope")
		}
		a, err := ingest.Decode(data[:n])
		if err != nil {
			return nil, fmt.Errorf("pullmgr: decode pulled atom: %w", err)
		}
		data = data[n:]
		events = append(events, Event{AtomID: a.AtomID, ElapsedNs: a.ElapsedNs, WallNs: a.WallNs, Payload: a})
	}
	return events, nil
}
