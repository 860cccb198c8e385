// Package protocol decodes a raw captured packet into a telemetry atom,
// adapted from the teacher's PacketInfo/FiveTuple extraction to emit an
// atomdef.Atom instead.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"Go2NetSpectra/internal/atomdef"
)

// NetworkFlowAtomID identifies the atom type ParsePacket produces: a single
// observed IPv4 TCP/UDP flow sample.
const NetworkFlowAtomID uint32 = 1001

const (
	fieldSrcIP = iota
	fieldDstIP
	fieldProtocol
	fieldSrcPort
	fieldDstPort
	fieldLength
)

// ParsePacket decodes a raw packet into a NetworkFlowAtomID atom. Only
// IPv4 TCP/UDP packets are recognized; anything else is rejected, matching
// the teacher's own ParsePacket behavior.
func ParsePacket(data []byte) (*atomdef.Atom, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	wallNs := time.Now().UnixNano()
	if meta := packet.Metadata(); meta != nil {
		wallNs = meta.Timestamp.UnixNano()
	}

	ipLayer, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, fmt.Errorf("protocol: not an IPv4 packet")
	}

	var srcPort, dstPort uint16
	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
	default:
		return nil, fmt.Errorf("protocol: not a TCP or UDP packet")
	}

	a := &atomdef.Atom{
		AtomID:    NetworkFlowAtomID,
		ElapsedNs: wallNs,
		WallNs:    wallNs,
		Values: []atomdef.FieldValue{
			field(fieldSrcIP, atomdef.KindStr, ipLayer.SrcIP.String()),
			field(fieldDstIP, atomdef.KindStr, ipLayer.DstIP.String()),
			fieldInt(fieldProtocol, int64(ipLayer.Protocol)),
			fieldInt(fieldSrcPort, int64(srcPort)),
			fieldInt(fieldDstPort, int64(dstPort)),
			fieldInt(fieldLength, int64(len(data))),
		},
	}
	return a, nil
}

func field(index int, kind atomdef.ValueKind, s string) atomdef.FieldValue {
	return atomdef.FieldValue{Tag: atomdef.FieldTag{AtomID: NetworkFlowAtomID, Path: []int{index}}, Kind: kind, Str: s}
}

func fieldInt(index int, v int64) atomdef.FieldValue {
	return atomdef.FieldValue{Tag: atomdef.FieldTag{AtomID: NetworkFlowAtomID, Path: []int{index}}, Kind: atomdef.KindInt, Int: v}
}
