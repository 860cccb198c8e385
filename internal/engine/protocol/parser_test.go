package protocol

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildUDPPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
		DstMAC:       net.HardwareAddr{0x00, 0x06, 0x07, 0x08, 0x09, 0x0a},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("failed to set network layer for checksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := gopacket.Payload([]byte("hello"))
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, payload); err != nil {
		t.Fatalf("failed to serialize layers: %v", err)
	}
	return buf.Bytes()
}

func TestParsePacket(t *testing.T) {
	data := buildUDPPacket(t, "10.0.0.1", "10.0.0.2", 5000, 53)

	a, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket returned an error: %v", err)
	}

	if a.AtomID != NetworkFlowAtomID {
		t.Errorf("expected atom id %d, got %d", NetworkFlowAtomID, a.AtomID)
	}

	want := map[int]string{fieldSrcIP: "10.0.0.1", fieldDstIP: "10.0.0.2"}
	for _, v := range a.Values {
		if len(v.Tag.Path) != 1 {
			continue
		}
		if s, ok := want[v.Tag.Path[0]]; ok && v.Str != s {
			t.Errorf("field %d: want %q, got %q", v.Tag.Path[0], s, v.Str)
		}
	}

	var gotSrcPort, gotDstPort int64
	for _, v := range a.Values {
		if len(v.Tag.Path) != 1 {
			continue
		}
		switch v.Tag.Path[0] {
		case fieldSrcPort:
			gotSrcPort = v.Int
		case fieldDstPort:
			gotDstPort = v.Int
		}
	}
	if gotSrcPort != 5000 || gotDstPort != 53 {
		t.Errorf("want ports 5000/53, got %d/%d", gotSrcPort, gotDstPort)
	}
}

func TestParsePacketRejectsNonIP(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
		DstMAC:       net.HardwareAddr{0x00, 0x06, 0x07, 0x08, 0x09, 0x0a},
		EthernetType: layers.EthernetTypeARP,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload([]byte("not ip"))); err != nil {
		t.Fatalf("failed to serialize layers: %v", err)
	}

	if _, err := ParsePacket(buf.Bytes()); err == nil {
		t.Error("expected an error for a non-IPv4 packet")
	}
}
