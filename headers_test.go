package dgrams_test

import (
	"testing"

	"github.com/jayrabjohns/tcpd"
)

// Real SYN segment captured from a loopback handshake:
//
//	192.168.1.112.58920 > 192.168.1.5.80: Flags [S], seq 1051419895, win 64240
var packetSyn = []byte{
	0x45, 0x00, 0x00, 0x3c, 0x2c, 0xda, 0x40, 0x00, 0x40, 0x06, 0x8a, 0x1c, 0xc0, 0xa8, 0x01, 0x70,
	0xc0, 0xa8, 0x01, 0x05, 0xe6, 0x28, 0x00, 0x50, 0x3e, 0xab, 0x64, 0xf7, 0x00, 0x00, 0x00, 0x00,
	0xa0, 0x02, 0xfa, 0xf0, 0xbf, 0x4c, 0x00, 0x00, 0x02, 0x04, 0x05, 0xb4, 0x04, 0x02, 0x08, 0x0a,
	0x08, 0xa2, 0x77, 0x3f, 0x00, 0x00, 0x00, 0x00, 0x01, 0x03, 0x03, 0x07,
}

func TestDecodeIPv4Header(t *testing.T) {
	ip := dgrams.DecodeIPv4Header(packetSyn)
	if ip.Protocol != dgrams.ProtocolTCP {
		t.Fatalf("expected TCP protocol, got %d", ip.Protocol)
	}
	if ip.HeaderLen() != dgrams.SizeIPv4Header {
		t.Fatalf("expected 20 byte header, got %d", ip.HeaderLen())
	}
	if got, want := ip.FrameLength(), 0x3c; got != want {
		t.Fatalf("TotalLength: got %d want %d", got, want)
	}
	wantSrc := [4]byte{192, 168, 1, 112}
	if ip.Source != wantSrc {
		t.Fatalf("source: got %v want %v", ip.Source, wantSrc)
	}
}

func TestDecodeTCPHeader(t *testing.T) {
	ip := dgrams.DecodeIPv4Header(packetSyn)
	tcp := dgrams.DecodeTCPHeader(packetSyn[ip.HeaderLen():])
	if tcp.SourcePort != 58920 || tcp.DestinationPort != 80 {
		t.Fatalf("ports: got %d->%d", tcp.SourcePort, tcp.DestinationPort)
	}
	if !tcp.Flags().HasAny(dgrams.FlagTCP_SYN) {
		t.Fatalf("expected SYN flag set, got %s", tcp.Flags())
	}
	if tcp.Flags().HasAny(dgrams.FlagTCP_ACK) {
		t.Fatalf("SYN-only segment should not carry ACK")
	}
	if tcp.OffsetInBytes() < 20 {
		t.Fatalf("garbage offset %d", tcp.OffsetInBytes())
	}
}

func TestIPv4HeaderRoundTrip(t *testing.T) {
	want := dgrams.IPv4Header{
		Version: 4, IHL: 5, TotalLength: 40, ID: 1, TTL: 64, Protocol: dgrams.ProtocolTCP,
		Source: [4]byte{10, 0, 0, 1}, Destination: [4]byte{10, 0, 0, 2},
	}
	var buf [dgrams.SizeIPv4Header]byte
	want.Put(buf[:])
	got := dgrams.DecodeIPv4Header(buf[:])
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestTCPHeaderRoundTrip(t *testing.T) {
	want := dgrams.TCPHeader{SourcePort: 1234, DestinationPort: 80, Seq: 100, Ack: 200, WindowSize: 4096}
	want.SetOffset(5)
	want.SetFlags(dgrams.FlagTCP_SYN | dgrams.FlagTCP_ACK)
	var buf [dgrams.SizeTCPHeaderNoOptions]byte
	want.Put(buf[:])
	got := dgrams.DecodeTCPHeader(buf[:])
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if !got.Flags().HasAny(dgrams.FlagTCP_SYN) || !got.Flags().HasAny(dgrams.FlagTCP_ACK) {
		t.Fatalf("flags lost in round trip: %s", got.Flags())
	}
}

func TestTCPChecksumSelfConsistent(t *testing.T) {
	ip := dgrams.IPv4Header{
		Source:      [4]byte{10, 0, 0, 1},
		Destination: [4]byte{10, 0, 0, 2},
	}
	var tcp dgrams.TCPHeader
	tcp.SourcePort = 1000
	tcp.DestinationPort = 2000
	tcp.Seq = 1
	tcp.Ack = 0
	tcp.SetOffset(5)
	tcp.SetFlags(dgrams.FlagTCP_SYN)
	tcp.WindowSize = 1024

	segment := make([]byte, dgrams.SizeTCPHeaderNoOptions)
	tcp.Put(segment)
	sum := dgrams.TCPChecksum(&ip, segment)
	if sum == 0 {
		t.Fatalf("checksum should not be zero for this segment")
	}

	tcp.Checksum = sum
	tcp.Put(segment)
	sum2 := dgrams.TCPChecksum(&ip, segment)
	if sum2 == sum {
		t.Fatalf("checksum should change once the Checksum field itself is non-zero")
	}
}
