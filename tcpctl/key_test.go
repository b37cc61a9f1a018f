package tcpctl

import (
	"testing"

	"github.com/jayrabjohns/tcpd"
)

func TestNewConnKeySwapsSrcDst(t *testing.T) {
	ip := &dgrams.IPv4Header{
		Source:      [4]byte{10, 0, 0, 2},
		Destination: [4]byte{10, 0, 0, 1},
	}
	tcp := &dgrams.TCPHeader{SourcePort: 4000, DestinationPort: 80}

	key := NewConnKey(ip, tcp)
	if key.LocalAddr != ip.Destination || key.LocalPort != tcp.DestinationPort {
		t.Errorf("local half should be the IP destination: got %v:%d", key.LocalAddr, key.LocalPort)
	}
	if key.RemoteAddr != ip.Source || key.RemotePort != tcp.SourcePort {
		t.Errorf("remote half should be the IP source: got %v:%d", key.RemoteAddr, key.RemotePort)
	}
}

func TestConnKeyComparable(t *testing.T) {
	m := map[ConnKey]int{}
	k1 := ConnKey{LocalAddr: [4]byte{1, 1, 1, 1}, LocalPort: 80, RemoteAddr: [4]byte{2, 2, 2, 2}, RemotePort: 1234}
	k2 := k1
	m[k1] = 1
	if _, ok := m[k2]; !ok {
		t.Fatal("identical ConnKey values should hash to the same map entry")
	}
}
