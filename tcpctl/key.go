package tcpctl

import (
	"net"
	"strconv"

	"github.com/jayrabjohns/tcpd"
)

// ConnKey identifies a TCP connection by its 4-tuple. It is comparable and
// can be used directly as a map key.
type ConnKey struct {
	LocalAddr  [4]byte
	LocalPort  uint16
	RemoteAddr [4]byte
	RemotePort uint16
}

// NewConnKey builds the key for a segment as seen arriving at this host:
// LocalAddr/LocalPort come from the IPv4 destination, RemoteAddr/RemotePort
// from the source.
func NewConnKey(ip *dgrams.IPv4Header, tcp *dgrams.TCPHeader) ConnKey {
	return ConnKey{
		LocalAddr:  ip.Destination,
		LocalPort:  tcp.DestinationPort,
		RemoteAddr: ip.Source,
		RemotePort: tcp.SourcePort,
	}
}

func (k ConnKey) String() string {
	return net.IP(k.RemoteAddr[:]).String() + ":" + strconv.Itoa(int(k.RemotePort)) +
		"->" + net.IP(k.LocalAddr[:]).String() + ":" + strconv.Itoa(int(k.LocalPort))
}
