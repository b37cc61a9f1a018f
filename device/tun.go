// Package device provides the raw IPv4 transport a dispatcher reads
// segments from and writes responses to: a real TUN interface in
// production, and an in-memory loopback for tests.
package device

import (
	"github.com/songgao/water"
)

// MTU is the maximum frame size this engine reads and writes.
const MTU = 1500

// Transport is the narrow capability a dispatcher needs from a network
// device: read one IPv4 datagram, write one IPv4 datagram.
type Transport interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// TUN wraps a water.Interface configured in TUN mode, handing the
// dispatcher raw IPv4 datagrams with no Ethernet framing.
type TUN struct {
	iface *water.Interface
}

// OpenTUN creates or attaches to a TUN interface named name. An empty name
// lets the OS assign one.
func OpenTUN(name string) (*TUN, error) {
	cfg := water.Config{DeviceType: water.TUN}
	if name != "" {
		cfg.Name = name
	}
	iface, err := water.New(cfg)
	if err != nil {
		return nil, err
	}
	return &TUN{iface: iface}, nil
}

func (t *TUN) Read(buf []byte) (int, error)  { return t.iface.Read(buf) }
func (t *TUN) Write(buf []byte) (int, error) { return t.iface.Write(buf) }
func (t *TUN) Close() error                  { return t.iface.Close() }

// Name returns the OS-assigned interface name.
func (t *TUN) Name() string { return t.iface.Name() }
