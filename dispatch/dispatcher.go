// Package dispatch owns the connection table and the read loop that feeds
// inbound IPv4 datagrams to the TCP engine in package tcpctl.
package dispatch

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jayrabjohns/tcpd"
	"github.com/jayrabjohns/tcpd/device"
	"github.com/jayrabjohns/tcpd/tcpctl"
)

// Dispatcher reads raw IPv4 datagrams off a device.Transport, routes each
// TCP segment to the TCB for its connection (creating one via
// tcpctl.AcceptConnection on an unmatched SYN), and writes back whatever
// response the engine produces.
type Dispatcher struct {
	transport device.Transport
	opts      tcpctl.Options
	log       *logrus.Logger

	mu    sync.Mutex
	conns map[tcpctl.ConnKey]*tcpctl.TCB

	onTransition func(key tcpctl.ConnKey, from, to tcpctl.State)
	onReset      func()
}

// New builds a Dispatcher reading and writing through transport. opts is
// applied to every TCB this dispatcher accepts.
func New(transport device.Transport, opts tcpctl.Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		transport: transport,
		opts:      opts,
		log:       log,
		conns:     make(map[tcpctl.ConnKey]*tcpctl.TCB),
	}
}

// OnTransition registers a callback invoked whenever a connection changes
// state. Used by package metrics to keep its gauges and counters current.
func (d *Dispatcher) OnTransition(fn func(key tcpctl.ConnKey, from, to tcpctl.State)) {
	d.onTransition = fn
}

// OnReset registers a callback invoked whenever this dispatcher transmits
// an RST segment. Used by package metrics to drive ResetsSent.
func (d *Dispatcher) OnReset(fn func()) {
	d.onReset = fn
}

// Run reads datagrams from the transport until it returns an error (e.g.
// the device was closed), dispatching each one. It runs on a single
// goroutine: no per-connection goroutines, no background timer. TIME-WAIT
// expiry rides along opportunistically once per iteration, after each
// segment is dispatched, rather than on its own ticker.
func (d *Dispatcher) Run() error {
	buf := make([]byte, device.MTU)
	for {
		n, err := d.transport.Read(buf)
		if err != nil {
			return err
		}
		d.dispatch(buf[:n])
		d.Tick(time.Now())
	}
}

// dispatch parses and routes a single raw IPv4 datagram. Parse errors and
// non-TCP/non-IPv4 traffic are dropped silently, mirroring the original
// reference loop's "continue on mismatch" filtering order: check the
// network-layer protocol before ever looking at the TCP header.
func (d *Dispatcher) dispatch(frame []byte) {
	if len(frame) < dgrams.SizeIPv4Header {
		return
	}
	ip := dgrams.DecodeIPv4Header(frame)
	if ip.Version != 4 {
		d.log.Debugf("dispatch: dropping non-IPv4 packet (version %d)", ip.Version)
		return
	}
	if ip.Protocol != dgrams.ProtocolTCP {
		return
	}
	hdrLen := ip.HeaderLen()
	if hdrLen < dgrams.SizeIPv4Header || len(frame) < hdrLen+dgrams.SizeTCPHeaderNoOptions {
		d.log.Debugf("dispatch: dropping malformed IPv4 datagram")
		return
	}
	tcpBuf := frame[hdrLen:]
	tcp := dgrams.DecodeTCPHeader(tcpBuf)
	// Read the data offset from the raw field: OffsetInBytes panics on a
	// value below 5, which must be dropped here instead.
	offset := int(tcp.OffsetAndFlags[0]>>12) * 4
	if offset < dgrams.SizeTCPHeaderNoOptions || offset > len(tcpBuf) {
		d.log.Debugf("dispatch: dropping TCP segment with bad data offset")
		return
	}
	payload := tcpBuf[offset:]

	key := tcpctl.NewConnKey(&ip, &tcp)
	now := time.Now()

	d.mu.Lock()
	tcb, ok := d.conns[key]
	d.mu.Unlock()

	if !ok {
		d.handleUnknown(&ip, &tcp, payload, key)
		return
	}

	before := tcb.State()
	resp, err := tcb.OnPacket(now, &ip, &tcp, payload)
	after := tcb.State()
	if before != after {
		d.log.WithField("conn", key.String()).Debugf("%s -> %s", before, after)
		if d.onTransition != nil {
			d.onTransition(key, before, after)
		}
	}
	if after == tcpctl.StateClosed {
		d.mu.Lock()
		delete(d.conns, key)
		d.mu.Unlock()
	}
	if err != nil {
		d.log.WithField("conn", key.String()).Debugf("OnPacket: %v", err)
	}
	d.write(resp)
}

// handleUnknown decides what to do with a segment for a 4-tuple this
// dispatcher has no TCB for: synchronize a new connection on a bare SYN, or
// reset anything else per RFC 793 section 3.4 (supplemented feature: this
// engine has no LISTEN backlog, so "no listener" and "no connection" are
// the same gap, closed the same way).
func (d *Dispatcher) handleUnknown(ip *dgrams.IPv4Header, tcp *dgrams.TCPHeader, payload []byte, key tcpctl.ConnKey) {
	if tcp.Flags().HasAny(dgrams.FlagTCP_RST) {
		return // never reset a reset
	}
	if !tcp.Flags().HasAny(dgrams.FlagTCP_SYN) || tcp.Flags().HasAny(dgrams.FlagTCP_ACK|dgrams.FlagTCP_FIN) {
		d.log.WithField("conn", key.String()).Debugf("resetting segment for unknown connection")
		d.write(tcpctl.ResetUnknown(ip, tcp, len(payload)))
		return
	}

	tcb, synack, err := tcpctl.AcceptConnection(ip, tcp, d.opts)
	if err != nil {
		d.log.WithField("conn", key.String()).Debugf("AcceptConnection: %v", err)
		d.write(tcpctl.ResetUnknown(ip, tcp, len(payload)))
		return
	}
	d.mu.Lock()
	d.conns[key] = tcb
	d.mu.Unlock()
	d.log.WithField("conn", key.String()).Debugf("-> %s", tcb.State())
	if d.onTransition != nil {
		d.onTransition(key, tcpctl.StateClosed, tcb.State())
	}
	d.write(synack)
}

func (d *Dispatcher) write(segment []byte) {
	if len(segment) == 0 {
		return
	}
	if d.onReset != nil && len(segment) >= dgrams.SizeIPv4Header+dgrams.SizeTCPHeaderNoOptions {
		ip := dgrams.DecodeIPv4Header(segment)
		hdrLen := ip.HeaderLen()
		if hdrLen >= dgrams.SizeIPv4Header && len(segment) >= hdrLen+dgrams.SizeTCPHeaderNoOptions {
			tcp := dgrams.DecodeTCPHeader(segment[hdrLen:])
			if tcp.Flags().HasAny(dgrams.FlagTCP_RST) {
				d.onReset()
			}
		}
	}
	if _, err := d.transport.Write(segment); err != nil {
		d.log.Errorf("dispatch: write failed: %v", err)
	}
}

// Tick sweeps every tracked connection for StateTimeWait expiry, removing
// any that have passed their deadline. Run calls it once per loop
// iteration, after dispatching each segment, rather than running a timer
// goroutine per connection.
func (d *Dispatcher) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, tcb := range d.conns {
		if tcb.Tick(now) {
			delete(d.conns, key)
			if d.onTransition != nil {
				d.onTransition(key, tcpctl.StateTimeWait, tcpctl.StateClosed)
			}
		}
	}
}

// Connections returns the number of connections currently tracked.
func (d *Dispatcher) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
