package tcpctl

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jayrabjohns/tcpd"
)

// State enumerates the states a TCP connection progresses through during
// its lifetime (RFC 793 section 3.2).
type State uint8

const (
	// StateClosed represents no connection state at all.
	StateClosed State = iota
	// StateListen represents waiting for a connection request from any
	// remote TCP and port. This engine does not model LISTEN as a TCB
	// state; AcceptConnection plays the role a LISTEN socket would.
	StateListen
	// StateSynRcvd represents waiting for a confirming connection request
	// acknowledgment after having both received and sent a connection
	// request.
	StateSynRcvd
	// StateSynSent represents waiting for a matching connection request
	// after having sent a connection request. Active open is a non-goal;
	// this state exists for completeness of the enum only.
	StateSynSent
	// StateEstablished represents an open connection, data received can
	// be delivered to the user.
	StateEstablished
	// StateFinWait1 represents waiting for a connection termination
	// request from the remote TCP, or an acknowledgment of the
	// connection termination request previously sent.
	StateFinWait1
	// StateFinWait2 represents waiting for a connection termination
	// request from the remote TCP.
	StateFinWait2
	// StateClosing represents waiting for a connection termination
	// request acknowledgment from the remote TCP.
	StateClosing
	// StateTimeWait represents waiting for enough time to pass to be
	// sure the remote TCP received the acknowledgment of its connection
	// termination request.
	StateTimeWait
	// StateCloseWait represents waiting for a connection termination
	// request from the local user.
	StateCloseWait
	// StateLastAck represents waiting for an acknowledgment of the
	// connection termination request previously sent to the remote TCP.
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynRcvd:
		return "SYN-RECEIVED"
	case StateSynSent:
		return "SYN-SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateLastAck:
		return "LAST-ACK"
	default:
		return "UNKNOWN"
	}
}

// timeWaitDuration is how long a connection lingers in StateTimeWait before
// Tick retires it. RFC 793 specifies 2*MSL; this engine uses a much shorter
// fixed duration since it has no segment lifetime estimate of its own.
const timeWaitDuration = 30 * time.Second

// Options configures a TCB created by AcceptConnection.
type Options struct {
	// Window is the initial SND.WND of each accepted connection. Zero
	// selects a default of 4096 bytes. It is not carried in any segment:
	// outgoing segments advertise RCV.WND, which AcceptConnection takes
	// from the window of the peer's SYN.
	Window uint16
	// RandomizeISS picks a cryptographically random initial send
	// sequence number instead of the deterministic zero. Off by default
	// to match the reference implementation's (insecure) behaviour.
	RandomizeISS bool
	// Logger receives connection lifecycle and per-segment trace
	// messages. Defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

func (o Options) window() uint16 {
	if o.Window == 0 {
		return 4096
	}
	return o.Window
}

// TCB is a Transmission Control Block: the full state RFC 793 requires to
// track one TCP connection, plus the machinery to drive it from inbound
// segments. A TCB is only ever reached through AcceptConnection; this
// engine implements passive open exclusively, never initiating a
// connection itself.
type TCB struct {
	mu               sync.Mutex
	key              ConnKey
	state            State
	snd              sendSeq
	rcv              recvSeq
	log              connLogger
	timeWaitDeadline time.Time
}

// Key returns the connection's 4-tuple.
func (t *TCB) Key() ConnKey {
	return t.key
}

// State returns the connection's current state.
func (t *TCB) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func randomISS() (Seq, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return Seq(binary.BigEndian.Uint32(b[:])), nil
}

// AcceptConnection evaluates an inbound segment as a candidate for a new
// passively-opened connection. It returns ErrNotSYN if seg does not carry
// SYN; SYN+RST or SYN+FIN segments are rejected the same way a listening
// socket would refuse to synchronize on them. On success it returns the new
// TCB, already in StateSynRcvd, along with the SYN+ACK segment bytes to
// transmit.
func AcceptConnection(ip *dgrams.IPv4Header, tcp *dgrams.TCPHeader, opts Options) (*TCB, []byte, error) {
	flags := tcp.Flags()
	if !flags.HasAny(dgrams.FlagTCP_SYN) || flags.HasAny(dgrams.FlagTCP_RST|dgrams.FlagTCP_FIN|dgrams.FlagTCP_ACK) {
		return nil, nil, ErrNotSYN
	}

	iss := Seq(0)
	if opts.RandomizeISS {
		var err error
		iss, err = randomISS()
		if err != nil {
			return nil, nil, err
		}
	}

	key := NewConnKey(ip, tcp)
	t := &TCB{
		key:   key,
		state: StateSynRcvd,
		snd: sendSeq{
			iss: iss,
			una: iss,
			nxt: iss.Add(1),
			wnd: opts.window(),
		},
		rcv: recvSeq{
			irs: Seq(tcp.Seq),
			nxt: Seq(tcp.Seq).Add(1),
			wnd: tcp.WindowSize,
		},
		log: newConnLogger(opts.Logger, key),
	}
	t.log.debug(t.state, "accepted SYN, iss=%d irs=%d", uint32(iss), tcp.Seq)

	synack := t.buildSegment(dgrams.FlagTCP_SYN|dgrams.FlagTCP_ACK, t.snd.iss, t.rcv.nxt, nil)
	return t, synack, nil
}

// buildSegment marshals a full IPv4+TCP datagram from this TCB's
// perspective: source is the connection's local half, destination its
// remote half. The caller must hold t.mu.
func (t *TCB) buildSegment(flags dgrams.TCPFlags, seq, ack Seq, payload []byte) []byte {
	ipHdr := dgrams.IPv4Header{
		Version:     4,
		IHL:         dgrams.SizeIPv4Header / 4,
		TotalLength: uint16(dgrams.SizeIPv4Header + dgrams.SizeTCPHeaderNoOptions + len(payload)),
		TTL:         64,
		Protocol:    dgrams.ProtocolTCP,
		Source:      t.key.LocalAddr,
		Destination: t.key.RemoteAddr,
	}
	tcpHdr := dgrams.TCPHeader{
		SourcePort:      t.key.LocalPort,
		DestinationPort: t.key.RemotePort,
		Seq:             uint32(seq),
		Ack:             uint32(ack),
		WindowSize:      t.rcv.wnd,
	}
	tcpHdr.SetOffset(dgrams.SizeTCPHeaderNoOptions / 4)
	tcpHdr.SetFlags(flags)

	buf := make([]byte, dgrams.SizeIPv4Header+dgrams.SizeTCPHeaderNoOptions+len(payload))
	ipHdr.Put(buf[:dgrams.SizeIPv4Header])
	tcpStart := dgrams.SizeIPv4Header
	tcpHdr.Put(buf[tcpStart : tcpStart+dgrams.SizeTCPHeaderNoOptions])
	copy(buf[tcpStart+dgrams.SizeTCPHeaderNoOptions:], payload)

	tcpHdr.Checksum = dgrams.TCPChecksum(&ipHdr, buf[tcpStart:])
	tcpHdr.Put(buf[tcpStart : tcpStart+dgrams.SizeTCPHeaderNoOptions])

	ipHdr.Checksum = dgrams.IPv4HeaderChecksum(buf[:dgrams.SizeIPv4Header])
	ipHdr.Put(buf[:dgrams.SizeIPv4Header])
	return buf
}

// resetFor builds the RST segment RFC 793 section 3.4 requires for a
// connection that does not (or does not yet) have synchronized sequence
// numbers: its sequence number is the incoming segment's acknowledgment
// number, or zero with an ACK of SEG.SEQ+SEG.LEN if the incoming segment
// had no ACK. Once a connection is synchronized, a reset instead carries
// SND.NXT; callers past that point build it directly rather than through
// this helper.
func (t *TCB) resetFor(tcp *dgrams.TCPHeader, payloadLen int) []byte {
	if tcp.Flags().HasAny(dgrams.FlagTCP_ACK) {
		return t.buildSegment(dgrams.FlagTCP_RST, Seq(tcp.Ack), 0, nil)
	}
	segLen := uint32(payloadLen)
	if tcp.Flags().HasAny(dgrams.FlagTCP_SYN) {
		segLen++
	}
	if tcp.Flags().HasAny(dgrams.FlagTCP_FIN) {
		segLen++
	}
	ackSeq := Seq(tcp.Seq).Add(segLen)
	return t.buildSegment(dgrams.FlagTCP_RST|dgrams.FlagTCP_ACK, 0, ackSeq, nil)
}

// OnPacket advances the TCB's state machine with an inbound segment
// addressed to it. now is used only to arm the StateTimeWait expiry; pass
// the time the segment was processed. It returns the bytes of any segment
// that must be transmitted in response, or nil if none is required.
func (t *TCB) OnPacket(now time.Time, ip *dgrams.IPv4Header, tcp *dgrams.TCPHeader, payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateClosed {
		return nil, ErrConnClosed
	}

	flags := tcp.Flags()
	seq := Seq(tcp.Seq)
	ack := Seq(tcp.Ack)
	t.log.trace(t.state, fmt.Sprintf("recv seq=%d ack=%d flags=%s", uint32(seq), uint32(ack), flags))

	// SYN-RECEIVED checks ACK acceptability before segment acceptability:
	// a bad ACK resets the connection even when SEG.SEQ also falls outside
	// the receive window, so it must not be shadowed by the general
	// acceptability drop below.
	if t.state == StateSynRcvd && flags.HasAny(dgrams.FlagTCP_ACK) && !t.snd.ackAcceptable(ack) {
		t.log.warn(t.state, "bad ack %d in SYN-RECEIVED, resetting", uint32(ack))
		rst := t.buildSegment(dgrams.FlagTCP_RST, ack, 0, nil)
		t.state = StateClosed
		return rst, ErrBadACK
	}

	if !segmentAcceptable(seq, uint32(len(payload)), t.rcv.nxt, t.rcv.wnd) {
		t.log.debug(t.state, "dropping unacceptable segment seq=%d len=%d rcv.nxt=%d rcv.wnd=%d",
			tcp.Seq, len(payload), uint32(t.rcv.nxt), t.rcv.wnd)
		if flags.HasAny(dgrams.FlagTCP_RST) {
			return nil, nil
		}
		return t.buildSegment(dgrams.FlagTCP_ACK, t.snd.nxt, t.rcv.nxt, nil), ErrSegmentNotAcceptable
	}

	if flags.HasAny(dgrams.FlagTCP_RST) {
		t.log.warn(t.state, "connection reset by peer")
		t.state = StateClosed
		return nil, ErrConnReset
	}

	if flags.HasAny(dgrams.FlagTCP_SYN) {
		// A SYN inside the window after the connection is already
		// synchronized indicates the peer has restarted; since sequence
		// numbers are synchronized the reset carries SND.NXT, not the
		// peer's own ACK (that rule is only for the unsynchronized case).
		t.log.warn(t.state, "unexpected SYN on synchronized connection, resetting")
		rst := t.buildSegment(dgrams.FlagTCP_RST, t.snd.nxt, 0, nil)
		t.state = StateClosed
		return rst, ErrConnReset
	}

	switch t.state {
	case StateSynRcvd:
		return t.onSynRcvd(flags, ack)
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck:
		return t.onOpenOrClosing(now, flags, seq, ack, tcp.WindowSize, payload)
	default:
		return nil, &UnsupportedSegmentError{State: t.state, Flags: flags.String()}
	}
}

// onSynRcvd completes the handshake. OnPacket has already rejected an
// unacceptable ACK before calling this, so an ACK reaching here is known
// acceptable.
func (t *TCB) onSynRcvd(flags dgrams.TCPFlags, ack Seq) ([]byte, error) {
	if !flags.HasAny(dgrams.FlagTCP_ACK) {
		// Still waiting for the final ACK of the handshake.
		return nil, nil
	}
	t.snd.una = ack
	t.state = StateEstablished
	t.log.debug(t.state, "handshake complete")
	return nil, nil
}

func (t *TCB) onOpenOrClosing(now time.Time, flags dgrams.TCPFlags, seq, ack Seq, segWnd uint16, payload []byte) ([]byte, error) {
	if !flags.HasAny(dgrams.FlagTCP_ACK) {
		return nil, &UnsupportedSegmentError{State: t.state, Flags: flags.String()}
	}

	switch {
	case t.snd.nxt.LessThan(ack):
		// ACKs something never sent; ack immediately with our current SND.NXT.
		return t.buildSegment(dgrams.FlagTCP_ACK, t.snd.nxt, t.rcv.nxt, nil), nil
	case t.snd.una.LessThan(ack):
		t.snd.una = ack
		if t.snd.wl1.LessThan(seq) || (t.snd.wl1 == seq && t.snd.wl2.LessEq(ack)) {
			t.snd.wnd = segWnd
			t.snd.wl1 = seq
			t.snd.wl2 = ack
		}
	}

	switch t.state {
	case StateFinWait1:
		if t.snd.una == t.snd.nxt {
			t.state = StateFinWait2
		}
	case StateClosing:
		if t.snd.una == t.snd.nxt {
			t.enterTimeWait(now)
		}
	case StateLastAck:
		if t.snd.una == t.snd.nxt {
			t.log.debug(t.state, "final ack received, closing")
			t.state = StateClosed
			return nil, nil
		}
	}

	// segmentAcceptable has already confirmed that the first or the last
	// octet of the segment falls in the receive window, so RCV.NXT advances
	// to the segment's end regardless of whether seq was exactly the
	// previous RCV.NXT.
	advanced := false
	if len(payload) > 0 {
		t.rcv.nxt = seq.Add(uint32(len(payload)))
		advanced = true
		// No user-facing receive buffer: the payload is acknowledged
		// and otherwise discarded.
	}

	if flags.HasAny(dgrams.FlagTCP_FIN) {
		finSeq := seq.Add(uint32(len(payload)))
		t.rcv.nxt = finSeq.Add(1)
		advanced = true
		switch t.state {
		case StateEstablished:
			t.state = StateCloseWait
		case StateFinWait1:
			t.state = StateClosing
		case StateFinWait2:
			t.enterTimeWait(now)
		}
		t.log.debug(t.state, "peer FIN processed")
	}

	if advanced {
		return t.buildSegment(dgrams.FlagTCP_ACK, t.snd.nxt, t.rcv.nxt, nil), nil
	}
	return nil, nil
}

func (t *TCB) enterTimeWait(now time.Time) {
	t.state = StateTimeWait
	t.timeWaitDeadline = now.Add(timeWaitDuration)
}

// Close initiates an active close from StateEstablished or StateCloseWait,
// returning the FIN segment to transmit. It is a no-op error in any other
// state.
func (t *TCB) Close() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateEstablished:
		fin := t.buildSegment(dgrams.FlagTCP_FIN|dgrams.FlagTCP_ACK, t.snd.nxt, t.rcv.nxt, nil)
		t.snd.nxt = t.snd.nxt.Add(1)
		t.state = StateFinWait1
		return fin, nil
	case StateCloseWait:
		fin := t.buildSegment(dgrams.FlagTCP_FIN|dgrams.FlagTCP_ACK, t.snd.nxt, t.rcv.nxt, nil)
		t.snd.nxt = t.snd.nxt.Add(1)
		t.state = StateLastAck
		return fin, nil
	default:
		return nil, &UnsupportedSegmentError{State: t.state, Flags: "CLOSE"}
	}
}

// Tick retires the TCB once its StateTimeWait deadline has passed. Callers
// (the dispatcher) invoke it opportunistically; there is no background
// timer goroutine per connection.
func (t *TCB) Tick(now time.Time) (expired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateTimeWait && !t.timeWaitDeadline.IsZero() && !now.Before(t.timeWaitDeadline) {
		t.state = StateClosed
		return true
	}
	return false
}

// ResetUnknown builds the RST RFC 793 section 3.4 requires for a segment
// addressed to a 4-tuple with no matching TCB. It is a package-level
// function rather than a TCB method since, by definition, no TCB exists
// yet for the connection.
func ResetUnknown(ip *dgrams.IPv4Header, tcp *dgrams.TCPHeader, payloadLen int) []byte {
	key := NewConnKey(ip, tcp)
	t := &TCB{key: key}
	return t.resetFor(tcp, payloadLen)
}
