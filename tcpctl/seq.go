package tcpctl

// Seq is a TCP sequence number. Sequence space is a 32 bit ring: comparisons
// must account for wraparound instead of comparing the underlying uint32s
// directly, per RFC 793 section 3.3.
type Seq uint32

// LessThan reports whether s precedes other in sequence space, i.e. s < other
// modulo 2^32. This is RFC 793's "<" for sequence numbers: true whenever
// other can be reached from s by adding a value in [1, 2^31].
func (s Seq) LessThan(other Seq) bool {
	return int32(s-other) < 0
}

// LessEq reports whether s precedes or equals other in sequence space.
func (s Seq) LessEq(other Seq) bool {
	return s == other || s.LessThan(other)
}

// InOpenInterval reports whether s lies strictly between lo and hi in
// sequence space, i.e. lo < s < hi modulo 2^32.
func (s Seq) InOpenInterval(lo, hi Seq) bool {
	return lo.LessThan(s) && s.LessThan(hi)
}

// InClosedInterval reports whether s lies between lo and hi inclusive.
func (s Seq) InClosedInterval(lo, hi Seq) bool {
	return lo.LessEq(s) && s.LessEq(hi)
}

// Add returns s+n, wrapping around 2^32 as sequence arithmetic requires.
func (s Seq) Add(n uint32) Seq {
	return s + Seq(n)
}

// segmentAcceptable implements the RFC 793 section 3.3 segment receive
// acceptability test for a segment of length segLen starting at seq, given
// the current receive window [rcvNxt, rcvNxt+rcvWnd).
//
//	Length  Window  Test
//	0       0       SEG.SEQ = RCV.NXT
//	0       >0      RCV.NXT =< SEG.SEQ < RCV.NXT+RCV.WND
//	>0      0       not acceptable
//	>0      >0      RCV.NXT =< SEG.SEQ < RCV.NXT+RCV.WND
//	                 or RCV.NXT =< SEG.SEQ+SEG.LEN-1 < RCV.NXT+RCV.WND
func segmentAcceptable(seq Seq, segLen uint32, rcvNxt Seq, rcvWnd uint16) bool {
	rcvEnd := rcvNxt.Add(uint32(rcvWnd))
	switch {
	case segLen == 0 && rcvWnd == 0:
		return seq == rcvNxt
	case segLen == 0:
		return seq.InClosedInterval(rcvNxt, rcvEnd-1)
	case rcvWnd == 0:
		return false
	default:
		lastOctet := seq.Add(segLen - 1)
		return seq.InClosedInterval(rcvNxt, rcvEnd-1) || lastOctet.InClosedInterval(rcvNxt, rcvEnd-1)
	}
}
