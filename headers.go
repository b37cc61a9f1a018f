/*
Package dgrams implements IPv4 and TCP datagram decoding, encoding and
checksum calculation for a user-space TCP engine running over a TUN
device. A TUN device hands the process raw IPv4 datagrams with no
link-layer framing, so unlike a TAP/Ethernet capture there is no
Ethernet or ARP header to strip here; this package only concerns itself
with the IPv4 and TCP header layout described in RFC 791 and RFC 793.

See https://hpd.gasmi.net/ to decode hex frames by hand.
*/
package dgrams

import (
	"encoding/binary"
	"net"
	"strconv"
)

// IPv4Header is the Internet Protocol header. 20 bytes in size, no options.
type IPv4Header struct {
	Version     uint8   // 0:1 high nibble
	IHL         uint8   // 0:1 low nibble
	TotalLength uint16  // 2:4
	ID          uint16  // 4:6
	Flags       IPFlags // 6:8
	TTL         uint8   // 8:9
	Protocol    uint8   // 9:10
	Checksum    uint16  // 10:12
	Source      [4]byte // 12:16
	Destination [4]byte // 16:20
}

// TCPHeader are the first 20 bytes of a TCP header. Does not include options.
type TCPHeader struct {
	SourcePort      uint16    // 0:2
	DestinationPort uint16    // 2:4
	Seq             uint32    // 4:8
	Ack             uint32    // 8:12
	OffsetAndFlags  [1]uint16 // 12:14 bitfield
	WindowSize      uint16    // 14:16
	Checksum        uint16    // 16:18
	UrgentPtr       uint16    // 18:20
}

// There are 9 flags in bits 0 thru 8; bits 9 thru 11 are reserved and bits
// 12 thru 15 hold the data offset.
const (
	// TCP words are 4 octets, or uint32s.
	tcpWordlen         = 4
	tcpFlagmask uint16 = 0x01ff

	// SizeIPv4Header is the size in bytes of an options-less IPv4 header.
	SizeIPv4Header = 20
	// SizeTCPHeaderNoOptions is the size in bytes of an options-less TCP header.
	SizeTCPHeaderNoOptions = 20
)

const (
	FlagTCP_FIN TCPFlags = 1 << iota
	FlagTCP_SYN
	FlagTCP_RST
	FlagTCP_PSH
	FlagTCP_ACK
	FlagTCP_URG
	FlagTCP_ECE
	FlagTCP_CWR
	FlagTCP_NS
)

const (
	ipflagDontFrag = 0x4000
	ipFlagMoreFrag = 0x2000
	// IPVersion4 is the byte value of Version<<4|IHL for a 20 byte IPv4 header.
	IPVersion4 = 0x45
	// ProtocolTCP is the IPv4 Protocol field value identifying a TCP segment.
	ProtocolTCP = 6
)

// DecodeIPv4Header decodes an IPv4 header from the first 20 bytes of buf.
// It panics if buf is shorter than 20 bytes.
func DecodeIPv4Header(buf []byte) (iphdr IPv4Header) {
	_ = buf[19]
	iphdr.Version = buf[0] >> 4
	iphdr.IHL = buf[0] & 0x0f
	iphdr.TotalLength = binary.BigEndian.Uint16(buf[2:])
	iphdr.ID = binary.BigEndian.Uint16(buf[4:])
	iphdr.Flags = IPFlags(binary.BigEndian.Uint16(buf[6:]))
	iphdr.TTL = buf[8]
	iphdr.Protocol = buf[9]
	iphdr.Checksum = binary.BigEndian.Uint16(buf[10:])
	copy(iphdr.Source[:], buf[12:16])
	copy(iphdr.Destination[:], buf[16:20])
	return iphdr
}

// Put marshals the IPv4 header onto buf. buf needs to be at least 20
// bytes in length or Put panics.
func (iphdr *IPv4Header) Put(buf []byte) {
	_ = buf[19]
	buf[0] = iphdr.Version<<4 | iphdr.IHL&0x0f
	buf[1] = 0 // ToS/DSCP+ECN, unused.
	binary.BigEndian.PutUint16(buf[2:], iphdr.TotalLength)
	binary.BigEndian.PutUint16(buf[4:], iphdr.ID)
	binary.BigEndian.PutUint16(buf[6:], uint16(iphdr.Flags))
	buf[8] = iphdr.TTL
	buf[9] = iphdr.Protocol
	binary.BigEndian.PutUint16(buf[10:], iphdr.Checksum)
	copy(buf[12:16], iphdr.Source[:])
	copy(buf[16:20], iphdr.Destination[:])
}

// HeaderLen returns the IPv4 header length in bytes as encoded in IHL.
func (iphdr *IPv4Header) HeaderLen() int { return int(iphdr.IHL) * 4 }

// FrameLength returns the total IPv4 datagram size in bytes, header included.
func (iphdr *IPv4Header) FrameLength() int { return int(iphdr.TotalLength) }

func (ip *IPv4Header) String() string {
	return strcat("IPv4 ", net.IP(ip.Source[:]).String(), "->", net.IP(ip.Destination[:]).String())
}

type IPFlags uint16

func (f IPFlags) DontFragment() bool     { return f&ipflagDontFrag != 0 }
func (f IPFlags) MoreFragments() bool    { return f&ipFlagMoreFrag != 0 }
func (f IPFlags) FragmentOffset() uint16 { return uint16(f) & 0x1fff }

// DecodeTCPHeader decodes a TCP header from the first 20 bytes of buf.
// It panics if buf is shorter than 20 bytes.
func DecodeTCPHeader(buf []byte) (tcphdr TCPHeader) {
	_ = buf[19]
	tcphdr.SourcePort = binary.BigEndian.Uint16(buf[0:])
	tcphdr.DestinationPort = binary.BigEndian.Uint16(buf[2:])
	tcphdr.Seq = binary.BigEndian.Uint32(buf[4:])
	tcphdr.Ack = binary.BigEndian.Uint32(buf[8:])
	tcphdr.OffsetAndFlags[0] = binary.BigEndian.Uint16(buf[12:])
	tcphdr.WindowSize = binary.BigEndian.Uint16(buf[14:])
	tcphdr.Checksum = binary.BigEndian.Uint16(buf[16:])
	tcphdr.UrgentPtr = binary.BigEndian.Uint16(buf[18:])
	return tcphdr
}

// Put marshals the TCP header onto buf. buf needs to be at least 20
// bytes in length or Put panics.
func (tcphdr *TCPHeader) Put(buf []byte) {
	_ = buf[19]
	binary.BigEndian.PutUint16(buf[0:], tcphdr.SourcePort)
	binary.BigEndian.PutUint16(buf[2:], tcphdr.DestinationPort)
	binary.BigEndian.PutUint32(buf[4:], tcphdr.Seq)
	binary.BigEndian.PutUint32(buf[8:], tcphdr.Ack)
	binary.BigEndian.PutUint16(buf[12:], tcphdr.OffsetAndFlags[0])
	binary.BigEndian.PutUint16(buf[14:], tcphdr.WindowSize)
	binary.BigEndian.PutUint16(buf[16:], tcphdr.Checksum)
	binary.BigEndian.PutUint16(buf[18:], tcphdr.UrgentPtr)
}

func (tcphdr *TCPHeader) Offset() (tcpWords uint8) {
	offset := uint8(tcphdr.OffsetAndFlags[0] >> (8 + 4))
	if offset < 5 {
		panic("bad TCP offset " + u32toa(uint32(offset)))
	}
	return offset
}

func (tcphdr *TCPHeader) OffsetInBytes() (offsetInBytes uint16) {
	return uint16(tcphdr.Offset()) * tcpWordlen
}

func (tcphdr *TCPHeader) Flags() TCPFlags {
	return TCPFlags(tcphdr.OffsetAndFlags[0] & tcpFlagmask)
}

func (tcphdr *TCPHeader) SetFlags(v TCPFlags) {
	onlyOffset := tcphdr.OffsetAndFlags[0] &^ tcpFlagmask
	tcphdr.OffsetAndFlags[0] = onlyOffset | uint16(v)&tcpFlagmask
}

func (tcphdr *TCPHeader) SetOffset(tcpWords uint8) {
	if tcpWords > 0b1111 {
		panic("attempted to set an offset too large")
	}
	onlyFlags := tcphdr.OffsetAndFlags[0] & tcpFlagmask
	tcphdr.OffsetAndFlags[0] = onlyFlags | (uint16(tcpWords) << 12)
}

// FrameLength returns the size of the TCP frame as described by tcphdr and
// payloadLength, which is the size of the TCP payload not including options.
func (tcphdr *TCPHeader) FrameLength(payloadLength uint16) uint16 {
	return tcphdr.OffsetInBytes() + payloadLength
}

func (tcp *TCPHeader) String() string {
	return strcat("TCP port ", u32toa(uint32(tcp.SourcePort)), "->", u32toa(uint32(tcp.DestinationPort)),
		tcp.Flags().String(), "seq ", u32toa(tcp.Seq), " ack ", u32toa(tcp.Ack))
}

type TCPFlags uint16

// HasAny reports whether flags shares any bit set in bits.
func (flags TCPFlags) HasAny(bits TCPFlags) bool {
	return flags&bits != 0
}

// String returns a human readable flag string, e.g.:
//
//	"[SYN,ACK]"
//
// Flags are printed in order from LSB (FIN) to CWR; the NS bit is not
// printed.
func (flags TCPFlags) String() string {
	const flaglen = 3
	var flagbuff [2 + (flaglen+1)*9]byte
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	n := 0
	for i := 0; i*3 < len(strflags)-flaglen; i++ {
		if flags&(1<<i) != 0 {
			if n == 0 {
				flagbuff[0] = '['
				n++
			} else {
				flagbuff[n] = ','
				n++
			}
			copy(flagbuff[n:n+3], []byte(strflags[i*flaglen:i*flaglen+flaglen]))
			n += 3
		}
	}
	if n > 0 {
		flagbuff[n] = ']'
		n++
	}
	return string(flagbuff[:n])
}

func u32toa(u uint32) string {
	return strconv.FormatUint(uint64(u), 10)
}

func strcat(strs ...string) (s string) {
	for i := range strs {
		s += strs[i]
	}
	return s
}
