package dgrams

import "encoding/binary"

// IPv4HeaderChecksum computes the RFC 791 header checksum of an IPv4
// header already marshaled into headerBytes (exactly HeaderLen() bytes,
// Checksum field included but ignored by the algorithm). Unlike the TCP
// checksum this covers only the header itself, never a pseudo-header or
// payload.
func IPv4HeaderChecksum(headerBytes []byte) uint16 {
	var crc CRC_RFC791
	// The checksum field occupies bytes 10:12 and must be treated as zero.
	crc.Write(headerBytes[:10])
	crc.Write([]byte{0, 0})
	crc.Write(headerBytes[12:])
	return crc.Sum()
}

// TCPChecksum computes the TCP checksum of tcpSegment (TCP header followed
// by its payload, with the Checksum field still zeroed) as seen over the
// wire between ip and the peer it was built for, per RFC 793 section 3.1:
// the checksum covers a 12 byte IPv4 pseudo-header (source address,
// destination address, zero, protocol, TCP segment length) followed by the
// TCP header and payload.
func TCPChecksum(ip *IPv4Header, tcpSegment []byte) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], ip.Source[:])
	copy(pseudo[4:8], ip.Destination[:])
	pseudo[8] = 0
	pseudo[9] = ProtocolTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpSegment)))

	var crc CRC_RFC791
	crc.Write(pseudo[:])
	crc.Write(tcpSegment)
	return crc.Sum()
}
