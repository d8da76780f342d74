package minitcp

import (
	"encoding/binary"
	"net/netip"
)

// TcpPseudoHeaderLength is the length of the IPv4 pseudo-header that
// prefixes the segment for checksum purposes.
const TcpPseudoHeaderLength = 12

// ProtocolTCP is the IPv4 protocol number for TCP.
const ProtocolTCP = 6

// CalculateChecksum computes the ones'-complement Internet checksum
// over buffer, folding the 32-bit sum to 16 bits.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		word := binary.BigEndian.Uint16(buffer[i : i+2])
		cksum += uint32(word)
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	// Fold 32-bit sum to 16 bits
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += cksum >> 16

	return ^uint16(cksum)
}

// assemblePseudoHeader fills buffer with the 12-byte IPv4 pseudo-header:
// source IP, destination IP, zero byte, protocol, TCP length.
func assemblePseudoHeader(buffer []byte, src, dst netip.Addr, tcpLength int) {
	srcBytes := src.As4()
	dstBytes := dst.As4()
	copy(buffer[0:4], srcBytes[:])
	copy(buffer[4:8], dstBytes[:])
	buffer[8] = 0
	buffer[9] = ProtocolTCP
	binary.BigEndian.PutUint16(buffer[10:12], uint16(tcpLength))
}

// SegmentChecksum computes the TCP checksum for a marshalled segment
// exchanged between src and dst. The segment's checksum field must be
// zero when computing, and left in place when verifying.
func SegmentChecksum(src, dst netip.Addr, segment []byte) uint16 {
	buffer := make([]byte, TcpPseudoHeaderLength+len(segment))
	assemblePseudoHeader(buffer, src, dst, len(segment))
	copy(buffer[TcpPseudoHeaderLength:], segment)
	return CalculateChecksum(buffer)
}

// VerifyChecksum reports whether a received segment's embedded checksum
// is consistent with the pseudo-header for src and dst. Summing over a
// segment that includes a correct checksum yields zero.
func VerifyChecksum(src, dst netip.Addr, segment []byte) bool {
	return SegmentChecksum(src, dst, segment) == 0
}
