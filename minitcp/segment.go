package minitcp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// TcpHeaderLength is the length of the TCP header we emit: 20 bytes,
// no options.
const TcpHeaderLength = 20

// TCP header flags.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
)

// Segment represents a TCP segment exchanged with the IPv4 layer.
type Segment struct {
	SourcePort        uint16
	DestinationPort   uint16
	SequenceNumber    uint32
	AcknowledgmentNum uint32
	Flags             uint8
	WindowSize        uint16
	Checksum          uint16
	UrgentPointer     uint16
	Payload           []byte
}

// Marshal converts the segment to wire format, computing the checksum
// over the pseudo-header for src and dst.
func (s *Segment) Marshal(src, dst netip.Addr) []byte {
	frame := make([]byte, TcpHeaderLength+len(s.Payload))

	binary.BigEndian.PutUint16(frame[0:2], s.SourcePort)
	binary.BigEndian.PutUint16(frame[2:4], s.DestinationPort)
	binary.BigEndian.PutUint32(frame[4:8], s.SequenceNumber)
	binary.BigEndian.PutUint32(frame[8:12], s.AcknowledgmentNum)

	// Data offset in 32-bit words, reserved bits zero
	frame[12] = uint8(TcpHeaderLength/4) << 4
	frame[13] = s.Flags

	binary.BigEndian.PutUint16(frame[14:16], s.WindowSize)
	// leave frame[16:18] (checksum) as all zero for now
	binary.BigEndian.PutUint16(frame[18:20], s.UrgentPointer)
	copy(frame[TcpHeaderLength:], s.Payload)

	s.Checksum = SegmentChecksum(src, dst, frame)
	binary.BigEndian.PutUint16(frame[16:18], s.Checksum)

	return frame
}

// ParseSegment decodes a received TCP segment. Options, if present, are
// skipped; the payload starts at the header length declared by the
// data-offset field.
func ParseSegment(frame []byte) (*Segment, error) {
	if len(frame) < TcpHeaderLength {
		return nil, fmt.Errorf("segment too short: %d bytes", len(frame))
	}

	headerLength := int(frame[12]>>4) * 4
	if headerLength < TcpHeaderLength || headerLength > len(frame) {
		return nil, fmt.Errorf("invalid data offset: header length %d, frame %d", headerLength, len(frame))
	}

	return &Segment{
		SourcePort:        binary.BigEndian.Uint16(frame[0:2]),
		DestinationPort:   binary.BigEndian.Uint16(frame[2:4]),
		SequenceNumber:    binary.BigEndian.Uint32(frame[4:8]),
		AcknowledgmentNum: binary.BigEndian.Uint32(frame[8:12]),
		Flags:             frame[13],
		WindowSize:        binary.BigEndian.Uint16(frame[14:16]),
		Checksum:          binary.BigEndian.Uint16(frame[16:18]),
		UrgentPointer:     binary.BigEndian.Uint16(frame[18:20]),
		Payload:           frame[headerLength:],
	}, nil
}
