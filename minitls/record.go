package minitls

import (
	"encoding/binary"
)

// Record framing, RFC 5246 Section 6.2: a 5-byte header
// (type, version, length) followed by the fragment.

const (
	recordHeaderSize = 5

	// maxPlaintext is the largest fragment we emit per record.
	maxPlaintext = 16384

	// maxRecordPayload bounds accepted record fragments: maximum
	// plaintext plus protection overhead.
	maxRecordPayload = maxPlaintext + 2048

	// recvChunk is how much we ask the transport for per poll.
	recvChunk = 4096
)

// Stream is the byte transport a TLS connection runs over. Recv is
// non-blocking and returns no data (nil, nil) when nothing is queued;
// Pump gives the underlying network a chance to deliver more.
type Stream interface {
	Send(p []byte) (int, error)
	Recv(max int) ([]byte, error)
	Pump()
}

// Record is one TLS record.
type Record struct {
	Type    uint8
	Version uint16
	Payload []byte
}

// recordReader deframes records from a Stream, simulating blocking
// with a bounded polling loop. The iteration budget resets whenever
// bytes arrive, so it bounds idle waiting, not total transfer time.
type recordReader struct {
	stream Stream
	budget int
	buffer []byte
}

func newRecordReader(stream Stream, budget int) *recordReader {
	return &recordReader{
		stream: stream,
		budget: budget,
		buffer: make([]byte, 0, recordHeaderSize+maxRecordPayload),
	}
}

// readRecord polls the stream until a complete record is buffered or
// the idle budget runs out.
func (r *recordReader) readRecord() (*Record, error) {
	idle := 0
	for {
		if rec, err := r.tryParse(); rec != nil || err != nil {
			return rec, err
		}

		if idle >= r.budget {
			return nil, ErrReadTimeout
		}
		r.stream.Pump()
		data, err := r.stream.Recv(recvChunk)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			r.buffer = append(r.buffer, data...)
			idle = 0
		} else {
			idle++
		}
	}
}

// tryParse returns a record if the buffer holds a complete one.
func (r *recordReader) tryParse() (*Record, error) {
	if len(r.buffer) < recordHeaderSize {
		return nil, nil
	}

	recType := r.buffer[0]
	version := binary.BigEndian.Uint16(r.buffer[1:3])
	length := int(binary.BigEndian.Uint16(r.buffer[3:5]))

	if recType < recordTypeChangeCipherSpec || recType > recordTypeApplicationData {
		return nil, alertError(alertDecodeError, "invalid record type %d", recType)
	}
	// Accept any 3.x version in the record header; the negotiated
	// protocol version is enforced on the ServerHello.
	if version>>8 != 0x03 {
		return nil, alertError(alertProtocolVersion, "unsupported record version 0x%04x", version)
	}
	if length > maxRecordPayload {
		return nil, alertError(alertRecordOverflow, "record too large: %d bytes", length)
	}

	total := recordHeaderSize + length
	if len(r.buffer) < total {
		return nil, nil
	}

	payload := make([]byte, length)
	copy(payload, r.buffer[recordHeaderSize:total])
	r.buffer = append(r.buffer[:0], r.buffer[total:]...)

	return &Record{Type: recType, Version: version, Payload: payload}, nil
}

// marshalRecord frames a payload into wire format.
func marshalRecord(recType uint8, payload []byte) []byte {
	out := make([]byte, recordHeaderSize+len(payload))
	out[0] = recType
	binary.BigEndian.PutUint16(out[1:3], VersionTLS12)
	binary.BigEndian.PutUint16(out[3:5], uint16(len(payload)))
	copy(out[recordHeaderSize:], payload)
	return out
}
