package minitcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"

	"go.uber.org/zap"
)

const (
	// MaxConnections is the size of the fixed connection table.
	MaxConnections = 8

	// MSS is the maximum payload carried by a single segment.
	MSS = 1460

	// RecvBufferSize bounds the per-connection receive queue. It must
	// hold at least one maximum-size protected TLS record.
	RecvBufferSize = 32 * 1024

	// ephemeralPortStart is where the wrapping local-port counter begins.
	ephemeralPortStart = 49152
)

// SegmentSender hands a marshalled TCP segment to the IPv4 layer for
// delivery to dst. It stands in for ipv4_send.
type SegmentSender func(dst netip.Addr, segment []byte) error

// ConnID is a small-integer handle into the connection table.
type ConnID int

// conn is one slot of the connection table.
type conn struct {
	active bool
	state  State

	localPort  uint16
	remoteIP   netip.Addr
	remotePort uint16

	sendSeq uint32 // next byte we send
	sendAck uint32 // highest byte of ours acknowledged by the peer
	recvSeq uint32 // next byte expected from the peer
	recvAck uint32 // last ack value observed from the peer

	recvBuf    []byte
	readCursor int

	dataAvailable    bool
	connectionClosed bool
}

func (c *conn) reset() {
	*c = conn{recvBuf: c.recvBuf[:0]}
	c.state = StateClosed
}

// Stack is a client-only TCP implementation over an injected IPv4
// delivery layer. All calls run to completion on the caller's context;
// inbound segments arrive via Receive. There is no retransmission and
// no RTO: a lost segment stalls the connection until the caller's own
// polling budget gives up.
type Stack struct {
	localIP netip.Addr
	send    SegmentSender
	logger  *zap.Logger

	conns    [MaxConnections]conn
	nextPort uint16

	badChecksums uint64
}

// NewStack creates a stack bound to localIP. Segments are emitted
// through send. A nil logger disables logging.
func NewStack(localIP netip.Addr, send SegmentSender, logger *zap.Logger) *Stack {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stack{
		localIP:  localIP,
		send:     send,
		logger:   logger,
		nextPort: ephemeralPortStart,
	}
	for i := range s.conns {
		s.conns[i].recvBuf = make([]byte, 0, RecvBufferSize)
	}
	return s
}

// initialSequenceNumber picks a fresh ISN per connection. Cryptographic
// unpredictability is not a requirement for this client-only stack, but
// a fixed constant would collide across connections.
func initialSequenceNumber() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// rand.Read on the platforms we target does not fail; keep a
		// non-constant fallback anyway.
		return 0x1f2e3d4c
	}
	return binary.BigEndian.Uint32(b[:])
}

// allocPort returns the next ephemeral local port, skipping ports in
// use by active slots. The counter wraps back to ephemeralPortStart.
func (s *Stack) allocPort() uint16 {
	for {
		port := s.nextPort
		s.nextPort++
		if s.nextPort == 0 {
			s.nextPort = ephemeralPortStart
		}
		inUse := false
		for i := range s.conns {
			if s.conns[i].active && s.conns[i].localPort == port {
				inUse = true
				break
			}
		}
		if !inUse {
			return port
		}
	}
}

// Connect allocates a slot, sends a SYN to remoteIP:remotePort and
// returns immediately in SYN_SENT. The caller polls IsConnected (or
// uses Wait) to observe completion; a lost SYN stalls until the
// caller's budget gives up.
func (s *Stack) Connect(remoteIP netip.Addr, remotePort uint16) (ConnID, error) {
	id := ConnID(-1)
	for i := range s.conns {
		if !s.conns[i].active {
			id = ConnID(i)
			break
		}
	}
	if id < 0 {
		return -1, ErrNoFreeSlot
	}

	c := &s.conns[id]
	c.reset()
	c.active = true
	c.localPort = s.allocPort()
	c.remoteIP = remoteIP
	c.remotePort = remotePort
	c.sendSeq = initialSequenceNumber()

	if err := s.transmit(c, FlagSYN, nil); err != nil {
		c.reset()
		return -1, fmt.Errorf("failed to send SYN: %w", err)
	}
	c.sendSeq++ // SYN consumes one sequence number
	c.state = StateSynSent

	s.logger.Debug("connection initiated",
		zap.Int("conn", int(id)),
		zap.Uint16("local_port", c.localPort),
		zap.String("remote", remoteIP.String()),
		zap.Uint16("remote_port", remotePort))
	return id, nil
}

// Send transmits p over an established connection, split into segments
// of at most MSS bytes with PSH+ACK set. It returns the number of
// bytes handed to the IPv4 layer.
func (s *Stack) Send(id ConnID, p []byte) (int, error) {
	c, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	if c.state != StateEstablished {
		return 0, ErrNotEstablished
	}

	sent := 0
	for sent < len(p) {
		chunk := p[sent:]
		if len(chunk) > MSS {
			chunk = chunk[:MSS]
		}
		if err := s.transmit(c, FlagPSH|FlagACK, chunk); err != nil {
			return sent, fmt.Errorf("failed to send segment: %w", err)
		}
		c.sendSeq += uint32(len(chunk))
		sent += len(chunk)
	}
	return sent, nil
}

// Recv copies up to max unread bytes out of the receive buffer. It
// returns a nil slice and nil error when no data is queued, which is
// how a polling caller distinguishes "no data yet" from failure. Once
// the peer has closed and the buffer is drained, Recv returns
// ErrConnectionClosed.
func (s *Stack) Recv(id ConnID, max int) ([]byte, error) {
	c, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	unread := len(c.recvBuf) - c.readCursor
	if unread == 0 {
		if c.connectionClosed {
			return nil, ErrConnectionClosed
		}
		return nil, nil
	}

	n := unread
	if n > max {
		n = max
	}
	out := make([]byte, n)
	copy(out, c.recvBuf[c.readCursor:c.readCursor+n])
	c.readCursor += n

	// Reset the buffer once fully drained
	if c.readCursor == len(c.recvBuf) {
		c.recvBuf = c.recvBuf[:0]
		c.readCursor = 0
		c.dataAvailable = false
	}
	return out, nil
}

// Close begins an orderly shutdown. On an established connection a
// FIN+ACK is sent and the slot moves to FIN_WAIT_1; in any other state
// the slot is released immediately.
func (s *Stack) Close(id ConnID) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	if c.state == StateEstablished {
		if err := s.transmit(c, FlagFIN|FlagACK, nil); err != nil {
			return fmt.Errorf("failed to send FIN: %w", err)
		}
		c.sendSeq++ // FIN consumes one sequence number
		c.state = StateFinWait1
		return nil
	}
	s.logger.Debug("releasing connection", zap.Int("conn", int(id)), zap.Stringer("state", c.state))
	c.reset()
	return nil
}

// IsConnected reports whether the connection has completed its
// three-way handshake.
func (s *Stack) IsConnected(id ConnID) bool {
	c, err := s.lookup(id)
	return err == nil && c.state == StateEstablished
}

// IsClosed reports whether the peer has sent a FIN.
func (s *Stack) IsClosed(id ConnID) bool {
	c, err := s.lookup(id)
	return err != nil || c.connectionClosed
}

// DataAvailable reports whether unread bytes are queued.
func (s *Stack) DataAvailable(id ConnID) bool {
	c, err := s.lookup(id)
	return err == nil && c.dataAvailable
}

// State returns the slot's TCP state, StateClosed for invalid ids.
func (s *Stack) State(id ConnID) State {
	c, err := s.lookup(id)
	if err != nil {
		return StateClosed
	}
	return c.state
}

func (s *Stack) lookup(id ConnID) (*conn, error) {
	if id < 0 || int(id) >= len(s.conns) || !s.conns[id].active {
		return nil, ErrInvalidConn
	}
	return &s.conns[id], nil
}

// transmit builds and sends one segment on c. The advertised window is
// the remaining receive-buffer capacity.
func (s *Stack) transmit(c *conn, flags uint8, payload []byte) error {
	window := RecvBufferSize - len(c.recvBuf)
	if window > 0xffff {
		window = 0xffff
	}
	seg := &Segment{
		SourcePort:        c.localPort,
		DestinationPort:   c.remotePort,
		SequenceNumber:    c.sendSeq,
		AcknowledgmentNum: c.recvSeq,
		Flags:             flags,
		WindowSize:        uint16(window),
		Payload:           payload,
	}
	if flags&FlagSYN != 0 {
		seg.AcknowledgmentNum = 0
	}
	return s.send(c.remoteIP, seg.Marshal(s.localIP, c.remoteIP))
}

// Receive is the inbound dispatch hook invoked by the IPv4 layer for
// every TCP segment addressed to us. It must run to completion before
// the delivery path returns; the connection table is never re-entered.
func (s *Stack) Receive(src netip.Addr, frame []byte) {
	if !VerifyChecksum(src, s.localIP, frame) {
		s.badChecksums++
		s.logger.Warn("dropping segment with bad checksum",
			zap.String("src", src.String()), zap.Int("len", len(frame)))
		return
	}

	seg, err := ParseSegment(frame)
	if err != nil {
		s.logger.Warn("dropping malformed segment", zap.Error(err))
		return
	}

	c := s.match(src, seg)
	if c == nil {
		// Unsolicited segment. A full implementation would answer with
		// RST; we drop it (documented gap).
		s.logger.Debug("dropping unsolicited segment",
			zap.String("src", src.String()),
			zap.Uint16("src_port", seg.SourcePort),
			zap.Uint16("dst_port", seg.DestinationPort))
		return
	}

	if seg.Flags&FlagRST != 0 {
		s.logger.Warn("connection reset by peer",
			zap.Uint16("local_port", c.localPort), zap.Stringer("state", c.state))
		c.reset()
		return
	}

	switch c.state {
	case StateSynSent:
		s.handleSynSent(c, seg)
	case StateEstablished:
		s.handleEstablished(c, seg)
	case StateFinWait1:
		s.handleFinWait1(c, seg)
	case StateFinWait2:
		s.handleFinWait2(c, seg)
	case StateLastAck:
		if seg.Flags&FlagACK != 0 {
			s.logger.Debug("close complete", zap.Uint16("local_port", c.localPort))
			c.reset()
		}
	default:
		s.logger.Debug("segment ignored in state",
			zap.Stringer("state", c.state), zap.Uint8("flags", seg.Flags))
	}
}

func (s *Stack) match(src netip.Addr, seg *Segment) *conn {
	for i := range s.conns {
		c := &s.conns[i]
		if c.active && c.remoteIP == src &&
			c.remotePort == seg.SourcePort && c.localPort == seg.DestinationPort {
			return c
		}
	}
	return nil
}

func (s *Stack) handleSynSent(c *conn, seg *Segment) {
	if seg.Flags&FlagSYN == 0 || seg.Flags&FlagACK == 0 {
		return
	}
	c.recvSeq = seg.SequenceNumber + 1
	c.recvAck = seg.AcknowledgmentNum
	c.sendAck = seg.AcknowledgmentNum
	if err := s.transmit(c, FlagACK, nil); err != nil {
		s.logger.Error("failed to ack SYN-ACK", zap.Error(err))
		return
	}
	c.state = StateEstablished
	s.logger.Debug("connection established", zap.Uint16("local_port", c.localPort))
}

func (s *Stack) handleEstablished(c *conn, seg *Segment) {
	if seg.Flags&FlagACK != 0 {
		c.recvAck = seg.AcknowledgmentNum
		c.sendAck = seg.AcknowledgmentNum
	}

	if len(seg.Payload) > 0 {
		if len(c.recvBuf)+len(seg.Payload) > RecvBufferSize {
			// Never partially enqueue: either the whole payload fits or
			// the segment is dropped and the peer must try again later.
			s.logger.Warn("receive buffer overflow, dropping segment",
				zap.Int("buffered", len(c.recvBuf)), zap.Int("payload", len(seg.Payload)))
		} else {
			c.recvBuf = append(c.recvBuf, seg.Payload...)
			c.recvSeq += uint32(len(seg.Payload))
			c.dataAvailable = true
			if err := s.transmit(c, FlagACK, nil); err != nil {
				s.logger.Error("failed to ack data", zap.Error(err))
			}
		}
	}

	if seg.Flags&FlagFIN != 0 {
		c.recvSeq++
		c.connectionClosed = true
		if err := s.transmit(c, FlagACK, nil); err != nil {
			s.logger.Error("failed to ack FIN", zap.Error(err))
		}
		c.state = StateCloseWait

		// Half-close simplification: rather than waiting for the
		// application's Close, answer with our own FIN immediately and
		// move to LAST_ACK inside this dispatch.
		if err := s.transmit(c, FlagFIN|FlagACK, nil); err != nil {
			s.logger.Error("failed to send FIN", zap.Error(err))
			return
		}
		c.sendSeq++
		c.state = StateLastAck
		s.logger.Debug("passive close in progress", zap.Uint16("local_port", c.localPort))
	}
}

func (s *Stack) handleFinWait1(c *conn, seg *Segment) {
	if seg.Flags&FlagFIN != 0 {
		c.recvSeq++
		if err := s.transmit(c, FlagACK, nil); err != nil {
			s.logger.Error("failed to ack FIN", zap.Error(err))
		}
		// Simplified: no 2MSL wait, the slot is reclaimed at once.
		c.state = StateTimeWait
		c.reset()
		return
	}
	if seg.Flags&FlagACK != 0 {
		c.sendAck = seg.AcknowledgmentNum
		c.state = StateFinWait2
	}
}

func (s *Stack) handleFinWait2(c *conn, seg *Segment) {
	if seg.Flags&FlagFIN == 0 {
		return
	}
	c.recvSeq++
	if err := s.transmit(c, FlagACK, nil); err != nil {
		s.logger.Error("failed to ack FIN", zap.Error(err))
	}
	c.state = StateTimeWait
	c.reset()
}
