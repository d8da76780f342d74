package minitcp

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testLocalIP = netip.MustParseAddr("10.0.0.1")
	testPeerIP  = netip.MustParseAddr("10.0.0.2")
)

// fixture captures every outbound segment for inspection.
type fixture struct {
	t     *testing.T
	stack *Stack
	sent  []*Segment
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t}
	f.stack = NewStack(testLocalIP, func(dst netip.Addr, frame []byte) error {
		require.Equal(t, testPeerIP, dst)
		require.True(t, VerifyChecksum(testLocalIP, dst, frame))
		seg, err := ParseSegment(frame)
		require.NoError(t, err)
		f.sent = append(f.sent, seg)
		return nil
	}, nil)
	return f
}

// lastSent pops the most recent outbound segment.
func (f *fixture) lastSent() *Segment {
	require.NotEmpty(f.t, f.sent, "expected an outbound segment")
	return f.sent[len(f.sent)-1]
}

// inject delivers a segment from the peer with a valid checksum.
func (f *fixture) inject(seg *Segment) {
	f.stack.Receive(testPeerIP, seg.Marshal(testPeerIP, testLocalIP))
}

// connect drives the three-way handshake and returns the connection
// plus the peer's initial sequence number.
func (f *fixture) connect() (ConnID, uint32) {
	id, err := f.stack.Connect(testPeerIP, 443)
	require.NoError(f.t, err)

	syn := f.lastSent()
	require.Equal(f.t, FlagSYN, syn.Flags)

	const peerISN = uint32(90000)
	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   syn.SourcePort,
		SequenceNumber:    peerISN,
		AcknowledgmentNum: syn.SequenceNumber + 1,
		Flags:             FlagSYN | FlagACK,
		WindowSize:        0xffff,
	})
	require.True(f.t, f.stack.IsConnected(id))
	return id, peerISN
}

func TestConnectHandshake(t *testing.T) {
	f := newFixture(t)
	id, err := f.stack.Connect(testPeerIP, 443)
	require.NoError(t, err)
	assert.Equal(t, StateSynSent, f.stack.State(id))
	assert.False(t, f.stack.IsConnected(id))

	syn := f.lastSent()
	assert.Equal(t, FlagSYN, syn.Flags)
	assert.Equal(t, uint16(443), syn.DestinationPort)
	assert.GreaterOrEqual(t, syn.SourcePort, uint16(49152))
	assert.Zero(t, syn.AcknowledgmentNum)
	assert.Empty(t, syn.Payload)

	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   syn.SourcePort,
		SequenceNumber:    5000,
		AcknowledgmentNum: syn.SequenceNumber + 1,
		Flags:             FlagSYN | FlagACK,
		WindowSize:        0xffff,
	})

	assert.Equal(t, StateEstablished, f.stack.State(id))
	ack := f.lastSent()
	assert.Equal(t, FlagACK, ack.Flags)
	assert.Equal(t, syn.SequenceNumber+1, ack.SequenceNumber)
	assert.Equal(t, uint32(5001), ack.AcknowledgmentNum)
}

func TestConnectExhaustsSlots(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < MaxConnections; i++ {
		_, err := f.stack.Connect(testPeerIP, 443)
		require.NoError(t, err)
	}
	_, err := f.stack.Connect(testPeerIP, 443)
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestEphemeralPortsAreDistinct(t *testing.T) {
	f := newFixture(t)
	seen := map[uint16]bool{}
	for i := 0; i < MaxConnections; i++ {
		_, err := f.stack.Connect(testPeerIP, 443)
		require.NoError(t, err)
		port := f.lastSent().SourcePort
		assert.False(t, seen[port], "port %d reused", port)
		seen[port] = true
	}
}

func TestSendSegmentation(t *testing.T) {
	f := newFixture(t)
	id, _ := f.connect()
	f.sent = nil

	data := bytes.Repeat([]byte{0xab}, 4000)
	n, err := f.stack.Send(id, data)
	require.NoError(t, err)
	assert.Equal(t, 4000, n)

	require.Len(t, f.sent, 3)
	assert.Len(t, f.sent[0].Payload, MSS)
	assert.Len(t, f.sent[1].Payload, MSS)
	assert.Len(t, f.sent[2].Payload, 4000-2*MSS)
	for _, seg := range f.sent {
		assert.Equal(t, FlagPSH|FlagACK, seg.Flags)
	}
	assert.Equal(t, f.sent[0].SequenceNumber+MSS, f.sent[1].SequenceNumber)
	assert.Equal(t, f.sent[1].SequenceNumber+MSS, f.sent[2].SequenceNumber)
}

func TestSendRequiresEstablished(t *testing.T) {
	f := newFixture(t)
	id, err := f.stack.Connect(testPeerIP, 443)
	require.NoError(t, err)

	_, err = f.stack.Send(id, []byte("too early"))
	assert.ErrorIs(t, err, ErrNotEstablished)

	_, err = f.stack.Send(ConnID(99), []byte("bogus"))
	assert.ErrorIs(t, err, ErrInvalidConn)
}

func TestReceiveData(t *testing.T) {
	f := newFixture(t)
	id, peerISN := f.connect()
	localPort := f.lastSent().SourcePort
	f.sent = nil

	payload := []byte("response bytes")
	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1,
		Flags:             FlagPSH | FlagACK,
		Payload:           payload,
	})

	require.True(t, f.stack.DataAvailable(id))
	ack := f.lastSent()
	assert.Equal(t, FlagACK, ack.Flags)
	assert.Equal(t, peerISN+1+uint32(len(payload)), ack.AcknowledgmentNum)

	got, err := f.stack.Recv(id, 1024)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.False(t, f.stack.DataAvailable(id))

	// Drained: polling returns no data and no error.
	got, err = f.stack.Recv(id, 1024)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReceivePartialRead(t *testing.T) {
	f := newFixture(t)
	id, peerISN := f.connect()
	localPort := f.lastSent().SourcePort

	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1,
		Flags:             FlagACK,
		Payload:           []byte("abcdef"),
	})

	first, err := f.stack.Recv(id, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), first)
	assert.True(t, f.stack.DataAvailable(id))

	rest, err := f.stack.Recv(id, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("ef"), rest)
	assert.False(t, f.stack.DataAvailable(id))
}

func TestReceiveBufferOverflowDropsWholeSegment(t *testing.T) {
	f := newFixture(t)
	id, peerISN := f.connect()
	localPort := f.lastSent().SourcePort

	fill := bytes.Repeat([]byte{0x11}, RecvBufferSize-100)
	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1,
		Flags:             FlagACK,
		Payload:           fill,
	})
	f.sent = nil

	// 200 bytes do not fit in the remaining 100: the segment must be
	// dropped in full, not truncated, and must not advance recvSeq or
	// be acknowledged.
	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1 + uint32(len(fill)),
		Flags:             FlagACK,
		Payload:           bytes.Repeat([]byte{0x22}, 200),
	})
	assert.Empty(t, f.sent)

	got, err := f.stack.Recv(id, RecvBufferSize)
	require.NoError(t, err)
	assert.Len(t, got, len(fill))
}

func TestPassiveClose(t *testing.T) {
	f := newFixture(t)
	id, peerISN := f.connect()
	localPort := f.lastSent().SourcePort
	f.sent = nil

	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1,
		Flags:             FlagFIN | FlagACK,
	})

	// The peer's FIN is acknowledged and our own FIN follows in the
	// same dispatch, so the slot sits in LAST_ACK immediately.
	require.Len(t, f.sent, 2)
	assert.Equal(t, FlagACK, f.sent[0].Flags)
	assert.Equal(t, peerISN+2, f.sent[0].AcknowledgmentNum)
	assert.Equal(t, FlagFIN|FlagACK, f.sent[1].Flags)
	assert.Equal(t, StateLastAck, f.stack.State(id))
	assert.True(t, f.stack.IsClosed(id))

	_, err := f.stack.Recv(id, 16)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 2,
		AcknowledgmentNum: f.sent[1].SequenceNumber + 1,
		Flags:             FlagACK,
	})
	assert.Equal(t, StateClosed, f.stack.State(id))
	assert.False(t, f.stack.IsConnected(id))
}

func TestPassiveCloseDrainsBufferedData(t *testing.T) {
	f := newFixture(t)
	id, peerISN := f.connect()
	localPort := f.lastSent().SourcePort

	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1,
		Flags:             FlagACK,
		Payload:           []byte("tail"),
	})
	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 5,
		Flags:             FlagFIN | FlagACK,
	})

	// Buffered bytes remain readable after the FIN; only a drained
	// buffer reports the close.
	got, err := f.stack.Recv(id, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), got)

	_, err = f.stack.Recv(id, 16)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestActiveClose(t *testing.T) {
	f := newFixture(t)
	id, peerISN := f.connect()
	localPort := f.lastSent().SourcePort
	f.sent = nil

	require.NoError(t, f.stack.Close(id))
	fin := f.lastSent()
	assert.Equal(t, FlagFIN|FlagACK, fin.Flags)
	assert.Equal(t, StateFinWait1, f.stack.State(id))

	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1,
		AcknowledgmentNum: fin.SequenceNumber + 1,
		Flags:             FlagACK,
	})
	assert.Equal(t, StateFinWait2, f.stack.State(id))

	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1,
		AcknowledgmentNum: fin.SequenceNumber + 1,
		Flags:             FlagFIN | FlagACK,
	})
	// TIME_WAIT is not held: the slot is reclaimed at once.
	assert.Equal(t, StateClosed, f.stack.State(id))
}

func TestActiveCloseSimultaneousFin(t *testing.T) {
	f := newFixture(t)
	id, peerISN := f.connect()
	localPort := f.lastSent().SourcePort

	require.NoError(t, f.stack.Close(id))
	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1,
		Flags:             FlagFIN | FlagACK,
	})
	assert.Equal(t, StateClosed, f.stack.State(id))
}

func TestCloseBeforeEstablishedReleasesSlot(t *testing.T) {
	f := newFixture(t)
	id, err := f.stack.Connect(testPeerIP, 443)
	require.NoError(t, err)

	require.NoError(t, f.stack.Close(id))
	assert.Equal(t, StateClosed, f.stack.State(id))

	_, err = f.stack.Recv(id, 16)
	assert.ErrorIs(t, err, ErrInvalidConn)
}

func TestRstResetsConnection(t *testing.T) {
	f := newFixture(t)
	id, peerISN := f.connect()
	localPort := f.lastSent().SourcePort

	f.inject(&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1,
		Flags:             FlagRST,
	})
	assert.Equal(t, StateClosed, f.stack.State(id))
	assert.False(t, f.stack.IsConnected(id))
}

func TestBadChecksumDropped(t *testing.T) {
	f := newFixture(t)
	id, peerISN := f.connect()
	localPort := f.lastSent().SourcePort
	f.sent = nil

	frame := (&Segment{
		SourcePort:        443,
		DestinationPort:   localPort,
		SequenceNumber:    peerISN + 1,
		Flags:             FlagACK,
		Payload:           []byte("tampered"),
	}).Marshal(testPeerIP, testLocalIP)
	frame[len(frame)-1] ^= 0xff
	f.stack.Receive(testPeerIP, frame)

	assert.Empty(t, f.sent)
	assert.False(t, f.stack.DataAvailable(id))
}

func TestUnsolicitedSegmentDropped(t *testing.T) {
	f := newFixture(t)
	f.connect()
	f.sent = nil

	f.inject(&Segment{
		SourcePort:      9999,
		DestinationPort: 12345,
		Flags:           FlagSYN,
	})
	assert.Empty(t, f.sent)
}

func TestWaitCondition(t *testing.T) {
	polls := 0
	err := Wait(func() { polls++ }, 10, func() bool { return polls >= 3 })
	require.NoError(t, err)
	assert.Equal(t, 3, polls)
}

func TestWaitTimeout(t *testing.T) {
	polls := 0
	err := Wait(func() { polls++ }, 5, func() bool { return false })
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 5, polls)
}
