package tinystack

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tinystack/minitcp"
	"tinystack/minitls"
	"tinystack/minitls/minitlstest"
)

var (
	testLocalIP = netip.MustParseAddr("10.1.0.1")
	testPeerIP  = netip.MustParseAddr("10.1.0.2")
)

// tcpResponder plays the peer's TCP endpoint, bridging segment
// payloads to an in-memory TLS server. Responses are queued and
// delivered on pump, never re-entering the stack from its own send
// path.
type tcpResponder struct {
	t      *testing.T
	stack  *minitcp.Stack
	server minitls.Stream

	queued     [][]byte
	clientPort uint16
	seqNext    uint32 // next byte expected from the client
	sendSeq    uint32 // next byte we send
}

func newTCPResponder(t *testing.T, server minitls.Stream) *tcpResponder {
	return &tcpResponder{t: t, server: server, sendSeq: 88000}
}

func (r *tcpResponder) queue(seg *minitcp.Segment) {
	seg.SourcePort = 443
	seg.DestinationPort = r.clientPort
	seg.WindowSize = 0xffff
	r.queued = append(r.queued, seg.Marshal(testPeerIP, testLocalIP))
}

// handle is the stack's SegmentSender.
func (r *tcpResponder) handle(dst netip.Addr, frame []byte) error {
	require.Equal(r.t, testPeerIP, dst)
	seg, err := minitcp.ParseSegment(frame)
	require.NoError(r.t, err)

	switch {
	case seg.Flags&minitcp.FlagSYN != 0:
		r.clientPort = seg.SourcePort
		r.seqNext = seg.SequenceNumber + 1
		r.queue(&minitcp.Segment{
			SequenceNumber:    r.sendSeq,
			AcknowledgmentNum: r.seqNext,
			Flags:             minitcp.FlagSYN | minitcp.FlagACK,
		})
		r.sendSeq++
	case seg.Flags&minitcp.FlagFIN != 0:
		r.seqNext = seg.SequenceNumber + uint32(len(seg.Payload)) + 1
		r.queue(&minitcp.Segment{
			SequenceNumber:    r.sendSeq,
			AcknowledgmentNum: r.seqNext,
			Flags:             minitcp.FlagFIN | minitcp.FlagACK,
		})
		r.sendSeq++
	case len(seg.Payload) > 0:
		_, err := r.server.Send(seg.Payload)
		require.NoError(r.t, err)
		r.seqNext = seg.SequenceNumber + uint32(len(seg.Payload))
		r.queue(&minitcp.Segment{
			SequenceNumber:    r.sendSeq,
			AcknowledgmentNum: r.seqNext,
			Flags:             minitcp.FlagACK,
		})
	}
	return nil
}

// pump advances the TLS server, converts its output to data segments
// and delivers everything queued.
func (r *tcpResponder) pump() {
	r.server.Pump()
	for {
		data, err := r.server.Recv(1400)
		require.NoError(r.t, err)
		if len(data) == 0 {
			break
		}
		r.queue(&minitcp.Segment{
			SequenceNumber:    r.sendSeq,
			AcknowledgmentNum: r.seqNext,
			Flags:             minitcp.FlagPSH | minitcp.FlagACK,
			Payload:           data,
		})
		r.sendSeq += uint32(len(data))
	}

	pending := r.queued
	r.queued = nil
	for _, frame := range pending {
		r.stack.Receive(testPeerIP, frame)
	}
}

func newSessionFixture(t *testing.T) (*tcpResponder, *minitcp.Stack, *minitlstest.Server) {
	server, err := minitlstest.NewServer(minitlstest.Config{})
	require.NoError(t, err)

	responder := newTCPResponder(t, server.ClientStream())
	stack := minitcp.NewStack(testLocalIP, responder.handle, nil)
	responder.stack = stack
	return responder, stack, server
}

func TestDialEndToEnd(t *testing.T) {
	responder, stack, server := newSessionFixture(t)

	session, err := Dial(stack, responder.pump, testPeerIP, 443, "example.test", Options{PollBudget: 500})
	require.NoError(t, err)
	require.NoError(t, server.Err())
	assert.NotEmpty(t, session.ID)
	assert.True(t, session.IsConnected())
	assert.True(t, server.Established())

	request := []byte("GET / HTTP/1.0\r\nHost: example.test\r\n\r\n")
	n, err := session.Send(request)
	require.NoError(t, err)
	assert.Equal(t, len(request), n)

	echoed, err := session.Recv()
	require.NoError(t, err)
	assert.Equal(t, request, echoed)
	require.Len(t, server.Received, 1)
	assert.Equal(t, request, server.Received[0])
}

func TestDialSessionClose(t *testing.T) {
	responder, stack, server := newSessionFixture(t)

	session, err := Dial(stack, responder.pump, testPeerIP, 443, "example.test", Options{PollBudget: 500})
	require.NoError(t, err)

	require.NoError(t, session.Close())
	responder.pump()
	assert.True(t, server.Closed())
	assert.False(t, session.IsConnected())
}

func TestDialTimesOutWithoutPeer(t *testing.T) {
	// A sender that drops everything: the SYN is never answered and
	// the poll budget runs out.
	stack := minitcp.NewStack(testLocalIP, func(netip.Addr, []byte) error { return nil }, nil)

	_, err := Dial(stack, func() {}, testPeerIP, 443, "example.test", Options{PollBudget: 20})
	require.Error(t, err)
	assert.ErrorIs(t, err, minitcp.ErrTimeout)

	// The slot must have been released for reuse.
	id, err := stack.Connect(testPeerIP, 443)
	require.NoError(t, err)
	assert.Equal(t, minitcp.StateSynSent, stack.State(id))
}

func TestDialSequentialSessions(t *testing.T) {
	// One stack must support more sessions over its lifetime than it
	// has table slots, as long as each is closed before the next.
	var responder *tcpResponder
	stack := minitcp.NewStack(testLocalIP, func(dst netip.Addr, frame []byte) error {
		return responder.handle(dst, frame)
	}, nil)

	for i := 0; i < minitcp.MaxConnections+2; i++ {
		server, err := minitlstest.NewServer(minitlstest.Config{})
		require.NoError(t, err)
		responder = newTCPResponder(t, server.ClientStream())
		responder.stack = stack

		session, err := Dial(stack, responder.pump, testPeerIP, 443, "example.test", Options{PollBudget: 500})
		require.NoError(t, err, "session %d", i)
		require.NoError(t, session.Close())

		// Deliver the peer's FIN handling so the slot is reclaimed.
		responder.pump()
	}
}
