package main

import (
	"net/netip"

	"tinystack/minitcp"
	"tinystack/minitls"
)

// segmentBridge plays the peer TCP endpoint for the demo: it answers
// the stack's segments directly and shuttles payload bytes to and
// from the in-memory TLS server. Responses are queued and delivered
// on pump so the stack is never re-entered from its own send path.
type segmentBridge struct {
	localIP netip.Addr
	peerIP  netip.Addr
	server  minitls.Stream
	stack   *minitcp.Stack

	queued     [][]byte
	clientPort uint16
	seqNext    uint32
	sendSeq    uint32
}

func newSegmentBridge(localIP, peerIP netip.Addr, server minitls.Stream) *segmentBridge {
	return &segmentBridge{
		localIP: localIP,
		peerIP:  peerIP,
		server:  server,
		sendSeq: 26000,
	}
}

func (b *segmentBridge) queue(seg *minitcp.Segment) {
	seg.SourcePort = 443
	seg.DestinationPort = b.clientPort
	seg.WindowSize = 0xffff
	b.queued = append(b.queued, seg.Marshal(b.peerIP, b.localIP))
}

// handle is the stack's SegmentSender.
func (b *segmentBridge) handle(_ netip.Addr, frame []byte) error {
	seg, err := minitcp.ParseSegment(frame)
	if err != nil {
		return err
	}

	switch {
	case seg.Flags&minitcp.FlagSYN != 0:
		b.clientPort = seg.SourcePort
		b.seqNext = seg.SequenceNumber + 1
		b.queue(&minitcp.Segment{
			SequenceNumber:    b.sendSeq,
			AcknowledgmentNum: b.seqNext,
			Flags:             minitcp.FlagSYN | minitcp.FlagACK,
		})
		b.sendSeq++
	case seg.Flags&minitcp.FlagFIN != 0:
		b.seqNext = seg.SequenceNumber + uint32(len(seg.Payload)) + 1
		b.queue(&minitcp.Segment{
			SequenceNumber:    b.sendSeq,
			AcknowledgmentNum: b.seqNext,
			Flags:             minitcp.FlagFIN | minitcp.FlagACK,
		})
		b.sendSeq++
	case len(seg.Payload) > 0:
		if _, err := b.server.Send(seg.Payload); err != nil {
			return err
		}
		b.seqNext = seg.SequenceNumber + uint32(len(seg.Payload))
		b.queue(&minitcp.Segment{
			SequenceNumber:    b.sendSeq,
			AcknowledgmentNum: b.seqNext,
			Flags:             minitcp.FlagACK,
		})
	}
	return nil
}

// pump advances the TLS server, wraps its output in data segments and
// delivers everything queued.
func (b *segmentBridge) pump() {
	b.server.Pump()
	for {
		data, err := b.server.Recv(minitcp.MSS)
		if err != nil || len(data) == 0 {
			break
		}
		b.queue(&minitcp.Segment{
			SequenceNumber:    b.sendSeq,
			AcknowledgmentNum: b.seqNext,
			Flags:             minitcp.FlagPSH | minitcp.FlagACK,
			Payload:           data,
		})
		b.sendSeq += uint32(len(data))
	}

	pending := b.queued
	b.queued = nil
	for _, frame := range pending {
		b.stack.Receive(b.peerIP, frame)
	}
}
