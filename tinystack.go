// Package tinystack assembles the TCP transport and TLS client into a
// dialable session. The caller owns the packet plumbing: outbound
// segments leave through the Stack's SegmentSender and inbound ones
// are injected via Stack.Receive, with a Pump that drains whatever
// device or queue sits underneath.
package tinystack

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tinystack/minitcp"
	"tinystack/minitls"
	"tinystack/shared"
)

// DefaultPollBudget bounds the handshake and read polling loops.
const DefaultPollBudget = 10000

// Options tunes Dial. The zero value is usable.
type Options struct {
	// PollBudget is the iteration budget for the TCP handshake wait
	// and the TLS read loops. Defaults to DefaultPollBudget.
	PollBudget int

	// Logger for session events. Nil disables logging.
	Logger *shared.Logger
}

// Session is one established TLS-over-TCP connection.
type Session struct {
	// ID is the uuid trace id carried in every log line for this
	// session.
	ID string

	stack  *minitcp.Stack
	connID minitcp.ConnID
	pump   minitcp.Pump
	tls    *minitls.Conn
	logger *zap.Logger
}

// tcpStream adapts a Stack connection to the byte stream the TLS
// layer runs over.
type tcpStream struct {
	stack *minitcp.Stack
	id    minitcp.ConnID
	pump  minitcp.Pump
}

func (s *tcpStream) Send(p []byte) (int, error) {
	return s.stack.Send(s.id, p)
}

func (s *tcpStream) Recv(max int) ([]byte, error) {
	return s.stack.Recv(s.id, max)
}

func (s *tcpStream) Pump() {
	if s.pump != nil {
		s.pump()
	}
}

// Dial connects to remote:port, waits for the TCP handshake under the
// poll budget, then runs the TLS handshake with hostname as SNI.
func Dial(stack *minitcp.Stack, pump minitcp.Pump, remote netip.Addr, port uint16, hostname string, opts Options) (*Session, error) {
	budget := opts.PollBudget
	if budget <= 0 {
		budget = DefaultPollBudget
	}

	sessionID := uuid.New().String()
	logger := zap.NewNop()
	if opts.Logger != nil {
		logger = opts.Logger.WithSession(sessionID)
	}
	logger = logger.With(
		zap.String("remote", remote.String()),
		zap.Uint16("port", port))

	connID, err := stack.Connect(remote, port)
	if err != nil {
		return nil, fmt.Errorf("tcp connect: %w", err)
	}
	if err := minitcp.Wait(pump, budget, func() bool { return stack.IsConnected(connID) }); err != nil {
		stack.Close(connID)
		return nil, fmt.Errorf("tcp handshake: %w", err)
	}
	logger.Debug("tcp connection established")

	stream := &tcpStream{stack: stack, id: connID, pump: pump}
	tlsConn := minitls.Client(stream, minitls.Config{
		ServerName: hostname,
		PollBudget: budget,
	}, logger)
	if err := tlsConn.Handshake(); err != nil {
		stack.Close(connID)
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	logger.Info("session established")

	return &Session{
		ID:     sessionID,
		stack:  stack,
		connID: connID,
		pump:   pump,
		tls:    tlsConn,
		logger: logger,
	}, nil
}

// Send writes application data over the session.
func (s *Session) Send(p []byte) (int, error) {
	return s.tls.Send(p)
}

// Recv returns the next chunk of application data.
func (s *Session) Recv() ([]byte, error) {
	return s.tls.Recv()
}

// IsConnected reports whether both layers are still up.
func (s *Session) IsConnected() bool {
	return s.tls.IsConnected() && s.stack.IsConnected(s.connID)
}

// Close shuts the session down: TLS close_notify first, then the TCP
// close sequence. Errors from the TLS layer are logged, not returned;
// the transport teardown proceeds regardless.
func (s *Session) Close() error {
	if err := s.tls.Close(); err != nil {
		s.logger.Warn("tls close failed", zap.Error(err))
	}
	if err := s.stack.Close(s.connID); err != nil {
		return fmt.Errorf("tcp close: %w", err)
	}
	s.logger.Debug("session closed")
	return nil
}
