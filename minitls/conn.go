package minitls

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"hash"

	"go.uber.org/zap"
)

// DefaultPollBudget bounds how many empty polls a read tolerates
// before giving up with ErrReadTimeout.
const DefaultPollBudget = 10000

const preMasterLength = 48

// Config carries the client connection parameters.
type Config struct {
	// ServerName is sent in the SNI extension and logged; it is not
	// checked against the certificate.
	ServerName string

	// PollBudget overrides DefaultPollBudget when positive.
	PollBudget int
}

// Conn is a TLS 1.2 client connection over a Stream. It is not safe
// for concurrent use.
type Conn struct {
	stream Stream
	reader *recordReader
	logger *zap.Logger
	config Config

	state      HandshakeState
	suite      uint16
	keys       *KeySchedule
	transcript hash.Hash

	writeCipher RecordCipher
	readCipher  RecordCipher
	writeSeq    uint64
	readSeq     uint64

	// Ciphers derived from the key exchange, activated by the
	// corresponding ChangeCipherSpec.
	pendingWrite RecordCipher
	pendingRead  RecordCipher

	handshakeBuf []byte

	closed bool
	err    error
}

// Client wraps a byte stream in a TLS client connection. The
// handshake is not started until Handshake is called.
func Client(stream Stream, config Config, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	budget := config.PollBudget
	if budget <= 0 {
		budget = DefaultPollBudget
	}
	return &Conn{
		stream:     stream,
		reader:     newRecordReader(stream, budget),
		logger:     logger.With(zap.String("server_name", config.ServerName)),
		config:     config,
		state:      StateInit,
		transcript: sha256.New(),
	}
}

// State returns the current handshake state.
func (c *Conn) State() HandshakeState {
	return c.state
}

// IsConnected reports whether the handshake completed and the
// connection has not been closed.
func (c *Conn) IsConnected() bool {
	return c.state == StateEstablished && !c.closed
}

// Err returns the error that moved the connection into StateError.
func (c *Conn) Err() error {
	return c.err
}

func (c *Conn) setState(next HandshakeState) {
	c.logger.Debug("handshake state transition",
		zap.Stringer("from", c.state),
		zap.Stringer("to", next))
	c.state = next
}

// fail records the error, sends a fatal alert when the error carries
// one, and moves the connection into StateError.
func (c *Conn) fail(err error) error {
	if alert, ok := err.(*AlertError); ok {
		c.sendAlert(alert.Level, alert.Description)
	}
	c.err = err
	c.setState(StateError)
	return err
}

// Handshake runs the full TLS 1.2 handshake. It must be called once,
// before Send or Recv.
func (c *Conn) Handshake() error {
	if c.state != StateInit {
		return fmt.Errorf("handshake already started in state %s", c.state)
	}

	clientRandom, err := newClientRandom()
	if err != nil {
		return c.fail(err)
	}

	hello, err := marshalClientHello(clientRandom, c.config.ServerName)
	if err != nil {
		return c.fail(err)
	}
	if err := c.writeHandshake(hello); err != nil {
		return c.fail(err)
	}
	c.setState(StateClientHelloSent)

	serverHello, err := c.readServerHello()
	if err != nil {
		return c.fail(err)
	}
	c.suite = serverHello.cipherSuite
	c.keys = NewKeySchedule(c.suite, clientRandom, serverHello.random)
	c.logger.Debug("cipher suite negotiated", zap.Uint16("suite", c.suite))
	c.setState(StateServerHelloReceived)

	publicKey, err := c.readCertificate()
	if err != nil {
		return c.fail(err)
	}
	c.setState(StateCertificateReceived)

	if err := c.readServerHelloDone(); err != nil {
		return c.fail(err)
	}
	c.setState(StateServerHelloDoneReceived)

	if err := c.sendKeyExchange(publicKey); err != nil {
		return c.fail(err)
	}
	c.setState(StateClientKeyExchangeSent)

	if err := c.writeRecord(recordTypeChangeCipherSpec, []byte{1}); err != nil {
		return c.fail(err)
	}
	c.writeCipher = c.pendingWrite
	c.writeSeq = 0
	c.setState(StateChangeCipherSpecSent)

	if err := c.sendFinished(); err != nil {
		return c.fail(err)
	}
	c.setState(StateFinishedSent)

	if err := c.readServerFinished(); err != nil {
		return c.fail(err)
	}
	c.setState(StateEstablished)
	c.logger.Info("handshake complete", zap.Uint16("suite", c.suite))
	return nil
}

// writeRecord protects (when a write cipher is active) and sends one
// record.
func (c *Conn) writeRecord(recType uint8, payload []byte) error {
	if c.writeCipher != nil {
		protected, err := c.writeCipher.Encrypt(c.writeSeq, recType, payload)
		if err != nil {
			return err
		}
		c.writeSeq++
		payload = protected
	}
	frame := marshalRecord(recType, payload)
	for len(frame) > 0 {
		n, err := c.stream.Send(frame)
		if err != nil {
			return fmt.Errorf("sending record: %w", err)
		}
		frame = frame[n:]
		if n == 0 {
			c.stream.Pump()
		}
	}
	return nil
}

// writeHandshake sends a handshake message and folds it into the
// transcript.
func (c *Conn) writeHandshake(msg []byte) error {
	c.transcript.Write(msg)
	return c.writeRecord(recordTypeHandshake, msg)
}

// nextRecord reads and, once the read cipher is active, decrypts the
// next record. Alerts are consumed here and surfaced as errors.
func (c *Conn) nextRecord() (*Record, error) {
	rec, err := c.reader.readRecord()
	if err != nil {
		return nil, err
	}
	if c.readCipher != nil {
		plaintext, err := c.readCipher.Decrypt(c.readSeq, rec.Type, rec.Payload)
		if err != nil {
			return nil, err
		}
		c.readSeq++
		rec.Payload = plaintext
	}
	if rec.Type == recordTypeAlert {
		return nil, c.handleAlert(rec.Payload)
	}
	return rec, nil
}

// handleAlert turns a received alert record into an error. A
// close_notify marks the connection closed.
func (c *Conn) handleAlert(payload []byte) error {
	if len(payload) != 2 {
		return alertError(alertDecodeError, "alert record with length %d", len(payload))
	}
	level, description := payload[0], payload[1]
	if description == alertCloseNotify {
		c.logger.Debug("peer sent close_notify")
		c.closed = true
		return ErrClosed
	}
	c.logger.Warn("received alert",
		zap.Uint8("level", level),
		zap.String("description", alertDescriptionString(description)))
	return &AlertError{
		Level:       level,
		Description: description,
		Message:     "received alert from peer",
	}
}

// readHandshakeMessage returns the next handshake message, reading
// additional records as needed. Handshake messages may span records
// and several may share one record.
func (c *Conn) readHandshakeMessage() (HandshakeType, []byte, error) {
	for {
		if len(c.handshakeBuf) >= 4 {
			length := int(c.handshakeBuf[1])<<16 | int(c.handshakeBuf[2])<<8 | int(c.handshakeBuf[3])
			if len(c.handshakeBuf) >= 4+length {
				msgType, body, full, rest, err := parseHandshakeMessage(c.handshakeBuf)
				if err != nil {
					return 0, nil, err
				}
				c.transcript.Write(full)
				c.handshakeBuf = rest
				c.logger.Debug("handshake message received",
					zap.Stringer("type", msgType),
					zap.Int("length", len(body)))
				return msgType, body, nil
			}
		}
		rec, err := c.nextRecord()
		if err != nil {
			return 0, nil, err
		}
		if rec.Type != recordTypeHandshake {
			return 0, nil, alertError(alertUnexpectedMessage, "expected handshake record, got type %d", rec.Type)
		}
		c.handshakeBuf = append(c.handshakeBuf, rec.Payload...)
	}
}

func (c *Conn) expectHandshake(want HandshakeType) ([]byte, error) {
	msgType, body, err := c.readHandshakeMessage()
	if err != nil {
		return nil, err
	}
	if msgType != want {
		return nil, alertError(alertUnexpectedMessage, "expected %s, got %s", want, msgType)
	}
	return body, nil
}

func (c *Conn) readServerHello() (*serverHello, error) {
	body, err := c.expectHandshake(typeServerHello)
	if err != nil {
		return nil, err
	}
	return parseServerHello(body)
}

func (c *Conn) readCertificate() (*rsa.PublicKey, error) {
	body, err := c.expectHandshake(typeCertificate)
	if err != nil {
		return nil, err
	}
	der, err := parseCertificateMsg(body)
	if err != nil {
		return nil, err
	}
	publicKey, err := ExtractRSAPublicKey(der)
	if err != nil {
		return nil, err
	}
	// The chain is not verified and the certificate is not matched
	// against ServerName. This client must not be pointed at
	// untrusted peers.
	c.logger.Warn("certificate accepted without validation",
		zap.Int("der_bytes", len(der)),
		zap.Int("rsa_bits", publicKey.N.BitLen()))
	return publicKey, nil
}

func (c *Conn) readServerHelloDone() error {
	body, err := c.expectHandshake(typeServerHelloDone)
	if err != nil {
		return err
	}
	if len(body) != 0 {
		return alertError(alertDecodeError, "ServerHelloDone with %d body bytes", len(body))
	}
	return nil
}

// sendKeyExchange generates the premaster secret, encrypts it to the
// server's RSA key and derives the connection keys.
func (c *Conn) sendKeyExchange(publicKey *rsa.PublicKey) error {
	preMaster := make([]byte, preMasterLength)
	preMaster[0] = 0x03
	preMaster[1] = 0x03
	if _, err := rand.Read(preMaster[2:]); err != nil {
		return fmt.Errorf("generating premaster secret: %w", err)
	}

	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, publicKey, preMaster)
	if err != nil {
		return fmt.Errorf("encrypting premaster secret: %w", err)
	}
	if err := c.writeHandshake(marshalClientKeyExchange(encrypted)); err != nil {
		return err
	}

	c.keys.DeriveMasterSecret(preMaster)
	keyMaterial, err := c.keys.DeriveKeys()
	if err != nil {
		return err
	}
	write, read, err := NewCipherPair(c.suite, keyMaterial, true)
	if err != nil {
		return err
	}
	c.pendingWrite, c.pendingRead = write, read
	return nil
}

// sendFinished sends the Finished message as the first record under
// the new write cipher.
func (c *Conn) sendFinished() error {
	verifyData := c.keys.DeriveFinishedData(c.transcript.Sum(nil), true)
	return c.writeHandshake(marshalFinished(verifyData))
}

// readServerFinished consumes the server ChangeCipherSpec, switches
// on the read cipher and verifies the server Finished against the
// transcript.
func (c *Conn) readServerFinished() error {
	rec, err := c.nextRecord()
	if err != nil {
		return err
	}
	if rec.Type != recordTypeChangeCipherSpec {
		return alertError(alertUnexpectedMessage, "expected ChangeCipherSpec, got record type %d", rec.Type)
	}
	if len(rec.Payload) != 1 || rec.Payload[0] != 1 {
		return alertError(alertDecodeError, "malformed ChangeCipherSpec")
	}
	c.readCipher = c.pendingRead
	c.readSeq = 0

	// The expected verify data covers the transcript up to but not
	// including the server Finished itself.
	expected := c.keys.DeriveFinishedData(c.transcript.Sum(nil), false)
	body, err := c.expectHandshake(typeFinished)
	if err != nil {
		return err
	}
	if len(body) != verifyDataLength || !hmac.Equal(body, expected) {
		return alertError(alertDecryptError, "server Finished verification failed")
	}
	return nil
}

// Send encrypts and transmits application data, fragmenting as
// needed. It returns the number of plaintext bytes written.
func (c *Conn) Send(data []byte) (int, error) {
	if !c.IsConnected() {
		if c.closed {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("connection not established (state %s)", c.state)
	}
	sent := 0
	for sent < len(data) {
		chunk := data[sent:]
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		if err := c.writeRecord(recordTypeApplicationData, chunk); err != nil {
			return sent, c.fail(err)
		}
		sent += len(chunk)
	}
	return sent, nil
}

// Recv reads records until application data arrives or the poll
// budget is exhausted. After the peer closes the connection it
// returns ErrClosed.
func (c *Conn) Recv() ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.state != StateEstablished {
		return nil, fmt.Errorf("connection not established (state %s)", c.state)
	}
	for {
		rec, err := c.nextRecord()
		if err != nil {
			if err == ErrClosed || err == ErrReadTimeout {
				return nil, err
			}
			return nil, c.fail(err)
		}
		switch rec.Type {
		case recordTypeApplicationData:
			if len(rec.Payload) == 0 {
				continue
			}
			return rec.Payload, nil
		case recordTypeHandshake:
			// Renegotiation is not supported.
			return nil, c.fail(alertError(alertUnexpectedMessage, "unexpected handshake record after handshake"))
		default:
			return nil, c.fail(alertError(alertUnexpectedMessage, "unexpected record type %d", rec.Type))
		}
	}
}

// sendAlert makes a best-effort attempt to send an alert record.
func (c *Conn) sendAlert(level, description uint8) {
	if level == 0 {
		level = alertLevelFatal
	}
	if err := c.writeRecord(recordTypeAlert, []byte{level, description}); err != nil {
		c.logger.Debug("failed to send alert", zap.Error(err))
	}
}

// Close sends a close_notify and marks the connection closed. The
// underlying stream is left to the caller.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	if c.state == StateEstablished {
		c.sendAlert(alertLevelWarning, alertCloseNotify)
	}
	c.closed = true
	return nil
}
