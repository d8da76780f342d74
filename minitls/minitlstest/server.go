// Package minitlstest provides a scripted, in-memory TLS 1.2 server
// for exercising the client without sockets or goroutines. The server
// advances only when pumped, so tests stay single-threaded and
// deterministic.
package minitlstest

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"hash"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"tinystack/minitls"
)

const (
	recordHeaderSize = 5

	recordTypeChangeCipherSpec = 20
	recordTypeAlert            = 21
	recordTypeHandshake        = 22
	recordTypeApplicationData  = 23

	typeClientHello       = 1
	typeServerHello       = 2
	typeCertificate       = 11
	typeServerHelloDone   = 14
	typeClientKeyExchange = 16
	typeFinished          = 20

	alertCloseNotify = 0
)

// Config adjusts server behavior. Zero values give a well-behaved
// server negotiating AES-128-GCM.
type Config struct {
	// CipherSuite to select. Defaults to
	// minitls.TLS_RSA_WITH_AES_128_GCM_SHA256.
	CipherSuite uint16

	// HelloVersion overrides the version in the ServerHello, for
	// driving the client's version check.
	HelloVersion uint16

	// ForceSuite, when nonzero, is selected even if the client did
	// not offer it.
	ForceSuite uint16
}

// Server is a minimal TLS 1.2 server over in-memory byte queues.
type Server struct {
	cfg     Config
	key     *rsa.PrivateKey
	certDER []byte

	inbound  bytes.Buffer // client -> server
	outbound bytes.Buffer // server -> client

	phase        int
	transcript   hash.Hash
	handshakeBuf []byte
	keys         *minitls.KeySchedule
	clientRandom []byte
	serverRandom []byte
	suite        uint16

	writeCipher minitls.RecordCipher
	readCipher  minitls.RecordCipher
	pendingRead minitls.RecordCipher
	writeActive bool
	writeSeq    uint64
	readSeq     uint64

	// Received holds the application data records decrypted so far.
	Received [][]byte

	closed bool
	err    error
}

const (
	phaseClientHello = iota
	phaseClientKeyExchange
	phaseChangeCipherSpec
	phaseFinished
	phaseEstablished
)

// NewServer generates a fresh RSA key and self-signed certificate.
func NewServer(cfg Config) (*Server, error) {
	if cfg.CipherSuite == 0 {
		cfg.CipherSuite = minitls.TLS_RSA_WITH_AES_128_GCM_SHA256
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating server key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "minitlstest"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating server certificate: %w", err)
	}
	return &Server{
		cfg:        cfg,
		key:        key,
		certDER:    certDER,
		transcript: sha256.New(),
	}, nil
}

// Err returns the first protocol error the server hit, if any.
func (s *Server) Err() error {
	return s.err
}

// Established reports whether the server finished its handshake.
func (s *Server) Established() bool {
	return s.phase == phaseEstablished
}

// Closed reports whether the client sent close_notify.
func (s *Server) Closed() bool {
	return s.closed
}

// ClientStream returns the client-side view of the connection.
// Pumping the stream lets the server consume queued bytes and
// respond.
func (s *Server) ClientStream() minitls.Stream {
	return (*clientStream)(s)
}

type clientStream Server

func (c *clientStream) Send(p []byte) (int, error) {
	(*Server)(c).inbound.Write(p)
	return len(p), nil
}

func (c *clientStream) Recv(max int) ([]byte, error) {
	s := (*Server)(c)
	if s.outbound.Len() == 0 {
		return nil, nil
	}
	if max > s.outbound.Len() {
		max = s.outbound.Len()
	}
	out := make([]byte, max)
	s.outbound.Read(out)
	return out, nil
}

func (c *clientStream) Pump() {
	(*Server)(c).step()
}

// step consumes every complete record queued so far.
func (s *Server) step() {
	for s.err == nil {
		rec, payload, ok := s.popRecord()
		if !ok {
			return
		}
		if err := s.handleRecord(rec, payload); err != nil {
			s.err = err
			return
		}
	}
}

func (s *Server) popRecord() (recType uint8, payload []byte, ok bool) {
	buf := s.inbound.Bytes()
	if len(buf) < recordHeaderSize {
		return 0, nil, false
	}
	length := int(binary.BigEndian.Uint16(buf[3:5]))
	if len(buf) < recordHeaderSize+length {
		return 0, nil, false
	}
	recType = buf[0]
	payload = make([]byte, length)
	copy(payload, buf[recordHeaderSize:recordHeaderSize+length])
	s.inbound.Next(recordHeaderSize + length)
	return recType, payload, true
}

func (s *Server) handleRecord(recType uint8, payload []byte) error {
	if s.readCipher != nil {
		plaintext, err := s.readCipher.Decrypt(s.readSeq, recType, payload)
		if err != nil {
			return fmt.Errorf("decrypting record: %w", err)
		}
		s.readSeq++
		payload = plaintext
	}

	switch recType {
	case recordTypeHandshake:
		s.handshakeBuf = append(s.handshakeBuf, payload...)
		return s.drainHandshake()
	case recordTypeChangeCipherSpec:
		if s.phase != phaseChangeCipherSpec {
			return fmt.Errorf("unexpected ChangeCipherSpec in phase %d", s.phase)
		}
		return s.handleChangeCipherSpec(payload)
	case recordTypeApplicationData:
		if s.phase != phaseEstablished {
			return fmt.Errorf("application data in phase %d", s.phase)
		}
		s.Received = append(s.Received, payload)
		// Echo the data back.
		return s.writeRecord(recordTypeApplicationData, payload)
	case recordTypeAlert:
		if len(payload) == 2 && payload[1] == alertCloseNotify {
			s.closed = true
			return nil
		}
		return fmt.Errorf("client alert: % x", payload)
	default:
		return fmt.Errorf("unexpected record type %d", recType)
	}
}

func (s *Server) drainHandshake() error {
	for len(s.handshakeBuf) >= 4 {
		length := int(s.handshakeBuf[1])<<16 | int(s.handshakeBuf[2])<<8 | int(s.handshakeBuf[3])
		if len(s.handshakeBuf) < 4+length {
			return nil
		}
		msgType := s.handshakeBuf[0]
		full := s.handshakeBuf[:4+length]
		body := full[4:]
		if err := s.handleHandshake(msgType, body, full); err != nil {
			return err
		}
		s.handshakeBuf = s.handshakeBuf[4+length:]
	}
	return nil
}

func (s *Server) handleHandshake(msgType uint8, body, full []byte) error {
	switch {
	case s.phase == phaseClientHello && msgType == typeClientHello:
		s.transcript.Write(full)
		return s.handleClientHello(body)
	case s.phase == phaseClientKeyExchange && msgType == typeClientKeyExchange:
		s.transcript.Write(full)
		return s.handleClientKeyExchange(body)
	case s.phase == phaseFinished && msgType == typeFinished:
		return s.handleClientFinished(body, full)
	default:
		return fmt.Errorf("unexpected handshake type %d in phase %d", msgType, s.phase)
	}
}

func (s *Server) handleClientHello(body []byte) error {
	str := cryptobyte.String(body)

	var version uint16
	if !str.ReadUint16(&version) {
		return fmt.Errorf("ClientHello truncated")
	}
	s.clientRandom = make([]byte, 32)
	if !str.ReadBytes(&s.clientRandom, 32) {
		return fmt.Errorf("ClientHello missing random")
	}
	var sessionID, suites cryptobyte.String
	if !str.ReadUint8LengthPrefixed(&sessionID) || !str.ReadUint16LengthPrefixed(&suites) {
		return fmt.Errorf("ClientHello missing cipher suites")
	}

	s.suite = s.cfg.CipherSuite
	if s.cfg.ForceSuite != 0 {
		s.suite = s.cfg.ForceSuite
	} else {
		offered := false
		for !suites.Empty() {
			var suite uint16
			if !suites.ReadUint16(&suite) {
				return fmt.Errorf("ClientHello cipher suites malformed")
			}
			if suite == s.suite {
				offered = true
			}
		}
		if !offered {
			return fmt.Errorf("client did not offer suite 0x%04x", s.suite)
		}
	}

	s.serverRandom = make([]byte, 32)
	if _, err := rand.Read(s.serverRandom); err != nil {
		return err
	}
	s.keys = minitls.NewKeySchedule(s.suite, s.clientRandom, s.serverRandom)

	helloVersion := uint16(0x0303)
	if s.cfg.HelloVersion != 0 {
		helloVersion = s.cfg.HelloVersion
	}

	var b cryptobyte.Builder
	b.AddUint16(helloVersion)
	b.AddBytes(s.serverRandom)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {})
	b.AddUint16(s.suite)
	b.AddUint8(0)
	serverHello, err := b.Bytes()
	if err != nil {
		return err
	}
	if err := s.writeHandshake(typeServerHello, serverHello); err != nil {
		return err
	}

	cert := make([]byte, 6+len(s.certDER))
	putUint24(cert[0:3], 3+len(s.certDER))
	putUint24(cert[3:6], len(s.certDER))
	copy(cert[6:], s.certDER)
	if err := s.writeHandshake(typeCertificate, cert); err != nil {
		return err
	}

	if err := s.writeHandshake(typeServerHelloDone, nil); err != nil {
		return err
	}

	s.phase = phaseClientKeyExchange
	return nil
}

func (s *Server) handleClientKeyExchange(body []byte) error {
	if len(body) < 2 {
		return fmt.Errorf("ClientKeyExchange truncated")
	}
	length := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) != 2+length {
		return fmt.Errorf("ClientKeyExchange length mismatch")
	}
	preMaster, err := rsa.DecryptPKCS1v15(rand.Reader, s.key, body[2:])
	if err != nil {
		return fmt.Errorf("decrypting premaster secret: %w", err)
	}
	if len(preMaster) != 48 || preMaster[0] != 0x03 || preMaster[1] != 0x03 {
		return fmt.Errorf("malformed premaster secret")
	}

	s.keys.DeriveMasterSecret(preMaster)
	keyMaterial, err := s.keys.DeriveKeys()
	if err != nil {
		return err
	}
	write, read, err := minitls.NewCipherPair(s.suite, keyMaterial, false)
	if err != nil {
		return err
	}
	// Neither cipher is active yet: the write side turns on after
	// the client Finished is verified, the read side when the
	// client's ChangeCipherSpec arrives.
	s.writeCipher = write
	s.pendingRead = read

	s.phase = phaseChangeCipherSpec
	return nil
}

func (s *Server) handleChangeCipherSpec(payload []byte) error {
	if len(payload) != 1 || payload[0] != 1 {
		return fmt.Errorf("malformed ChangeCipherSpec")
	}
	s.readCipher = s.pendingRead
	s.readSeq = 0
	s.phase = phaseFinished
	return nil
}

func (s *Server) handleClientFinished(body, full []byte) error {
	expected := s.keys.DeriveFinishedData(s.transcript.Sum(nil), true)
	if len(body) != 12 || !hmac.Equal(body, expected) {
		return fmt.Errorf("client Finished verification failed")
	}
	s.transcript.Write(full)

	if err := s.writeRecord(recordTypeChangeCipherSpec, []byte{1}); err != nil {
		return err
	}
	s.writeSeq = 0
	s.writeActive = true

	verifyData := s.keys.DeriveFinishedData(s.transcript.Sum(nil), false)
	if err := s.writeHandshake(typeFinished, verifyData); err != nil {
		return err
	}

	s.phase = phaseEstablished
	return nil
}

func (s *Server) writeHandshake(msgType uint8, body []byte) error {
	msg := make([]byte, 4+len(body))
	msg[0] = msgType
	putUint24(msg[1:4], len(body))
	copy(msg[4:], body)
	s.transcript.Write(msg)
	return s.writeRecord(recordTypeHandshake, msg)
}

func (s *Server) writeRecord(recType uint8, payload []byte) error {
	if s.writeActive {
		protected, err := s.writeCipher.Encrypt(s.writeSeq, recType, payload)
		if err != nil {
			return err
		}
		s.writeSeq++
		payload = protected
	}
	header := make([]byte, recordHeaderSize)
	header[0] = recType
	binary.BigEndian.PutUint16(header[1:3], 0x0303)
	binary.BigEndian.PutUint16(header[3:5], uint16(len(payload)))
	s.outbound.Write(header)
	s.outbound.Write(payload)
	return nil
}

func putUint24(dst []byte, v int) {
	dst[0] = byte(v >> 16)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v)
}
