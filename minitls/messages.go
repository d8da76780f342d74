package minitls

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

const (
	randomLength     = 32
	verifyDataLength = 12
)

// newClientRandom builds the 32-byte client random: 4 bytes of unix
// time followed by 28 random bytes, per RFC 5246 Section 7.4.1.2.
func newClientRandom() ([]byte, error) {
	random := make([]byte, randomLength)
	binary.BigEndian.PutUint32(random[:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(random[4:]); err != nil {
		return nil, fmt.Errorf("generating client random: %w", err)
	}
	return random, nil
}

// handshakeHeader prepends the 4-byte handshake header (type + 24-bit
// length) to a message body.
func handshakeHeader(msgType HandshakeType, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = uint8(msgType)
	out[1] = uint8(len(body) >> 16)
	out[2] = uint8(len(body) >> 8)
	out[3] = uint8(len(body))
	copy(out[4:], body)
	return out
}

// marshalClientHello builds a ClientHello offering both supported
// suites, with SNI and signature_algorithms extensions.
func marshalClientHello(clientRandom []byte, serverName string) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(VersionTLS12)
	b.AddBytes(clientRandom)
	// Empty session ID: no resumption.
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(TLS_RSA_WITH_AES_128_GCM_SHA256)
		b.AddUint16(TLS_RSA_WITH_AES_128_CBC_SHA256)
	})
	// Null compression only.
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		if serverName != "" {
			b.AddUint16(extensionServerName)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint8(0) // host_name
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(serverName))
					})
				})
			})
		}
		b.AddUint16(extensionSignatureAlgorithms)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(sigSchemeRSAPKCS1SHA256)
			})
		})
	})

	body, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("building ClientHello: %w", err)
	}
	return handshakeHeader(typeClientHello, body), nil
}

// serverHello holds the fields we consume from a ServerHello.
type serverHello struct {
	random      []byte
	cipherSuite uint16
}

// parseServerHello validates the negotiated version and suite. The
// server random is captured verbatim for the key schedule.
func parseServerHello(body []byte) (*serverHello, error) {
	s := cryptobyte.String(body)

	var version uint16
	if !s.ReadUint16(&version) {
		return nil, alertError(alertDecodeError, "ServerHello truncated")
	}
	if version != VersionTLS12 {
		return nil, alertError(alertProtocolVersion, "server selected version 0x%04x, want TLS 1.2", version)
	}

	random := make([]byte, randomLength)
	if !s.ReadBytes(&random, randomLength) {
		return nil, alertError(alertDecodeError, "ServerHello missing random")
	}

	var sessionID cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&sessionID) {
		return nil, alertError(alertDecodeError, "ServerHello missing session ID")
	}

	var suite uint16
	var compression uint8
	if !s.ReadUint16(&suite) || !s.ReadUint8(&compression) {
		return nil, alertError(alertDecodeError, "ServerHello truncated after session ID")
	}
	if suite != TLS_RSA_WITH_AES_128_GCM_SHA256 && suite != TLS_RSA_WITH_AES_128_CBC_SHA256 {
		return nil, alertError(alertHandshakeFailure, "server selected unsupported suite 0x%04x", suite)
	}
	if compression != 0 {
		return nil, alertError(alertHandshakeFailure, "server selected compression %d", compression)
	}

	// Extensions, if present, are ignored.
	return &serverHello{random: random, cipherSuite: suite}, nil
}

// parseCertificateMsg returns the DER encoding of the first (leaf)
// certificate in the chain.
func parseCertificateMsg(body []byte) ([]byte, error) {
	s := cryptobyte.String(body)

	var chain cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&chain) {
		return nil, alertError(alertDecodeError, "Certificate message truncated")
	}

	var leaf cryptobyte.String
	if !chain.ReadUint24LengthPrefixed(&leaf) || len(leaf) == 0 {
		return nil, alertError(alertDecodeError, "Certificate message has empty chain")
	}

	der := make([]byte, len(leaf))
	copy(der, leaf)
	return der, nil
}

// marshalClientKeyExchange wraps the RSA-encrypted premaster secret
// with its 2-byte length prefix.
func marshalClientKeyExchange(encryptedPreMaster []byte) []byte {
	body := make([]byte, 2+len(encryptedPreMaster))
	binary.BigEndian.PutUint16(body[:2], uint16(len(encryptedPreMaster)))
	copy(body[2:], encryptedPreMaster)
	return handshakeHeader(typeClientKeyExchange, body)
}

// marshalFinished wraps the 12-byte verify data.
func marshalFinished(verifyData []byte) []byte {
	return handshakeHeader(typeFinished, verifyData)
}

// parseHandshakeMessage splits one handshake message off the front of
// data, returning its type, body, the full message including the
// 4-byte header (for the transcript), and the remainder.
func parseHandshakeMessage(data []byte) (msgType HandshakeType, body, full, rest []byte, err error) {
	if len(data) < 4 {
		return 0, nil, nil, nil, alertError(alertDecodeError, "handshake message truncated")
	}
	msgType = HandshakeType(data[0])
	length := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	if len(data) < 4+length {
		return 0, nil, nil, nil, alertError(alertDecodeError, "handshake message body truncated: have %d, want %d", len(data)-4, length)
	}
	return msgType, data[4 : 4+length], data[:4+length], data[4+length:], nil
}
