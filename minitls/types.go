package minitls

// TLS version constants (following Go's crypto/tls conventions)
const (
	VersionTLS12 = 0x0303
)

// Record layer content types
const (
	recordTypeChangeCipherSpec = 20
	recordTypeAlert            = 21
	recordTypeHandshake        = 22
	recordTypeApplicationData  = 23
)

// HandshakeType identifies a handshake protocol message.
type HandshakeType uint8

const (
	typeClientHello       HandshakeType = 1
	typeServerHello       HandshakeType = 2
	typeCertificate       HandshakeType = 11
	typeServerKeyExchange HandshakeType = 12
	typeServerHelloDone   HandshakeType = 14
	typeClientKeyExchange HandshakeType = 16
	typeFinished          HandshakeType = 20
)

func (t HandshakeType) String() string {
	switch t {
	case typeClientHello:
		return "ClientHello"
	case typeServerHello:
		return "ServerHello"
	case typeCertificate:
		return "Certificate"
	case typeServerKeyExchange:
		return "ServerKeyExchange"
	case typeServerHelloDone:
		return "ServerHelloDone"
	case typeClientKeyExchange:
		return "ClientKeyExchange"
	case typeFinished:
		return "Finished"
	default:
		return "unknown"
	}
}

// Supported TLS 1.2 cipher suites: static RSA key exchange with
// AES-128, GCM preferred, CBC+HMAC-SHA256 as fallback.
const (
	TLS_RSA_WITH_AES_128_CBC_SHA256 = 0x003c
	TLS_RSA_WITH_AES_128_GCM_SHA256 = 0x009c
)

// Extension types used in our ClientHello
const (
	extensionServerName          = 0
	extensionSignatureAlgorithms = 13
)

// Signature algorithms
const (
	sigSchemeRSAPKCS1SHA256 = 0x0401
)

// Alert levels
const (
	alertLevelWarning = 1
	alertLevelFatal   = 2
)

// Alert descriptions (RFC 5246, Section 7.2)
const (
	alertCloseNotify            = 0
	alertUnexpectedMessage      = 10
	alertBadRecordMAC           = 20
	alertRecordOverflow         = 22
	alertHandshakeFailure       = 40
	alertBadCertificate         = 42
	alertUnsupportedCertificate = 43
	alertIllegalParameter       = 47
	alertDecodeError            = 50
	alertDecryptError           = 51
	alertProtocolVersion        = 70
	alertInternalError          = 80
)

func alertDescriptionString(d uint8) string {
	switch d {
	case alertCloseNotify:
		return "close_notify"
	case alertUnexpectedMessage:
		return "unexpected_message"
	case alertBadRecordMAC:
		return "bad_record_mac"
	case alertRecordOverflow:
		return "record_overflow"
	case alertHandshakeFailure:
		return "handshake_failure"
	case alertBadCertificate:
		return "bad_certificate"
	case alertUnsupportedCertificate:
		return "unsupported_certificate"
	case alertIllegalParameter:
		return "illegal_parameter"
	case alertDecodeError:
		return "decode_error"
	case alertDecryptError:
		return "decrypt_error"
	case alertProtocolVersion:
		return "protocol_version"
	case alertInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// HandshakeState tracks the client handshake's progress. The states
// advance strictly forward; any protocol failure lands in
// StateError and stays there.
type HandshakeState int

const (
	StateInit HandshakeState = iota
	StateClientHelloSent
	StateServerHelloReceived
	StateCertificateReceived
	StateServerHelloDoneReceived
	StateClientKeyExchangeSent
	StateChangeCipherSpecSent
	StateFinishedSent
	StateEstablished
	StateError
)

func (s HandshakeState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateClientHelloSent:
		return "CLIENT_HELLO_SENT"
	case StateServerHelloReceived:
		return "SERVER_HELLO_RECEIVED"
	case StateCertificateReceived:
		return "CERTIFICATE_RECEIVED"
	case StateServerHelloDoneReceived:
		return "SERVER_HELLO_DONE_RECEIVED"
	case StateClientKeyExchangeSent:
		return "CLIENT_KEY_EXCHANGE_SENT"
	case StateChangeCipherSpecSent:
		return "CHANGE_CIPHER_SPEC_SENT"
	case StateFinishedSent:
		return "FINISHED_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateError:
		return "ERROR"
	default:
		return "unknown"
	}
}
