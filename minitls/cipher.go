package minitls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Record protection for the two supported suites, RFC 5246 Section
// 6.2.3. A RecordCipher protects one direction; sequence numbers are
// owned by the caller so the same implementation serves both ends of a
// connection (and the test server).

const (
	macSize      = sha256.Size
	aesBlockSize = 16
	gcmTagSize   = 16
	gcmExplicit  = 8
)

// RecordCipher applies or removes per-record protection. The sequence
// number is the record count in the direction this cipher protects;
// (key, nonce) uniqueness over the session depends on the caller never
// reusing one.
type RecordCipher interface {
	// Encrypt protects plaintext and returns the record payload.
	Encrypt(seq uint64, contentType uint8, plaintext []byte) ([]byte, error)
	// Decrypt removes protection from a record payload.
	Decrypt(seq uint64, contentType uint8, payload []byte) ([]byte, error)
}

// NewCipherPair builds the write and read ciphers for one side of a
// session from the derived key material.
func NewCipherPair(suite uint16, km *KeyMaterial, isClient bool) (write, read RecordCipher, err error) {
	ownKey, ownIV, ownMAC := km.ClientKey, km.ClientIV, km.ClientMACKey
	peerKey, peerIV, peerMAC := km.ServerKey, km.ServerIV, km.ServerMACKey
	if !isClient {
		ownKey, ownIV, ownMAC, peerKey, peerIV, peerMAC = peerKey, peerIV, peerMAC, ownKey, ownIV, ownMAC
	}

	switch suite {
	case TLS_RSA_WITH_AES_128_GCM_SHA256:
		write, err = newGCMCipher(ownKey, ownIV)
		if err != nil {
			return nil, nil, err
		}
		read, err = newGCMCipher(peerKey, peerIV)
		if err != nil {
			return nil, nil, err
		}
	case TLS_RSA_WITH_AES_128_CBC_SHA256:
		write, err = newCBCCipher(ownKey, ownMAC)
		if err != nil {
			return nil, nil, err
		}
		read, err = newCBCCipher(peerKey, peerMAC)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unsupported cipher suite: 0x%04x", suite)
	}
	return write, read, nil
}

// additionalData builds the 13-byte MAC/AAD input:
// seq_num(8) + type(1) + version(2) + length(2)
func additionalData(seq uint64, contentType uint8, length int) []byte {
	ad := make([]byte, 13)
	binary.BigEndian.PutUint64(ad[0:8], seq)
	ad[8] = contentType
	binary.BigEndian.PutUint16(ad[9:11], VersionTLS12)
	binary.BigEndian.PutUint16(ad[11:13], uint16(length))
	return ad
}

// gcmCipher is AES-128-GCM record protection per RFC 5288.
type gcmCipher struct {
	aead       cipher.AEAD
	implicitIV []byte // 4-byte salt from the key block
}

func newGCMCipher(key, implicitIV []byte) (*gcmCipher, error) {
	if len(implicitIV) != 4 {
		return nil, fmt.Errorf("invalid implicit IV length: %d", len(implicitIV))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	iv := make([]byte, 4)
	copy(iv, implicitIV)
	return &gcmCipher{aead: aead, implicitIV: iv}, nil
}

func (g *gcmCipher) Encrypt(seq uint64, contentType uint8, plaintext []byte) ([]byte, error) {
	// nonce = implicit_iv(4) || explicit(8), explicit = sequence number
	nonce := make([]byte, 12)
	copy(nonce[0:4], g.implicitIV)
	binary.BigEndian.PutUint64(nonce[4:12], seq)

	ad := additionalData(seq, contentType, len(plaintext))
	sealed := g.aead.Seal(nil, nonce, plaintext, ad)

	// record payload = explicit_nonce(8) || ciphertext || tag(16)
	payload := make([]byte, gcmExplicit+len(sealed))
	binary.BigEndian.PutUint64(payload[0:gcmExplicit], seq)
	copy(payload[gcmExplicit:], sealed)
	return payload, nil
}

func (g *gcmCipher) Decrypt(seq uint64, contentType uint8, payload []byte) ([]byte, error) {
	if len(payload) < gcmExplicit+gcmTagSize {
		return nil, alertError(alertDecodeError, "GCM record too short: %d bytes", len(payload))
	}

	nonce := make([]byte, 12)
	copy(nonce[0:4], g.implicitIV)
	copy(nonce[4:12], payload[0:gcmExplicit])

	// AAD carries the plaintext length, not the payload length
	plaintextLen := len(payload) - gcmExplicit - gcmTagSize
	ad := additionalData(seq, contentType, plaintextLen)

	plaintext, err := g.aead.Open(nil, nonce, payload[gcmExplicit:], ad)
	if err != nil {
		return nil, &AlertError{
			Level:       alertLevelFatal,
			Description: alertBadRecordMAC,
			Message:     "AEAD decryption failed",
			Err:         err,
		}
	}
	return plaintext, nil
}

// cbcCipher is AES-128-CBC with HMAC-SHA256, MAC-then-encrypt per
// RFC 5246 Section 6.2.3.2 with an explicit per-record IV.
type cbcCipher struct {
	block  cipher.Block
	macKey []byte
}

func newCBCCipher(key, macKey []byte) (*cbcCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	mk := make([]byte, len(macKey))
	copy(mk, macKey)
	return &cbcCipher{block: block, macKey: mk}, nil
}

func (c *cbcCipher) computeMAC(seq uint64, contentType uint8, plaintext []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(additionalData(seq, contentType, len(plaintext)))
	mac.Write(plaintext)
	return mac.Sum(nil)
}

func (c *cbcCipher) Encrypt(seq uint64, contentType uint8, plaintext []byte) ([]byte, error) {
	mac := c.computeMAC(seq, contentType, plaintext)

	// plaintext || MAC || padding, padded so the total is a multiple of
	// the block size; the pad bytes (including the final length byte)
	// all hold pad_length - 1.
	content := make([]byte, 0, len(plaintext)+macSize+aesBlockSize)
	content = append(content, plaintext...)
	content = append(content, mac...)
	padLen := aesBlockSize - len(content)%aesBlockSize
	for i := 0; i < padLen; i++ {
		content = append(content, byte(padLen-1))
	}

	iv := make([]byte, aesBlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate record IV: %w", err)
	}

	ciphertext := make([]byte, len(content))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, content)

	// record payload = IV(16) || ciphertext
	payload := make([]byte, 0, aesBlockSize+len(ciphertext))
	payload = append(payload, iv...)
	payload = append(payload, ciphertext...)
	return payload, nil
}

func (c *cbcCipher) Decrypt(seq uint64, contentType uint8, payload []byte) ([]byte, error) {
	// Minimum: IV + one block holding MAC fragment + padding
	if len(payload) < 2*aesBlockSize || (len(payload)-aesBlockSize)%aesBlockSize != 0 {
		return nil, alertError(alertDecodeError, "CBC record length invalid: %d bytes", len(payload))
	}

	iv := payload[:aesBlockSize]
	content := make([]byte, len(payload)-aesBlockSize)
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(content, payload[aesBlockSize:])

	// Strip padding: final byte is pad_length - 1, preceding pad bytes
	// must match it. Padding and MAC failures report identically.
	padVal := content[len(content)-1]
	padLen := int(padVal) + 1
	if padLen > len(content)-macSize {
		return nil, alertError(alertBadRecordMAC, "bad record padding")
	}
	for _, b := range content[len(content)-padLen:] {
		if b != padVal {
			return nil, alertError(alertBadRecordMAC, "bad record padding")
		}
	}
	content = content[:len(content)-padLen]

	if len(content) < macSize {
		return nil, alertError(alertBadRecordMAC, "record shorter than MAC")
	}
	plaintext := content[:len(content)-macSize]
	gotMAC := content[len(content)-macSize:]

	wantMAC := c.computeMAC(seq, contentType, plaintext)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, alertError(alertBadRecordMAC, "record MAC mismatch")
	}
	return plaintext, nil
}
