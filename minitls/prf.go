package minitls

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// TLS 1.2 PRF, RFC 5246 Section 5. Both supported cipher suites hash
// with SHA-256, so P_SHA256 is the only expansion we carry.

// pHash implements the P_hash function from RFC 5246
// P_hash(secret, seed) = HMAC_hash(secret, A(1) + seed) +
//
//	HMAC_hash(secret, A(2) + seed) + ...
//
// where A(0) = seed
//
//	A(i) = HMAC_hash(secret, A(i-1))
func pHash(secret, seed []byte, length int) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(seed)
	a := h.Sum(nil) // A(1)

	result := make([]byte, 0, length)
	for len(result) < length {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)

		todo := len(b)
		if len(result)+todo > length {
			todo = length - len(result)
		}
		result = append(result, b[:todo]...)

		// A(i+1)
		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}

	return result
}

// prf12 implements PRF(secret, label, seed) = P_SHA256(secret, label + seed)
func prf12(secret []byte, label string, seed []byte, length int) []byte {
	labelSeed := make([]byte, len(label)+len(seed))
	copy(labelSeed, label)
	copy(labelSeed[len(label):], seed)

	return pHash(secret, labelSeed, length)
}

// KeyMaterial is the key block sliced per cipher suite. The CBC suite
// fills the MAC keys and 16-byte IVs; the GCM suite leaves the MAC
// keys empty and carries 4-byte implicit IVs.
type KeyMaterial struct {
	ClientMACKey []byte
	ServerMACKey []byte
	ClientKey    []byte
	ServerKey    []byte
	ClientIV     []byte
	ServerIV     []byte
}

// KeySchedule manages TLS 1.2 key derivation for one session.
type KeySchedule struct {
	cipherSuite  uint16
	masterSecret []byte
	clientRandom []byte
	serverRandom []byte
}

// NewKeySchedule creates a key schedule for the negotiated suite and
// the randoms captured verbatim from the hello messages.
func NewKeySchedule(cipherSuite uint16, clientRandom, serverRandom []byte) *KeySchedule {
	ks := &KeySchedule{
		cipherSuite:  cipherSuite,
		clientRandom: make([]byte, len(clientRandom)),
		serverRandom: make([]byte, len(serverRandom)),
	}
	copy(ks.clientRandom, clientRandom)
	copy(ks.serverRandom, serverRandom)
	return ks
}

// DeriveMasterSecret derives the 48-byte master secret:
// master_secret = PRF(pre_master_secret, "master secret",
// ClientHello.random + ServerHello.random)[0..47]
func (ks *KeySchedule) DeriveMasterSecret(preMasterSecret []byte) {
	randomBytes := make([]byte, len(ks.clientRandom)+len(ks.serverRandom))
	copy(randomBytes, ks.clientRandom)
	copy(randomBytes[len(ks.clientRandom):], ks.serverRandom)

	ks.masterSecret = prf12(preMasterSecret, "master secret", randomBytes, 48)
}

// SetMasterSecret installs an already-derived master secret. Used by
// the test server, which derives it from the decrypted premaster.
func (ks *KeySchedule) SetMasterSecret(masterSecret []byte) {
	ks.masterSecret = make([]byte, len(masterSecret))
	copy(ks.masterSecret, masterSecret)
}

// MasterSecret returns the derived master secret.
func (ks *KeySchedule) MasterSecret() []byte {
	return ks.masterSecret
}

// keyBlockLength returns the size of the key block for the suite:
// 128 bytes for CBC (two 32-byte MAC keys, two 16-byte write keys,
// two 16-byte IVs), 40 bytes for GCM (two 16-byte write keys, two
// 4-byte implicit IVs).
func (ks *KeySchedule) keyBlockLength() (int, error) {
	switch ks.cipherSuite {
	case TLS_RSA_WITH_AES_128_CBC_SHA256:
		return 2*32 + 2*16 + 2*16, nil
	case TLS_RSA_WITH_AES_128_GCM_SHA256:
		return 2*16 + 2*4, nil
	default:
		return 0, fmt.Errorf("unsupported cipher suite: 0x%04x", ks.cipherSuite)
	}
}

// DeriveKeys expands the master secret into the per-direction key
// material. Note the seed order: server_random + client_random,
// opposite of the master secret derivation.
func (ks *KeySchedule) DeriveKeys() (*KeyMaterial, error) {
	blockLen, err := ks.keyBlockLength()
	if err != nil {
		return nil, err
	}

	randomBytes := make([]byte, len(ks.serverRandom)+len(ks.clientRandom))
	copy(randomBytes, ks.serverRandom)
	copy(randomBytes[len(ks.serverRandom):], ks.clientRandom)

	keyBlock := prf12(ks.masterSecret, "key expansion", randomBytes, blockLen)

	km := &KeyMaterial{}
	offset := 0
	take := func(n int) []byte {
		out := make([]byte, n)
		copy(out, keyBlock[offset:offset+n])
		offset += n
		return out
	}

	switch ks.cipherSuite {
	case TLS_RSA_WITH_AES_128_CBC_SHA256:
		// client_MAC_key + server_MAC_key + client_write_key +
		// server_write_key + client_write_IV + server_write_IV
		km.ClientMACKey = take(32)
		km.ServerMACKey = take(32)
		km.ClientKey = take(16)
		km.ServerKey = take(16)
		km.ClientIV = take(16)
		km.ServerIV = take(16)
	case TLS_RSA_WITH_AES_128_GCM_SHA256:
		// client_write_key + server_write_key + client_implicit_IV +
		// server_implicit_IV; authentication is built into GCM
		km.ClientKey = take(16)
		km.ServerKey = take(16)
		km.ClientIV = take(4)
		km.ServerIV = take(4)
	}
	return km, nil
}

// DeriveFinishedData computes the 12-byte Finished verify_data:
// verify_data = PRF(master_secret, finished_label, Hash(handshake_messages))[0..11]
func (ks *KeySchedule) DeriveFinishedData(handshakeHash []byte, isClient bool) []byte {
	label := "server finished"
	if isClient {
		label = "client finished"
	}
	return prf12(ks.masterSecret, label, handshakeHash, 12)
}
