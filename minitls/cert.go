package minitls

import (
	"bytes"
	"crypto/rsa"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// oidRSAEncryption is 1.2.840.113549.1.1.1.
var oidRSAEncryption = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01}

// ExtractRSAPublicKey pulls the RSA public key out of a DER-encoded
// X.509 certificate. Only the SubjectPublicKeyInfo is examined; the
// signature, validity period and subject are not checked here.
func ExtractRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	input := cryptobyte.String(der)

	var cert cryptobyte.String
	if !input.ReadASN1(&cert, cryptobyte_asn1.SEQUENCE) {
		return nil, alertError(alertBadCertificate, "certificate is not a DER sequence")
	}

	var tbs cryptobyte.String
	if !cert.ReadASN1(&tbs, cryptobyte_asn1.SEQUENCE) {
		return nil, alertError(alertBadCertificate, "certificate missing tbsCertificate")
	}

	// version is an optional [0] EXPLICIT field.
	var version cryptobyte.String
	tbs.ReadOptionalASN1(&version, nil, cryptobyte_asn1.Tag(0).Constructed().ContextSpecific())

	// serialNumber, signature, issuer, validity, subject.
	for _, tag := range []cryptobyte_asn1.Tag{
		cryptobyte_asn1.INTEGER,
		cryptobyte_asn1.SEQUENCE,
		cryptobyte_asn1.SEQUENCE,
		cryptobyte_asn1.SEQUENCE,
		cryptobyte_asn1.SEQUENCE,
	} {
		var skipped cryptobyte.String
		if !tbs.ReadASN1(&skipped, tag) {
			return nil, alertError(alertBadCertificate, "certificate tbsCertificate malformed")
		}
	}

	var spki cryptobyte.String
	if !tbs.ReadASN1(&spki, cryptobyte_asn1.SEQUENCE) {
		return nil, alertError(alertBadCertificate, "certificate missing subjectPublicKeyInfo")
	}

	var algorithm cryptobyte.String
	if !spki.ReadASN1(&algorithm, cryptobyte_asn1.SEQUENCE) {
		return nil, alertError(alertBadCertificate, "subjectPublicKeyInfo missing algorithm")
	}
	var oid cryptobyte.String
	if !algorithm.ReadASN1(&oid, cryptobyte_asn1.OBJECT_IDENTIFIER) {
		return nil, alertError(alertBadCertificate, "algorithm identifier missing OID")
	}
	if !bytes.Equal(oid, oidRSAEncryption) {
		return nil, alertError(alertUnsupportedCertificate, "certificate public key is not RSA")
	}

	var keyBits cryptobyte.String
	if !spki.ReadASN1(&keyBits, cryptobyte_asn1.BIT_STRING) || len(keyBits) < 1 || keyBits[0] != 0 {
		return nil, alertError(alertBadCertificate, "subjectPublicKeyInfo key bit string malformed")
	}
	key := cryptobyte.String(keyBits[1:])

	var rsaKey cryptobyte.String
	if !key.ReadASN1(&rsaKey, cryptobyte_asn1.SEQUENCE) {
		return nil, alertError(alertBadCertificate, "RSA public key is not a sequence")
	}
	modulus := new(big.Int)
	exponent := new(big.Int)
	if !rsaKey.ReadASN1Integer(modulus) || !rsaKey.ReadASN1Integer(exponent) {
		return nil, alertError(alertBadCertificate, "RSA public key integers malformed")
	}
	if modulus.Sign() <= 0 || !exponent.IsInt64() || exponent.Int64() < 3 {
		return nil, alertError(alertBadCertificate, "RSA public key values out of range")
	}

	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}, nil
}
