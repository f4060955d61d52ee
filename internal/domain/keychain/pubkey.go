package keychain

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/go-faster/errors"
)

// parsePublicKey decodes a DER SubjectPublicKeyInfo holding an RSA, ECDSA or
// Ed25519 key.
func parsePublicKey(der []byte) (crypto.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "parse public key: %v", err)
	}
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return pub, nil
	default:
		return nil, errors.Wrapf(ErrInvalidKey, "unsupported public key type %T", pub)
	}
}

// verifySignature checks sig over msg. RSA (PKCS #1 v1.5) and ECDSA (ASN.1)
// sign the SHA-256 digest of msg; Ed25519 signs msg itself.
func verifySignature(pub crypto.PublicKey, msg, sig []byte) bool {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) == nil
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(msg)
		return ecdsa.VerifyASN1(k, digest[:], sig)
	case ed25519.PublicKey:
		return ed25519.Verify(k, msg, sig)
	default:
		return false
	}
}
