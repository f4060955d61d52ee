package keychain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"slices"
	"time"
)

// Verifier checks bearer tokens against a Registry. It never mutates the
// registry and is safe for concurrent use.
type Verifier struct {
	keys *Registry
	now  func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier resolving keys through keys.
func NewVerifier(keys *Registry, opts ...VerifierOption) *Verifier {
	v := &Verifier{keys: keys, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify returns the permissions granted by token, or an empty set when the
// token is malformed, references an unknown key, carries a bad signature or
// has expired.
func (v *Verifier) Verify(token string) []string {
	perms, err := v.Check(token)
	if err != nil {
		return []string{}
	}
	return perms
}

// Check is Verify with the denial reason. The reason is meant for logs and
// metrics and must not be handed back to the presenter of the token.
func (v *Verifier) Check(raw string) ([]string, error) {
	t, err := parseToken(raw)
	if err != nil {
		return nil, err
	}

	s := v.keys.snapshot()
	var rec *Record
	switch t.scheme {
	case SchemeHMAC:
		rec, err = v.checkHMAC(s, t)
	case SchemePublic:
		rec, err = v.checkPublic(s, t)
	default:
		err = ErrUnsupportedScheme
	}
	if err != nil {
		return nil, err
	}
	return slices.Clone(rec.Permissions), nil
}

// checkHMAC finds the registered secret whose MAC over the token data equals
// the presented one.
func (v *Verifier) checkHMAC(s *snapshot, t token) (*Record, error) {
	data := t.subject
	var expiry int64
	if t.expiry != "" {
		at, err := parseExpiry(t.expiry)
		if err != nil {
			return nil, err
		}
		expiry = at
		data += "/" + t.expiry
	}
	if len(s.hmac) == 0 {
		return nil, ErrUnknownKey
	}

	// Every secret is tried so the time taken does not reveal which one
	// matched. The cost is one MAC per registered hmac key.
	presented := []byte(t.signature)
	var match *Record
	for _, rec := range s.hmac {
		if hmac.Equal(SignHMAC(rec.Material, data), presented) && match == nil {
			match = rec
		}
	}
	if match == nil {
		return nil, ErrInvalidSignature
	}
	if t.expiry != "" && expiry <= v.now().Unix() {
		return nil, ErrExpired
	}
	return match, nil
}

// checkPublic verifies the signature over the literal expiry field with the
// registered public key named by the token.
func (v *Verifier) checkPublic(s *snapshot, t token) (*Record, error) {
	if t.expiry == "" {
		return nil, ErrMalformedToken
	}
	expiry, err := parseExpiry(t.expiry)
	if err != nil {
		return nil, err
	}
	der, err := base64.StdEncoding.DecodeString(t.subject)
	if err != nil {
		return nil, ErrMalformedToken
	}
	sig, err := base64.StdEncoding.DecodeString(t.signature)
	if err != nil {
		return nil, ErrMalformedToken
	}

	rec, ok := s.records[FingerprintOf(SchemePublic, der)]
	if !ok {
		return nil, ErrUnknownKey
	}
	if !verifySignature(rec.pub, []byte(t.expiry), sig) {
		return nil, ErrInvalidSignature
	}
	if expiry <= v.now().Unix() {
		return nil, ErrExpired
	}
	return rec, nil
}

// SignHMAC returns the base64 HMAC-SHA256 of data under secret, the value
// carried in the signature field of hmac tokens.
func SignHMAC(secret []byte, data string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(data))
	return base64.StdEncoding.AppendEncode(nil, mac.Sum(nil))
}
