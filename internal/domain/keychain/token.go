package keychain

import (
	"strconv"
	"strings"
	"time"
)

// token is a parsed bearer token:
//
//	hmac.<id>.<base64 mac>[.<base36 expiry>]
//	<base64 spki>.key.<base64 signature>.<base36 expiry>
type token struct {
	scheme    Scheme
	subject   string
	signature string
	expiry    string
}

func parseToken(s string) (token, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 3 || len(parts) > 4 {
		return token{}, ErrMalformedToken
	}

	t := token{subject: parts[1], signature: parts[2]}
	if len(parts) == 4 {
		t.expiry = parts[3]
	}
	switch {
	case parts[0] == string(SchemeHMAC):
		t.scheme = SchemeHMAC
	case parts[1] == "key":
		t.scheme = SchemePublic
		t.subject = parts[0]
	default:
		return token{}, ErrUnsupportedScheme
	}
	return t, nil
}

// parseExpiry decodes base36 unix seconds.
func parseExpiry(s string) (int64, error) {
	at, err := strconv.ParseInt(s, 36, 64)
	if err != nil {
		return 0, ErrMalformedToken
	}
	return at, nil
}

// FormatExpiry encodes t as the base36 unix-seconds expiry field.
func FormatExpiry(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 36)
}
