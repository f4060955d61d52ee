package keychain

import "github.com/go-faster/errors"

// Verification failures. Verify collapses all of them into an empty
// permission set; Check returns them for in-process diagnostics.
var (
	// ErrMalformedToken is returned when a token does not match the grammar.
	ErrMalformedToken = errors.New("malformed token")
	// ErrUnsupportedScheme is returned when no scheme matches the token shape.
	ErrUnsupportedScheme = errors.New("unsupported token scheme")
	// ErrUnknownKey is returned when the token references no registered key.
	ErrUnknownKey = errors.New("unknown key")
	// ErrInvalidSignature is returned when the token signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrExpired is returned when the token expiry is not after the current time.
	ErrExpired = errors.New("token expired")
)

// ErrInvalidKey is returned when key material cannot back the requested scheme.
var ErrInvalidKey = errors.New("invalid key")
