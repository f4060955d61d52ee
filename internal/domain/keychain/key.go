package keychain

import (
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/go-faster/errors"
)

// Scheme enumerates the supported token authentication schemes.
type Scheme string

const (
	// SchemeHMAC authenticates tokens with an HMAC-SHA256 shared secret.
	SchemeHMAC Scheme = "hmac"
	// SchemePublic authenticates tokens with an asymmetric signature checked
	// against a registered SubjectPublicKeyInfo.
	SchemePublic Scheme = "public"
)

// ParseScheme returns the Scheme named by s.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeHMAC, SchemePublic:
		return Scheme(s), nil
	default:
		return "", errors.Errorf("unknown scheme %q", s)
	}
}

// Fingerprint identifies a key in the registry: the scheme name, a dot, and
// the hex SHA-256 of the key material.
type Fingerprint string

// FingerprintOf computes the registry fingerprint of material under scheme.
func FingerprintOf(scheme Scheme, material []byte) Fingerprint {
	sum := sha256.Sum256(material)
	return Fingerprint(string(scheme) + "." + hex.EncodeToString(sum[:]))
}

// Scheme returns the scheme prefix of the fingerprint.
func (f Fingerprint) Scheme() Scheme {
	s, _, _ := strings.Cut(string(f), ".")
	return Scheme(s)
}

func (f Fingerprint) String() string { return string(f) }

// Descriptor is the raw form of a key as handed to Add and exchanged with a
// Store.
type Descriptor struct {
	Scheme      Scheme
	Material    []byte
	Permissions []string
}

// Record is a registered key. Scheme and Material never change after the
// record is created; only the permission set does, and always by replacing
// the record in a new registry snapshot.
type Record struct {
	Fingerprint Fingerprint
	Scheme      Scheme
	Material    []byte
	Permissions []string

	// pub caches the parsed public key of SchemePublic records.
	pub crypto.PublicKey
}

func newRecord(d Descriptor) (*Record, error) {
	if len(d.Material) == 0 {
		return nil, errors.Wrap(ErrInvalidKey, "empty key material")
	}

	rec := &Record{
		Fingerprint: FingerprintOf(d.Scheme, d.Material),
		Scheme:      d.Scheme,
		Material:    slices.Clone(d.Material),
	}
	switch d.Scheme {
	case SchemeHMAC:
	case SchemePublic:
		pub, err := parsePublicKey(d.Material)
		if err != nil {
			return nil, err
		}
		rec.pub = pub
	default:
		return nil, errors.Wrapf(ErrInvalidKey, "unknown scheme %q", d.Scheme)
	}
	rec.grant(d.Permissions)

	return rec, nil
}

// Descriptor returns the raw form of the record.
func (r *Record) Descriptor() Descriptor {
	return Descriptor{
		Scheme:      r.Scheme,
		Material:    slices.Clone(r.Material),
		Permissions: slices.Clone(r.Permissions),
	}
}

// HasPermission reports whether the record grants p.
func (r *Record) HasPermission(p string) bool {
	return slices.Contains(r.Permissions, p)
}

func (r *Record) clone() *Record {
	c := *r
	c.Material = slices.Clone(r.Material)
	c.Permissions = slices.Clone(r.Permissions)
	return &c
}

// grant appends every permission not yet held and reports whether any was new.
func (r *Record) grant(perms []string) bool {
	added := false
	for _, p := range perms {
		if !r.HasPermission(p) {
			r.Permissions = append(r.Permissions, p)
			added = true
		}
	}
	return added
}

// revoke drops every listed permission and reports whether any was held.
func (r *Record) revoke(perms []string) bool {
	n := len(r.Permissions)
	r.Permissions = slices.DeleteFunc(r.Permissions, func(p string) bool {
		return slices.Contains(perms, p)
	})
	return len(r.Permissions) != n
}
