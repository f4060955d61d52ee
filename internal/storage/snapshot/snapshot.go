// Package snapshot encodes registry snapshots as JSON.
//
// The current layout is versioned:
//
//	{"version":1,"keys":[{"fingerprint":"hmac.<hex>","scheme":"hmac","material":"<base64>","permissions":["read"]}]}
//
// Decode also accepts the two unversioned layouts written by earlier
// deployments, where "key" holds the raw secret string:
//
//	[{"key":"secret","type":"hmac","permissions":["read"]}]
//	{"hmac.<hex>":{"key":"secret","type":"hmac","permissions":["read"]}}
package snapshot

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/keychain/internal/domain/keychain"
)

// Version is the layout version written by Encode.
const Version = 1

// Encode serializes keys in the current layout.
func Encode(keys []keychain.Descriptor) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("version", func(e *jx.Encoder) { e.Int(Version) })
		e.Field("keys", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, k := range keys {
					encodeKey(e, k)
				}
			})
		})
	})
	return e.Bytes()
}

func encodeKey(e *jx.Encoder, k keychain.Descriptor) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("fingerprint", func(e *jx.Encoder) {
			e.Str(keychain.FingerprintOf(k.Scheme, k.Material).String())
		})
		e.Field("scheme", func(e *jx.Encoder) { e.Str(string(k.Scheme)) })
		e.Field("material", func(e *jx.Encoder) { e.Base64(k.Material) })
		e.Field("permissions", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, p := range k.Permissions {
					e.Str(p)
				}
			})
		})
	})
}

// Decode parses a snapshot in the current or a legacy layout.
func Decode(data []byte) ([]keychain.Descriptor, error) {
	d := jx.DecodeBytes(data)
	switch d.Next() {
	case jx.Array:
		return decodeLegacyList(d)
	case jx.Object:
		return decodeDocument(d)
	default:
		return nil, errors.New("snapshot must be a JSON object or array")
	}
}

func decodeDocument(d *jx.Decoder) ([]keychain.Descriptor, error) {
	var (
		version   int
		versioned bool
		keys      []keychain.Descriptor
		legacy    []keychain.Descriptor
	)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "version":
			versioned = true
			v, err := d.Int()
			if err != nil {
				return errors.Wrap(err, "version")
			}
			version = v
		case "keys":
			versioned = true
			return d.Arr(func(d *jx.Decoder) error {
				k, err := decodeKey(d)
				if err != nil {
					return errors.Wrapf(err, "key %d", len(keys))
				}
				keys = append(keys, k)
				return nil
			})
		default:
			k, err := decodeLegacyKey(d)
			if err != nil {
				return errors.Wrapf(err, "key %q", key)
			}
			if fp := keychain.FingerprintOf(k.Scheme, k.Material); fp.String() != key {
				return errors.Errorf("key %q: fingerprint mismatch, computed %s", key, fp)
			}
			legacy = append(legacy, k)
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}

	if !versioned {
		return legacy, nil
	}
	if len(legacy) > 0 {
		return nil, errors.New("snapshot mixes versioned and legacy entries")
	}
	if version != Version {
		return nil, errors.Errorf("unsupported snapshot version %d", version)
	}
	return keys, nil
}

func decodeKey(d *jx.Decoder) (keychain.Descriptor, error) {
	var (
		k           keychain.Descriptor
		fingerprint string
	)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "fingerprint":
			fingerprint, err = d.Str()
		case "scheme":
			k.Scheme, err = decodeScheme(d)
		case "material":
			k.Material, err = d.Base64()
		case "permissions":
			k.Permissions, err = decodeStrings(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	}); err != nil {
		return k, err
	}

	if k.Scheme == "" {
		return k, errors.New("missing scheme")
	}
	if fingerprint != "" {
		if fp := keychain.FingerprintOf(k.Scheme, k.Material); fp.String() != fingerprint {
			return k, errors.Errorf("fingerprint mismatch: stored %s, computed %s", fingerprint, fp)
		}
	}
	return k, nil
}

func decodeLegacyList(d *jx.Decoder) ([]keychain.Descriptor, error) {
	var keys []keychain.Descriptor
	if err := d.Arr(func(d *jx.Decoder) error {
		k, err := decodeLegacyKey(d)
		if err != nil {
			return errors.Wrapf(err, "key %d", len(keys))
		}
		keys = append(keys, k)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode legacy snapshot")
	}
	return keys, nil
}

func decodeLegacyKey(d *jx.Decoder) (keychain.Descriptor, error) {
	var k keychain.Descriptor
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "key":
			var s string
			s, err = d.Str()
			k.Material = []byte(s)
		case "type":
			k.Scheme, err = decodeScheme(d)
		case "permissions":
			k.Permissions, err = decodeStrings(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	}); err != nil {
		return k, err
	}
	if k.Scheme == "" {
		return k, errors.New("missing type")
	}
	return k, nil
}

func decodeScheme(d *jx.Decoder) (keychain.Scheme, error) {
	s, err := d.Str()
	if err != nil {
		return "", err
	}
	return keychain.ParseScheme(s)
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	out := []string{}
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}
