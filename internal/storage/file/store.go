// Package file stores registry snapshots in a local file.
//
// A path ending in ".gz" is gzip-compressed. When an age identity is
// configured the file is additionally encrypted to that identity, so HMAC
// secrets never touch the disk in the clear. Writes go to a temporary file
// in the same directory that is renamed over the target.
package file

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"

	"github.com/xenking/keychain/internal/domain/keychain"
	"github.com/xenking/keychain/internal/storage/snapshot"
)

var _ keychain.Store = (*Store)(nil)

// Store is a keychain.Store backed by a single file.
type Store struct {
	path     string
	compress bool
	identity *age.X25519Identity
}

// Option configures a Store.
type Option func(*Store)

// WithIdentity encrypts the snapshot to identity and decrypts it on read.
func WithIdentity(identity *age.X25519Identity) Option {
	return func(s *Store) { s.identity = identity }
}

// New returns a Store writing to path.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:     path,
		compress: strings.HasSuffix(path, ".gz"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Read loads and decodes the snapshot file.
func (s *Store) Read(ctx context.Context) ([]keychain.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = bufio.NewReader(f)
	if s.identity != nil {
		r, err = age.Decrypt(r, s.identity)
		if err != nil {
			return nil, errors.Wrap(err, "decrypt snapshot")
		}
	}
	if s.compress {
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "gunzip snapshot")
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}
	return snapshot.Decode(data)
}

// Write replaces the snapshot file with keys.
func (s *Store) Write(ctx context.Context, keys []keychain.Descriptor) error {
	data, err := s.seal(snapshot.Encode(keys))
	if err != nil {
		return err
	}

	dir, name := filepath.Split(s.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}

	// Do not replace the snapshot once the caller gave up on the write.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, "rename snapshot")
	}
	return nil
}

// seal compresses and encrypts the encoded snapshot as configured.
func (s *Store) seal(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.Writer = &buf

	var aw io.WriteCloser
	if s.identity != nil {
		var err error
		aw, err = age.Encrypt(&buf, s.identity.Recipient())
		if err != nil {
			return nil, errors.Wrap(err, "create age encryptor")
		}
		w = aw
	}

	if s.compress {
		zw := pgzip.NewWriter(w)
		if _, err := zw.Write(data); err != nil {
			return nil, errors.Wrap(err, "gzip snapshot")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "finalize gzip")
		}
	} else if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "write snapshot")
	}

	if aw != nil {
		if err := aw.Close(); err != nil {
			return nil, errors.Wrap(err, "finalize age encryption")
		}
	}
	return buf.Bytes(), nil
}

// Ping checks that the snapshot directory is reachable.
func (s *Store) Ping(_ context.Context) error {
	dir := filepath.Dir(s.path)
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrap(err, "stat snapshot dir")
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", dir)
	}
	return nil
}

// ParseIdentityFile reads an age X25519 identity ("AGE-SECRET-KEY-1...")
// from path, skipping blank lines and comments.
func ParseIdentityFile(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read identity file")
	}
	for line := range strings.Lines(string(data)) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, errors.Wrap(err, "parse identity")
		}
		return identity, nil
	}
	return nil, errors.Errorf("no identity in %s", path)
}
