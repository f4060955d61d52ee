// Package redis stores registry snapshots under a single Redis key.
package redis

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/keychain/internal/domain/keychain"
	"github.com/xenking/keychain/internal/storage/snapshot"
)

var _ keychain.Store = (*Store)(nil)

// Store is a keychain.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	key    string
}

// New returns a Store keeping the snapshot under key.
func New(client redis.UniversalClient, key string) *Store {
	return &Store{client: client, key: key}
}

// Read fetches and decodes the snapshot. A missing key is an error wrapping
// redis.Nil.
func (s *Store) Read(ctx context.Context) ([]keychain.Descriptor, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", s.key)
	}
	return snapshot.Decode(data)
}

// Write replaces the snapshot.
func (s *Store) Write(ctx context.Context, keys []keychain.Descriptor) error {
	if err := s.client.Set(ctx, s.key, snapshot.Encode(keys), 0).Err(); err != nil {
		return errors.Wrapf(err, "set %s", s.key)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
