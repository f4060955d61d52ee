package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/keychain/internal/domain/keychain"
)

const listKeysSQL = `SELECT fingerprint, scheme, material, permissions
	FROM keychain_keys ORDER BY position`

var _ keychain.Store = (*KeyStore)(nil)

// KeyStore keeps the registry snapshot in the keychain_keys table, one row
// per key.
type KeyStore struct {
	pool *pgxpool.Pool
}

// NewKeyStore returns a KeyStore that uses the given pool.
func NewKeyStore(pool *pgxpool.Pool) *KeyStore {
	return &KeyStore{pool: pool}
}

// Read returns all keys in registry order. Rows whose stored fingerprint
// does not match their material are reported as an error.
func (s *KeyStore) Read(ctx context.Context) ([]keychain.Descriptor, error) {
	rows, err := s.pool.Query(ctx, listKeysSQL)
	if err != nil {
		return nil, errors.Wrap(err, "query keys")
	}
	defer rows.Close()

	var keys []keychain.Descriptor
	for rows.Next() {
		var (
			fingerprint, scheme string
			d                   keychain.Descriptor
		)
		if err := rows.Scan(&fingerprint, &scheme, &d.Material, &d.Permissions); err != nil {
			return nil, errors.Wrap(err, "scan key")
		}
		if d.Scheme, err = keychain.ParseScheme(scheme); err != nil {
			return nil, errors.Wrapf(err, "key %s", fingerprint)
		}
		if fp := keychain.FingerprintOf(d.Scheme, d.Material); fp.String() != fingerprint {
			return nil, errors.Errorf("key %s: fingerprint mismatch, computed %s", fingerprint, fp)
		}
		keys = append(keys, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate keys")
	}
	return keys, nil
}

// Write replaces the table contents with keys in a single transaction.
func (s *KeyStore) Write(ctx context.Context, keys []keychain.Descriptor) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM keychain_keys`); err != nil {
			return errors.Wrap(err, "clear keys")
		}

		rows := make([][]any, 0, len(keys))
		for i, k := range keys {
			perms := k.Permissions
			if perms == nil {
				perms = []string{}
			}
			rows = append(rows, []any{
				i,
				keychain.FingerprintOf(k.Scheme, k.Material).String(),
				string(k.Scheme),
				k.Material,
				perms,
			})
		}

		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"keychain_keys"},
			[]string{"position", "fingerprint", "scheme", "material", "permissions"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return errors.Wrap(err, "copy keys")
		}
		return nil
	})
}

// Ping checks the database connection.
func (s *KeyStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
