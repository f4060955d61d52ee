//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/keychain/internal/domain/keychain"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "keychain",
				"POSTGRES_PASSWORD": "keychain",
				"POSTGRES_DB":       "keychain",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://keychain:keychain@%s:%s/keychain?sslmode=disable", host, port.Port())
	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

func TestKeyStore(t *testing.T) {
	ctx := context.Background()
	store := NewKeyStore(setupPostgres(t))
	require.NoError(t, store.Ping(ctx))

	got, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	keys := []keychain.Descriptor{
		{Scheme: keychain.SchemeHMAC, Material: []byte("secret2"), Permissions: []string{"write"}},
		{Scheme: keychain.SchemeHMAC, Material: []byte("secret1"), Permissions: []string{}},
	}
	require.NoError(t, store.Write(ctx, keys))
	got, err = store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys, got)

	require.NoError(t, store.Write(ctx, keys[1:]))
	got, err = store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys[1:], got)
}

func TestKeyStore_Registry(t *testing.T) {
	ctx := context.Background()
	store := NewKeyStore(setupPostgres(t))

	r := keychain.NewRegistry(store)
	r.Load(ctx)
	require.Zero(t, r.Len())

	fp, err := r.Add(ctx, keychain.Descriptor{
		Scheme:      keychain.SchemeHMAC,
		Material:    []byte("secret1"),
		Permissions: []string{"read"},
	})
	require.NoError(t, err)

	reloaded := keychain.NewRegistry(store)
	reloaded.Load(ctx)
	rec, ok := reloaded.Get(fp)
	require.True(t, ok)
	assert.Equal(t, []string{"read"}, rec.Permissions)
}
