package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/keychain/internal/domain/keychain"
	"github.com/xenking/keychain/internal/storage/file"
	"github.com/xenking/keychain/internal/storage/postgres"
	redisstore "github.com/xenking/keychain/internal/storage/redis"
	"github.com/xenking/keychain/pkg/health"
)

// Backend is a snapshot store that can report whether it is reachable.
type Backend interface {
	keychain.Store
	health.Pinger
}

// OpenStore connects the snapshot store selected by cfg. The returned close
// function releases its connections.
func OpenStore(ctx context.Context, cfg StoreConfig) (Backend, func(), error) {
	switch cfg.Driver {
	case DriverFile:
		var opts []file.Option
		if cfg.AgeIdentity != "" {
			identity, err := file.ParseIdentityFile(cfg.AgeIdentity)
			if err != nil {
				return nil, nil, errors.Wrap(err, "load age identity")
			}
			opts = append(opts, file.WithIdentity(identity))
		}
		return file.New(cfg.Path, opts...), func() {}, nil

	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redisstore.New(client, cfg.Redis.Key), func() { _ = client.Close() }, nil

	case DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, errors.Wrap(err, "run migrations")
		}
		return postgres.NewKeyStore(pool), pool.Close, nil

	default:
		return nil, nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}
