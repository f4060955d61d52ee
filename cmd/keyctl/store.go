package main

import (
	"context"
	"io/fs"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xenking/keychain/internal/app"
	"github.com/xenking/keychain/internal/domain/keychain"
)

// storeFlags are the store selection flags shared by all commands that read
// or write the registry. Defaults come from the server configuration
// (KEYCHAIN_STORE_* and config.yaml); flags override them.
type storeFlags struct {
	cfg     app.StoreConfig
	verbose bool
}

func newStoreFlags() (*storeFlags, error) {
	cfg, err := app.LoadStoreConfig()
	if err != nil {
		return nil, err
	}
	return &storeFlags{cfg: cfg}, nil
}

func (s *storeFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&s.cfg.Driver, "driver", s.cfg.Driver, "snapshot store: file, redis or postgres")
	flags.StringVar(&s.cfg.Path, "path", s.cfg.Path, "snapshot file path; .gz enables compression")
	flags.StringVar(&s.cfg.AgeIdentity, "age-identity", s.cfg.AgeIdentity, "age identity file encrypting the snapshot file")
	flags.StringVar(&s.cfg.DatabaseURL, "database-url", s.cfg.DatabaseURL, "PostgreSQL connection URL")
	flags.StringVar(&s.cfg.Redis.Addr, "redis-addr", s.cfg.Redis.Addr, "redis address")
	flags.StringVar(&s.cfg.Redis.Password, "redis-password", s.cfg.Redis.Password, "redis password")
	flags.IntVar(&s.cfg.Redis.DB, "redis-db", s.cfg.Redis.DB, "redis database")
	flags.StringVar(&s.cfg.Redis.Key, "redis-key", s.cfg.Redis.Key, "redis key holding the snapshot")
	flags.BoolVarP(&s.verbose, "verbose", "v", false, "log registry activity to stderr")
}

// open connects the store and loads the registry. A store that holds no
// snapshot yet yields an empty registry; any other read failure is returned
// so a command never overwrites a snapshot it could not read.
func (s *storeFlags) open(ctx context.Context) (*keychain.Registry, func(), error) {
	lg := zap.NewNop()
	if s.verbose {
		var err error
		if lg, err = zap.NewDevelopment(); err != nil {
			return nil, nil, errors.Wrap(err, "create logger")
		}
	}

	store, closeStore, err := app.OpenStore(ctx, s.cfg)
	if err != nil {
		return nil, nil, err
	}
	r := keychain.NewRegistry(store, keychain.WithLogger(lg))
	if err := r.Reload(ctx); err != nil && !missingSnapshot(err) {
		closeStore()
		return nil, nil, errors.Wrap(err, "load registry")
	}
	return r, closeStore, nil
}

func missingSnapshot(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, redis.Nil)
}
