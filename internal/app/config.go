package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Store drivers.
const (
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config holds the complete application configuration, loadable from
// environment variables (KEYCHAIN_ prefix), flags, or YAML config files.
type Config struct {
	Addr            string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	AdminPermission string        `default:"" usage:"Permission a bearer token needs for the key admin routes; empty leaves them open" flag:"admin-permission"`
	SaveTimeout     time.Duration `default:"5s" usage:"Upper bound for one snapshot write" flag:"save-timeout"`
	Store           StoreConfig
	Graceful        GracefulConfig
}

// StoreConfig selects and configures the snapshot store.
type StoreConfig struct {
	Driver      string `default:"file" usage:"Snapshot store: file, redis or postgres"`
	Path        string `default:"keychain.json" usage:"Snapshot file path; a .gz suffix enables compression"`
	AgeIdentity string `default:"" usage:"age identity file used to encrypt the snapshot file" flag:"age-identity"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KEYCHAIN_STORE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Redis       RedisConfig
}

// RedisConfig configures the redis snapshot store.
type RedisConfig struct {
	Addr     string `default:"localhost:6379" usage:"Redis address"`
	Password string `default:"" usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database"`
	Key      string `default:"keychain:snapshot" usage:"Redis key holding the snapshot"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files
// and flags, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(loaderConfig())
}

// LoadStoreConfig loads only the store section from the environment and
// config files, leaving flag parsing to the caller. Offline tools use it to
// reach the same store as the server.
func LoadStoreConfig() (StoreConfig, error) {
	ac := loaderConfig()
	ac.SkipFlags = true
	return loadStoreConfig(ac)
}

func loaderConfig() aconfig.Config {
	return aconfig.Config{
		EnvPrefix: "KEYCHAIN",
		Files:     []string{"config.yaml", "/etc/keychain/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	}
}

func loadStoreConfig(ac aconfig.Config) (StoreConfig, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return StoreConfig{}, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	return cfg.Store, nil
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the KEYCHAIN_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Store.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.Store.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverFile:
		if c.Store.Path == "" {
			return errors.New("store path is required for the file driver")
		}
	case DriverRedis:
		if c.Store.Redis.Key == "" {
			return errors.New("redis key is required for the redis driver")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("database URL is required: set KEYCHAIN_STORE_DATABASE_URL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.SaveTimeout <= 0 {
		return errors.New("save timeout must be positive")
	}
	return nil
}
