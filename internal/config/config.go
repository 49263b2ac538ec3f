// Package config resolves busprobe settings from flags, environment
// variables and an optional config file with github.com/spf13/viper.
//
// Precedence, highest first: explicitly set flags, BUSPROBE_* environment
// variables, the config file, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/busprobe/internal/bus"
)

// EnvPrefix prefixes every environment variable, e.g. BUSPROBE_TIMEOUT.
const EnvPrefix = "BUSPROBE"

// Keys.
const (
	KeyTransport = "transport"
	KeyAddress   = "address"
	KeyTimeout   = "timeout"
	KeyDB        = "db"
	KeyFormat    = "format"
	KeyVerbose   = "verbose"
)

// Transport kinds.
const (
	TransportMemory  = "memory"
	TransportSession = "session"
	TransportSystem  = "system"
	TransportAddress = "address"
)

// DefaultTimeout bounds every expectation unless overridden.
const DefaultTimeout = 5 * time.Second

var (
	// Transports lists the accepted transport kinds.
	Transports = []string{TransportMemory, TransportSession, TransportSystem, TransportAddress}

	// Formats lists the accepted output formats.
	Formats = []string{"text", "json"}
)

// Config is the resolved configuration.
type Config struct {
	Transport string        `mapstructure:"transport"`
	Address   string        `mapstructure:"address"`
	Timeout   time.Duration `mapstructure:"timeout"`
	DB        string        `mapstructure:"db"`
	Format    string        `mapstructure:"format"`
	Verbose   bool          `mapstructure:"verbose"`
}

// New returns a viper instance carrying the defaults and reading
// BUSPROBE_* environment variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyTransport, TransportMemory)
	v.SetDefault(KeyAddress, "")
	v.SetDefault(KeyTimeout, DefaultTimeout)
	v.SetDefault(KeyDB, "")
	v.SetDefault(KeyFormat, "text")
	v.SetDefault(KeyVerbose, false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag in fs whose name is a config key.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, key := range []string{KeyTransport, KeyAddress, KeyTimeout, KeyDB, KeyFormat, KeyVerbose} {
		f := fs.Lookup(key)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	return nil
}

// Load reads the config file at path, when path is not empty, and resolves
// the configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every setting has an accepted value.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(Transports, c.Transport) {
		errs = append(errs, fmt.Errorf("invalid transport %q: must be one of %v", c.Transport, Transports))
	}
	if c.Transport == TransportAddress && c.Address == "" {
		errs = append(errs, errors.New("transport address requires an address"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid timeout %s: must be positive", c.Timeout))
	}
	if !slices.Contains(Formats, c.Format) {
		errs = append(errs, fmt.Errorf("invalid format %q: must be one of %v", c.Format, Formats))
	}
	return errors.Join(errs...)
}

// IsMemory reports whether scenarios run on an in-process bus.
func (c *Config) IsMemory() bool {
	return c.Transport == TransportMemory
}

// NewTransport builds the configured transport. The memory transport gets
// a fresh bus on every call.
func (c *Config) NewTransport(logger *slog.Logger) (bus.Transport, error) {
	switch c.Transport {
	case TransportMemory:
		return bus.NewMemoryBus(bus.WithMemoryLogger(logger)), nil
	case TransportSession:
		return bus.SessionTransport(bus.WithDBusLogger(logger)), nil
	case TransportSystem:
		return bus.SystemTransport(bus.WithDBusLogger(logger)), nil
	case TransportAddress:
		return bus.NewDBusTransport(c.Address, bus.WithDBusLogger(logger)), nil
	default:
		return nil, fmt.Errorf("invalid transport %q", c.Transport)
	}
}

// LogLevel is debug when verbose, info otherwise.
func (c *Config) LogLevel() slog.Level {
	if c.Verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
