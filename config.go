package vbus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of a Conn.
type Config struct {
	// SystemBusAddress is the address of the system bus.
	SystemBusAddress string `yaml:"system_bus_address" env:"DBUS_SYSTEM_BUS_ADDRESS"`
	// SessionBusAddress is the address of the current user's session
	// bus. It is empty if no session bus is available.
	SessionBusAddress string `yaml:"session_bus_address" env:"DBUS_SESSION_BUS_ADDRESS"`
	// CallTimeout bounds how long a synchronous call waits for a
	// reply.
	CallTimeout time.Duration `yaml:"call_timeout" env:"VBUS_CALL_TIMEOUT"`
	// MaxInbox is the number of received messages that can await
	// a Pump before the oldest ones are dropped.
	MaxInbox int `yaml:"max_inbox" env:"VBUS_MAX_INBOX"`
}

const (
	defaultSystemBusAddress = "unix:path=/run/dbus/system_bus_socket"
	defaultCallTimeout      = 25 * time.Second
	defaultMaxInbox         = 4096
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		SystemBusAddress: defaultSystemBusAddress,
		CallTimeout:      defaultCallTimeout,
		MaxInbox:         defaultMaxInbox,
	}
}

// LoadConfig returns the built-in configuration, overlaid with the
// YAML file at path (if path is non-empty), overlaid with the
// DBUS_SYSTEM_BUS_ADDRESS, DBUS_SESSION_BUS_ADDRESS,
// VBUS_CALL_TIMEOUT and VBUS_MAX_INBOX environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("call timeout must be positive, got %v", c.CallTimeout))
	}
	if c.MaxInbox <= 0 {
		errs = append(errs, fmt.Errorf("max inbox must be positive, got %d", c.MaxInbox))
	}
	return errors.Join(errs...)
}

// An Option configures a Conn.
type Option func(*connOptions)

type connOptions struct {
	cfg Config
	log *slog.Logger
}

func newConnOptions(opts []Option) connOptions {
	ret := connOptions{
		cfg: DefaultConfig(),
		log: slog.Default(),
	}
	for _, o := range opts {
		o(&ret)
	}
	return ret
}

// WithConfig sets the Conn's configuration. The default is
// [DefaultConfig].
func WithConfig(cfg Config) Option {
	return func(o *connOptions) { o.cfg = cfg }
}

// WithLogger sets the logger the Conn reports to. The default is
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *connOptions) {
		if l != nil {
			o.log = l
		}
	}
}
