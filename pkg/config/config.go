package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const (
	defaultListen          = ":8080"
	defaultShutdownTimeout = 10 * time.Second
	defaultHealthInterval  = 15 * time.Second
	defaultHealthTimeout   = 5 * time.Second
	defaultFailThreshold   = 3
	defaultForwardTimeout  = 15 * time.Second
	defaultMaxBodySize     = "32MiB"
)

// Config is the full proxy configuration.
type Config struct {
	Listen          string           `mapstructure:"listen" yaml:"listen"`
	ShutdownTimeout time.Duration    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	Validators      []ValidatorEntry `mapstructure:"validators" yaml:"validators"`
	Health          HealthConfig     `mapstructure:"health" yaml:"health"`
	Forward         ForwardConfig    `mapstructure:"forward" yaml:"forward"`

	maxBodyBytes int64
}

// ValidatorEntry is one validator as written in the config file. Name and
// protocol are optional; see BuildValidators for the defaults.
type ValidatorEntry struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Location string `mapstructure:"location" yaml:"location"`
	Protocol string `mapstructure:"protocol" yaml:"protocol"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// HealthConfig controls the background liveness checker.
type HealthConfig struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailThreshold int           `mapstructure:"fail_threshold" yaml:"fail_threshold"`
}

// ForwardConfig controls the upstream forwarding client.
type ForwardConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// MaxBodySize caps both the inbound request body and the upstream
	// response body. Accepts humanized values like "32MiB".
	MaxBodySize string `mapstructure:"max_body_size" yaml:"max_body_size"`
	// RetryTransport allows a single retry on transport failure, and only
	// when no upstream response was ever received. Off by default: the
	// proxy cannot know which RPC methods are idempotent.
	RetryTransport bool `mapstructure:"retry_transport" yaml:"retry_transport"`
}

// DefaultConfig returns a config with all non-fleet defaults filled in.
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaultListen,
		ShutdownTimeout: defaultShutdownTimeout,
		Health: HealthConfig{
			Interval:      defaultHealthInterval,
			Timeout:       defaultHealthTimeout,
			FailThreshold: defaultFailThreshold,
		},
		Forward: ForwardConfig{
			Timeout:     defaultForwardTimeout,
			MaxBodySize: defaultMaxBodySize,
		},
	}
}

// MaxBodyBytes returns the parsed body size cap. Valid after Validate.
func (c *Config) MaxBodyBytes() int64 {
	return c.maxBodyBytes
}

// Validate checks the configuration and resolves derived values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}

	if len(c.Validators) == 0 {
		return fmt.Errorf("at least one validator must be configured")
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive, got %s", c.Health.Interval)
	}

	if c.Health.Timeout <= 0 {
		return fmt.Errorf("health timeout must be positive, got %s", c.Health.Timeout)
	}

	if c.Health.FailThreshold <= 0 {
		return fmt.Errorf("health fail threshold must be positive, got %d", c.Health.FailThreshold)
	}

	if c.Forward.Timeout <= 0 {
		return fmt.Errorf("forward timeout must be positive, got %s", c.Forward.Timeout)
	}

	size, err := humanize.ParseBytes(c.Forward.MaxBodySize)
	if err != nil {
		return fmt.Errorf("invalid forward max body size %q: %w", c.Forward.MaxBodySize, err)
	}
	if size == 0 {
		return fmt.Errorf("forward max body size must be positive")
	}
	c.maxBodyBytes = int64(size)

	return nil
}

// Loader reads the config file and can watch it for changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader for the given config file path. An empty
// path falls back to config.yaml in the working directory or /etc/solproxy.
func NewLoader(path string) *Loader {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/solproxy")
	}

	v.SetEnvPrefix("SOLPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := DefaultConfig()

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
