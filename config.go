package leased

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied by Config.Normalize.
const (
	DefaultStore          = "mem://"
	DefaultTTL            = 30 * time.Second
	DefaultRetryAttempts  = 4
	DefaultRetryBaseDelay = 50 * time.Millisecond
	DefaultRetryMaxDelay  = 2 * time.Second
)

// Config assembles a lease provider pipeline. The zero value plus
// Normalize yields an in-memory provider.
type Config struct {
	// Store selects the backend by URL scheme: mem://, disk:///path,
	// s3://bucket/prefix, azure://container/prefix.
	Store string `mapstructure:"store"`
	// Owner identifies this contender on acquired leases. Generated when
	// empty.
	Owner string `mapstructure:"owner"`

	DefaultTTL     time.Duration `mapstructure:"default-ttl"`
	MaxTTL         time.Duration `mapstructure:"max-ttl"`
	RenewExtension time.Duration `mapstructure:"renew-extension"`
	// AcquireBlock bounds how long Acquire waits behind a held lease
	// before failing with a conflict. Zero fails fast.
	AcquireBlock time.Duration `mapstructure:"acquire-block"`

	S3    S3Config    `mapstructure:"s3"`
	Azure AzureConfig `mapstructure:"azure"`
	Retry RetryConfig `mapstructure:"retry"`

	// ChaosFile points at a yaml chaos layer configuration. Empty leaves
	// fault injection off.
	ChaosFile string `mapstructure:"chaos-file"`

	LogLevel string `mapstructure:"log-level"`
}

// S3Config carries credentials and addressing for s3:// stores. The
// bucket and prefix come from the store URL.
type S3Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	AccessKey      string `mapstructure:"access-key"`
	SecretKey      string `mapstructure:"secret-key"`
	Insecure       bool   `mapstructure:"insecure"`
	ForcePathStyle bool   `mapstructure:"force-path-style"`
}

// AzureConfig carries credentials for azure:// stores. The container and
// prefix come from the store URL.
type AzureConfig struct {
	Account    string `mapstructure:"account"`
	AccountKey string `mapstructure:"account-key"`
	Endpoint   string `mapstructure:"endpoint"`
	SASToken   string `mapstructure:"sas-token"`
}

// RetryConfig tunes the transient-error retry decorator around the
// storage backend.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max-attempts"`
	BaseDelay   time.Duration `mapstructure:"base-delay"`
	MaxDelay    time.Duration `mapstructure:"max-delay"`
}

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.RenewExtension <= 0 {
		c.RenewExtension = c.DefaultTTL
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
}

// Validate rejects configurations Open cannot serve.
func (c Config) Validate() error {
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory":
	case "disk":
	case "s3":
		if strings.TrimSpace(c.S3.Endpoint) == "" {
			return fmt.Errorf("config: s3 store needs an endpoint")
		}
	case "azure":
		if strings.TrimSpace(c.Azure.Account) == "" {
			return fmt.Errorf("config: azure store needs an account")
		}
	default:
		return fmt.Errorf("config: unknown store scheme %q", u.Scheme)
	}
	if c.MaxTTL > 0 && c.DefaultTTL > c.MaxTTL {
		return fmt.Errorf("config: default-ttl %v exceeds max-ttl %v", c.DefaultTTL, c.MaxTTL)
	}
	return nil
}

// LoadConfig reads a Config from an optional yaml file with LEASED_*
// environment overrides, then normalizes and validates it.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEASED")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
