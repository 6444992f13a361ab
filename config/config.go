// Package config loads the proofrelay command configuration from an optional YAML
// file, a .env file and PROOFRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pilacorp/go-proof-relay/authenticator"
	"github.com/pilacorp/go-proof-relay/channel/amqpchannel"
	"github.com/pilacorp/go-proof-relay/common/logger"
	"github.com/pilacorp/go-proof-relay/freshness"
	"github.com/pilacorp/go-proof-relay/registry"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "PROOFRELAY"

	SchemeHMAC  = "hmac"
	SchemeECDSA = "ecdsa"

	DefaultListenAddr = ":8080"
)

// Subject is one registry entry.
type Subject struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Access string `mapstructure:"access"`
}

type Config struct {
	// AuthScheme selects the tag scheme: "hmac" (shared secret) or "ecdsa".
	AuthScheme string `mapstructure:"auth_scheme"`
	HMACSecret string `mapstructure:"hmac_secret"`
	// SigningKey is the sender's secp256k1 private key (hex) for the ecdsa scheme.
	SigningKey string `mapstructure:"signing_key"`
	// VerifyingKey is the matching public key (hex) the receiver checks against.
	VerifyingKey string `mapstructure:"verifying_key"`

	MaxAge time.Duration `mapstructure:"max_age"`
	// MaxFutureSkew < 0 means the same window as MaxAge.
	MaxFutureSkew time.Duration `mapstructure:"max_future_skew"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`

	IssuerURL  string `mapstructure:"issuer_url"`
	PageURL    string `mapstructure:"page_url"`
	ListenAddr string `mapstructure:"listen_addr"`

	RPCURL          string `mapstructure:"rpc_url"`
	VerifierAddress string `mapstructure:"verifier_address"`
	// VerificationKeyPath points at a snarkjs verification_key.json. When set,
	// proofs are checked locally and no RPC endpoint is needed.
	VerificationKeyPath string `mapstructure:"verification_key"`

	AMQPURL      string `mapstructure:"amqp_url"`
	AMQPExchange string `mapstructure:"amqp_exchange"`

	LogLevel string `mapstructure:"log_level"`

	Subjects []Subject `mapstructure:"subjects"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("auth_scheme", SchemeHMAC)
	v.SetDefault("hmac_secret", "")
	v.SetDefault("signing_key", "")
	v.SetDefault("verifying_key", "")
	v.SetDefault("max_age", freshness.DefaultMaxAge)
	v.SetDefault("max_future_skew", time.Duration(-1))
	v.SetDefault("verify_timeout", 30*time.Second)
	v.SetDefault("issuer_url", "")
	v.SetDefault("page_url", "http://localhost"+DefaultListenAddr)
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("rpc_url", "")
	v.SetDefault("verifier_address", "")
	v.SetDefault("verification_key", "")
	v.SetDefault("amqp_url", "")
	v.SetDefault("amqp_exchange", amqpchannel.DefaultExchange)
	v.SetDefault("log_level", "info")
	v.SetDefault("subjects", []Subject{})
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path (if not empty) and the environment. Environment variables win
// over the file: PROOFRELAY_HMAC_SECRET overrides hmac_secret.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings every subcommand depends on.
func (c *Config) Validate() error {
	switch strings.ToLower(c.AuthScheme) {
	case SchemeHMAC:
		if c.HMACSecret == "" {
			return errors.New("hmac_secret is required")
		}
	case SchemeECDSA:
		if c.SigningKey == "" && c.VerifyingKey == "" {
			return errors.New("ecdsa scheme needs signing_key or verifying_key")
		}
	default:
		return fmt.Errorf("unknown auth_scheme %q", c.AuthScheme)
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("max_age must be positive, got %s", c.MaxAge)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// Signer returns the sender side of the configured tag scheme.
func (c *Config) Signer() (authenticator.Signer, error) {
	if strings.EqualFold(c.AuthScheme, SchemeECDSA) {
		s, err := authenticator.NewECDSASigner(c.SigningKey)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	h, err := c.hmac()
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Verifier returns the receiver side of the configured tag scheme. For ecdsa the
// public key is derived from signing_key when verifying_key is empty.
func (c *Config) Verifier() (authenticator.Verifier, error) {
	if !strings.EqualFold(c.AuthScheme, SchemeECDSA) {
		h, err := c.hmac()
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	pubHex := c.VerifyingKey
	if pubHex == "" {
		s, err := authenticator.NewECDSASigner(c.SigningKey)
		if err != nil {
			return nil, err
		}
		pubHex = s.PublicKeyHex()
	}
	v, err := authenticator.NewECDSAVerifier(pubHex)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Config) hmac() (*authenticator.HMAC, error) {
	return authenticator.NewHMAC([]byte(c.HMACSecret))
}

// FreshnessGuard builds the guard for max_age and max_future_skew.
func (c *Config) FreshnessGuard() *freshness.Guard {
	return freshness.NewGuard(
		freshness.WithMaxAge(c.MaxAge),
		freshness.WithMaxFutureSkew(c.MaxFutureSkew),
	)
}

// Registry builds the subject registry from the subjects list.
func (c *Config) Registry() (*registry.Registry, error) {
	entries := make(map[string]registry.IdentityRecord, len(c.Subjects))
	for _, s := range c.Subjects {
		tier, err := registry.ParseAccessTier(s.Access)
		if err != nil {
			return nil, fmt.Errorf("subject %q: %w", s.ID, err)
		}
		if _, dup := entries[s.ID]; dup {
			return nil, fmt.Errorf("subject %q listed twice", s.ID)
		}
		name := s.Name
		if name == "" {
			name = s.ID
		}
		entries[s.ID] = registry.IdentityRecord{DisplayName: name, AccessTier: tier}
	}
	return registry.New(entries)
}

// Logger builds a JSON logger at log_level.
func (c *Config) Logger() *logger.Logger {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return logger.New()
	}
	return logger.NewFromConfig(logger.Config{Level: level})
}
