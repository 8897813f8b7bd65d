package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds coordination service configuration.
type Config struct {
	ControlAddr string // TCP bind address for the control plane (e.g. ":7400")
	MetricsAddr string // HTTP bind address for /metrics (empty = disabled)
	DataDir     string // directory for generated key files

	PrivateKeyFile string // signing key PEM path (generated if absent)
	PublicKeyFile  string // verify key PEM path (generated if absent)

	TokenTTL          time.Duration // validity of issued tokens (0 = no expiry)
	KeepaliveInterval time.Duration // probe period per registered connection
	KeepaliveMisses   int           // consecutive missed replies before close
	ChallengeTimeout  time.Duration // UDP challenge round-trip budget

	// OperatorSecretHash is the argon2id hash operators must match at
	// registration. Empty means operator connections are implicitly
	// trusted (private-network deployment).
	OperatorSecretHash string
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr:       ":7400",
		MetricsAddr:       ":7402",
		DataDir:           ".",
		TokenTTL:          time.Hour,
		KeepaliveInterval: 10 * time.Second,
		KeepaliveMisses:   3,
		ChallengeTimeout:  3 * time.Second,
	}
}

// KeyPaths returns the effective key file locations, defaulting into
// DataDir when unset.
func (c Config) KeyPaths() (priv, pub string) {
	priv = c.PrivateKeyFile
	pub = c.PublicKeyFile
	if priv == "" {
		priv = filepath.Join(c.DataDir, "sonar.key")
	}
	if pub == "" {
		pub = filepath.Join(c.DataDir, "sonar.pub")
	}
	return priv, pub
}

// fileConfig mirrors Config for YAML; durations are strings ("10s").
type fileConfig struct {
	ControlAddr        string `yaml:"control_addr"`
	MetricsAddr        string `yaml:"metrics_addr"`
	DataDir            string `yaml:"data_dir"`
	PrivateKeyFile     string `yaml:"private_key_file"`
	PublicKeyFile      string `yaml:"public_key_file"`
	TokenTTL           string `yaml:"token_ttl"`
	KeepaliveInterval  string `yaml:"keepalive_interval"`
	KeepaliveMisses    int    `yaml:"keepalive_misses"`
	ChallengeTimeout   string `yaml:"challenge_timeout"`
	OperatorSecretHash string `yaml:"operator_secret_hash"`
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("server: parse config: %w", err)
	}

	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&cfg.ControlAddr, fc.ControlAddr)
	setStr(&cfg.MetricsAddr, fc.MetricsAddr)
	setStr(&cfg.DataDir, fc.DataDir)
	setStr(&cfg.PrivateKeyFile, fc.PrivateKeyFile)
	setStr(&cfg.PublicKeyFile, fc.PublicKeyFile)
	setStr(&cfg.OperatorSecretHash, fc.OperatorSecretHash)
	if fc.KeepaliveMisses > 0 {
		cfg.KeepaliveMisses = fc.KeepaliveMisses
	}

	setDur := func(dst *time.Duration, v, name string) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("server: config %s: %w", name, err)
		}
		*dst = d
		return nil
	}
	if err := setDur(&cfg.TokenTTL, fc.TokenTTL, "token_ttl"); err != nil {
		return cfg, err
	}
	if err := setDur(&cfg.KeepaliveInterval, fc.KeepaliveInterval, "keepalive_interval"); err != nil {
		return cfg, err
	}
	if err := setDur(&cfg.ChallengeTimeout, fc.ChallengeTimeout, "challenge_timeout"); err != nil {
		return cfg, err
	}
	return cfg, nil
}
