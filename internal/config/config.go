// Package config loads the server and client settings from YAML over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"e2e_vault/internal/cryptographic/kdf"

	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		Log    LogConfig    `yaml:"log"`
		Server ServerConfig `yaml:"server"`
		Client ClientConfig `yaml:"client"`
		Crypto CryptoConfig `yaml:"crypto"`
	}

	LogConfig struct {
		Debug bool `yaml:"debug"`
		JSON  bool `yaml:"json"`
	}

	ServerConfig struct {
		Addr          string        `yaml:"addr"`
		MongoURI      string        `yaml:"mongoURI"`
		Database      string        `yaml:"database"`
		Redis         RedisConfig   `yaml:"redis"`
		ChallengeTTL  time.Duration `yaml:"challengeTTL"`
		CodeTTL       time.Duration `yaml:"codeTTL"`
		SessionTTL    time.Duration `yaml:"sessionTTL"`
		TokenTTL      time.Duration `yaml:"tokenTTL"`
		ReturnTokens  bool          `yaml:"returnTokens"`
		ShutdownGrace time.Duration `yaml:"shutdownGrace"`
	}

	ClientConfig struct {
		ServerURL   string        `yaml:"serverURL"`
		Redis       RedisConfig   `yaml:"redis"`
		KeyPrefix   string        `yaml:"keyPrefix"`
		BlinkDelay  time.Duration `yaml:"blinkDelay"`
		HTTPTimeout time.Duration `yaml:"httpTimeout"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	CryptoConfig struct {
		Iterations int    `yaml:"iterations"`
		Hash       string `yaml:"hash"`
	}
)

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			MongoURI:      "mongodb://localhost:27017",
			Database:      "e2e_vault",
			Redis:         RedisConfig{Addr: "localhost:6379"},
			ChallengeTTL:  2 * time.Minute,
			CodeTTL:       5 * time.Minute,
			SessionTTL:    12 * time.Hour,
			TokenTTL:      24 * time.Hour,
			ReturnTokens:  true,
			ShutdownGrace: 10 * time.Second,
		},
		Client: ClientConfig{
			ServerURL:   "http://localhost:8080",
			Redis:       RedisConfig{Addr: "localhost:6379", DB: 1},
			KeyPrefix:   "vault:",
			BlinkDelay:  10 * time.Second,
			HTTPTimeout: 15 * time.Second,
		},
		Crypto: CryptoConfig{
			Iterations: kdf.DefaultIterations,
			Hash:       string(kdf.SHA256),
		},
	}
}

// Load reads path over Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Crypto.Iterations < 1 {
		errs = append(errs, errors.New("crypto.iterations must be positive"))
	}
	switch kdf.HashAlgorithm(strings.ToLower(c.Crypto.Hash)) {
	case kdf.SHA256, kdf.SHA512:
	default:
		errs = append(errs, fmt.Errorf("crypto.hash %q is not supported", c.Crypto.Hash))
	}
	for name, d := range map[string]time.Duration{
		"server.challengeTTL": c.Server.ChallengeTTL,
		"server.codeTTL":      c.Server.CodeTTL,
		"server.sessionTTL":   c.Server.SessionTTL,
		"server.tokenTTL":     c.Server.TokenTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// Deriver builds the key deriver for the configured parameters.
func (c *Config) Deriver() (*kdf.Deriver, error) {
	return kdf.NewDeriver(
		kdf.WithIterations(c.Crypto.Iterations),
		kdf.WithHash(kdf.HashAlgorithm(strings.ToLower(c.Crypto.Hash))),
	)
}
