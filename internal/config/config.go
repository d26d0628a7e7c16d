package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// sessionSecretLen is the required length of the decoded session
// secret exchanged during app registration.
const sessionSecretLen = 16

// Well-known chat drive identifiers. Every identity hosts the chat
// app's files on the same drive.
const (
	DefaultChatDriveAlias = "9ff813aff2d61e2f9b9db189e72d1a11"
	DefaultChatDriveType  = "66ea8355ae4155c39b5a719166b510e3"
)

// Config holds all environment-based configuration for drive-sync.
type Config struct {
	// Identity host to talk to, e.g. "alice.dotyou.cloud".
	IdentityHost string `env:"DRIVE_IDENTITY_HOST"`

	// Hex-encoded session secret exchanged during app registration.
	// The drive shared secret and notify auth key are derived from it.
	SessionSecret string `env:"DRIVE_SESSION_SECRET"`

	// Chat drive to synchronize. Defaults to the well-known chat drive.
	ChatDriveAlias string `env:"DRIVE_CHAT_ALIAS" envDefault:"9ff813aff2d61e2f9b9db189e72d1a11"`
	ChatDriveType  string `env:"DRIVE_CHAT_TYPE" envDefault:"66ea8355ae4155c39b5a719166b510e3"`

	// Path to the local state database. Defaults to
	// ~/.drive-sync/<host>/state.db after validation.
	StateDBPath string `env:"DRIVE_STATE_DB"`

	// Backlog batch size for inbox draining.
	InboxBatchSize int `env:"DRIVE_INBOX_BATCH_SIZE" envDefault:"50"`

	// Optional YAML file listing additional drives to subscribe to on
	// the notify socket.
	DrivesFile string `env:"DRIVE_SUBSCRIPTIONS_FILE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// DriveSubscription is one entry of the optional drive subscriptions
// file.
type DriveSubscription struct {
	Name  string `yaml:"name"`
	Alias string `yaml:"alias"`
	Type  string `yaml:"type"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StateDBPath == "" {
		path, err := defaultStateDBPath(cfg.IdentityHost)
		if err != nil {
			return nil, err
		}

		cfg.StateDBPath = path
	}

	absPath, err := filepath.Abs(cfg.StateDBPath)
	if err != nil {
		return nil, fmt.Errorf("resolving state db path: %w", err)
	}

	cfg.StateDBPath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.IdentityHost == "" {
		return fmt.Errorf("DRIVE_IDENTITY_HOST is required")
	}

	if c.SessionSecret == "" {
		return fmt.Errorf("DRIVE_SESSION_SECRET is required")
	}

	if _, err := c.DecodeSessionSecret(); err != nil {
		return err
	}

	if c.ChatDriveAlias == "" || c.ChatDriveType == "" {
		return fmt.Errorf("DRIVE_CHAT_ALIAS and DRIVE_CHAT_TYPE must not be empty")
	}

	if c.InboxBatchSize <= 0 {
		return fmt.Errorf("DRIVE_INBOX_BATCH_SIZE must be positive")
	}

	return nil
}

// DecodeSessionSecret decodes the hex session secret and checks its
// length.
func (c *Config) DecodeSessionSecret() ([]byte, error) {
	secret, err := hex.DecodeString(c.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("DRIVE_SESSION_SECRET is not valid hex: %w", err)
	}

	if len(secret) != sessionSecretLen {
		return nil, fmt.Errorf("DRIVE_SESSION_SECRET must decode to %d bytes, got %d", sessionSecretLen, len(secret))
	}

	return secret, nil
}

// LoadDriveSubscriptions reads the optional YAML subscriptions file.
// Returns nil when no file is configured.
func (c *Config) LoadDriveSubscriptions() ([]DriveSubscription, error) {
	if c.DrivesFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.DrivesFile)
	if err != nil {
		return nil, fmt.Errorf("reading drive subscriptions file: %w", err)
	}

	var subs []DriveSubscription
	if err := yaml.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("parsing drive subscriptions file: %w", err)
	}

	for i, sub := range subs {
		if sub.Alias == "" || sub.Type == "" {
			return nil, fmt.Errorf("drive subscription entry %d is missing alias or type", i+1)
		}
	}

	return subs, nil
}

func defaultStateDBPath(host string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".drive-sync", host, "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
