package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the resolved relay configuration.
type Config struct {
	ListenAddr          string
	DatabasePath        string
	TokenSecret         string
	MaxMessageLength    int
	SendQueueSize       int
	CollaboratorTimeout time.Duration
	PresenceDebounce    time.Duration
	TypingTTL           time.Duration
	TypingSweepInterval time.Duration
}

// DefaultConfig returns default relay configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:          ":8484",
		DatabasePath:        "~/.parley/parley.db",
		MaxMessageLength:    4096,
		SendQueueSize:       64,
		CollaboratorTimeout: 3 * time.Second,
		PresenceDebounce:    5 * time.Second,
		TypingTTL:           4 * time.Second,
		TypingSweepInterval: 1 * time.Second,
	}
}

// TOMLConfig represents the structure of the relay config file.
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Auth     AuthSection     `toml:"auth"`
	Limits   LimitsSection   `toml:"limits"`
	Presence PresenceSection `toml:"presence"`
	Typing   TypingSection   `toml:"typing"`
}

type ServerSection struct {
	ListenAddr   string `toml:"listen_addr"`
	DatabasePath string `toml:"database_path"`
}

type AuthSection struct {
	TokenSecret string `toml:"token_secret"`
}

type LimitsSection struct {
	MaxMessageLength           int `toml:"max_message_length"`
	SendQueueSize              int `toml:"send_queue_size"`
	CollaboratorTimeoutSeconds int `toml:"collaborator_timeout_seconds"`
}

type PresenceSection struct {
	DebounceSeconds int `toml:"debounce_seconds"`
}

type TypingSection struct {
	TTLSeconds           int `toml:"ttl_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			ListenAddr:   ":8484",
			DatabasePath: "~/.parley/parley.db",
		},
		Limits: LimitsSection{
			MaxMessageLength:           4096,
			SendQueueSize:              64,
			CollaboratorTimeoutSeconds: 3,
		},
		Presence: PresenceSection{
			DebounceSeconds: 5,
		},
		Typing: TypingSection{
			TTLSeconds:           4,
			SweepIntervalSeconds: 1,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// if none exists.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Best effort: run with defaults even if the file can't be written.
		_ = writeDefaultConfig(expanded, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Parley Relay Configuration
# This file was auto-generated with default values
# Edit as needed and restart the relay for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToConfig converts TOMLConfig to Config, filling gaps with defaults.
func (c *TOMLConfig) ToConfig() Config {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.ListenAddr) != "" {
		cfg.ListenAddr = c.Server.ListenAddr
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	if strings.TrimSpace(c.Auth.TokenSecret) != "" {
		cfg.TokenSecret = c.Auth.TokenSecret
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.SendQueueSize != 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}
	if c.Limits.CollaboratorTimeoutSeconds != 0 {
		cfg.CollaboratorTimeout = time.Duration(c.Limits.CollaboratorTimeoutSeconds) * time.Second
	}
	if c.Presence.DebounceSeconds != 0 {
		cfg.PresenceDebounce = time.Duration(c.Presence.DebounceSeconds) * time.Second
	}
	if c.Typing.TTLSeconds != 0 {
		cfg.TypingTTL = time.Duration(c.Typing.TTLSeconds) * time.Second
	}
	if c.Typing.SweepIntervalSeconds != 0 {
		cfg.TypingSweepInterval = time.Duration(c.Typing.SweepIntervalSeconds) * time.Second
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if path == "" {
		path = DefaultTOMLConfig().Server.DatabasePath
	}
	return expandHome(path)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
