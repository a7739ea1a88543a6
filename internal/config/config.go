package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.crew/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// ServerURL is the websocket endpoint of the chat server.
	ServerURL string `toml:"server_url"`
	// APIBaseURL is the REST endpoint used for bulk fetch and uploads.
	APIBaseURL string `toml:"api_base_url"`

	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
	ReconnectBaseDelayMS int `toml:"reconnect_base_delay_ms"`
	KeepaliveIntervalSec int `toml:"keepalive_interval_sec"`
	TypingDebounceMS     int `toml:"typing_debounce_ms"`
	TypingExpiryMS       int `toml:"typing_expiry_ms"`

	// MetricsAddr is the local prometheus listen address. Empty disables it.
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns a config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		DefaultSession:       "main",
		ServerURL:            "wss://chat.example.com/ws",
		APIBaseURL:           "https://chat.example.com/api",
		MaxReconnectAttempts: 5,
		ReconnectBaseDelayMS: 2000,
		KeepaliveIntervalSec: 30,
		TypingDebounceMS:     2000,
		TypingExpiryMS:       6000,
		MetricsAddr:          "",
	}
}

// Load reads config from the given path, applying defaults for unset fields.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) normalize() {
	def := Default()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectBaseDelayMS <= 0 {
		c.ReconnectBaseDelayMS = def.ReconnectBaseDelayMS
	}
	if c.KeepaliveIntervalSec <= 0 {
		c.KeepaliveIntervalSec = def.KeepaliveIntervalSec
	}
	if c.TypingDebounceMS <= 0 {
		c.TypingDebounceMS = def.TypingDebounceMS
	}
	if c.TypingExpiryMS <= 0 {
		c.TypingExpiryMS = def.TypingExpiryMS
	}
}

// ReconnectBaseDelay returns the base reconnect delay as a duration.
func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMS) * time.Millisecond
}

// KeepaliveInterval returns the keepalive ping interval as a duration.
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalSec) * time.Second
}

// TypingDebounce returns the local typing-stop debounce as a duration.
func (c *Config) TypingDebounce() time.Duration {
	return time.Duration(c.TypingDebounceMS) * time.Millisecond
}

// TypingExpiry returns the remote typing-entry expiry as a duration.
func (c *Config) TypingExpiry() time.Duration {
	return time.Duration(c.TypingExpiryMS) * time.Millisecond
}
