// Package config loads the application configuration from an XDG config
// directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the main application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Connection ConnectionConfig `toml:"connection"`
	Rooms      []RoomConfig     `toml:"rooms"`
	Roster     RosterConfig     `toml:"roster"`
	Reconnect  ReconnectConfig  `toml:"reconnect"`
	Logging    LoggingConfig    `toml:"logging"`
	Storage    StorageConfig    `toml:"storage"`
}

// ServerConfig identifies the BOSH endpoint and the XMPP domain behind it.
type ServerConfig struct {
	URL      string `toml:"url"`
	Domain   string `toml:"domain"`
	Resource string `toml:"resource"`

	// Origin, Referer and UserAgent are sent on every request; the
	// connection manager rejects requests without the headers the web
	// client would send.
	Origin    string `toml:"origin"`
	Referer   string `toml:"referer"`
	UserAgent string `toml:"user_agent"`
}

// ConnectionConfig carries the BOSH session parameters for the first
// envelope.
type ConnectionConfig struct {
	Lang        string `toml:"lang"`
	Wait        string `toml:"wait"`
	Hold        string `toml:"hold"`
	ContentType string `toml:"content_type"`
	Version     string `toml:"version"`
	XMPPVersion string `toml:"xmpp_version"`
}

// RoomConfig is one configured MUC room.
type RoomConfig struct {
	JID      string `toml:"jid"`
	AutoJoin bool   `toml:"auto_join"`
	Nickname string `toml:"nickname"`
}

// RosterConfig controls retention of departed occupants.
type RosterConfig struct {
	// RetentionMinutes is how long departed occupants stay queryable
	// before being pruned. 0 keeps them forever.
	RetentionMinutes int `toml:"retention_minutes"`
}

// ReconnectConfig controls the supervisor's reconnect policy.
type ReconnectConfig struct {
	Enabled      bool `toml:"enabled"`
	DelaySeconds int  `toml:"delay_seconds"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains storage settings.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// Paths holds the XDG-compliant paths for the application.
type Paths struct {
	ConfigDir string
	DataDir   string
}

// ErrInvalidServer indicates a config without the BOSH endpoint or domain.
// There is nothing to connect to; construction fails fast.
var ErrInvalidServer = errors.New("config: server url and domain are required")

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Lang:        "en",
			Wait:        "60",
			Hold:        "1",
			ContentType: "text/xml; charset=utf-8",
			Version:     "1.6",
			XMPPVersion: "1.0",
		},
		Roster: RosterConfig{
			RetentionMinutes: 0,
		},
		Reconnect: ReconnectConfig{
			Enabled:      true,
			DelaySeconds: 5,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: false,
		},
	}
}

// Validate checks the parts of the configuration that make a client
// unconstructible when missing.
func (c *Config) Validate() error {
	if c.Server.URL == "" || c.Server.Domain == "" {
		return ErrInvalidServer
	}
	return nil
}

// ReconnectDelay returns the configured delay between reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	if c.Reconnect.DelaySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Reconnect.DelaySeconds) * time.Second
}

// RosterRetention returns how long departed occupants are retained, or 0
// for unbounded retention.
func (c *Config) RosterRetention() time.Duration {
	return time.Duration(c.Roster.RetentionMinutes) * time.Minute
}

// GetPaths returns XDG-compliant paths for the application.
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}

	return &Paths{
		ConfigDir: filepath.Join(configDir, "kgchat"),
		DataDir:   filepath.Join(dataDir, "kgchat"),
	}, nil
}

// EnsureDirectories creates the config and data directories.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load reads the configuration from the default location. A missing file
// yields the defaults; the caller still has to Validate before connecting.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	return LoadFile(filepath.Join(paths.ConfigDir, "config.toml"), paths)
}

// LoadFile reads the configuration from an explicit path.
func LoadFile(path string, paths *Paths) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyPathDefaults(cfg, paths)
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyPathDefaults(cfg, paths)
	return cfg, nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(paths.ConfigDir, "config.toml"))
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func applyPathDefaults(cfg *Config, paths *Paths) {
	if paths == nil {
		return
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = paths.DataDir
	} else {
		cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.Storage.DataDir, "kgchat.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
