// Package config holds the CLI role and the runtime configuration record,
// loaded from YAML, environment and defaults.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/1ureka/udpftp/internal/arq"
	"github.com/1ureka/udpftp/internal/protocol"
	"github.com/1ureka/udpftp/internal/transport"
	"github.com/1ureka/udpftp/internal/util"
)

// Role represents the user's chosen role.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
	RoleWatch  Role = "watch"
)

// Config is the runtime configuration. It is passed explicitly into every
// constructor that needs it.
type Config struct {
	// Root is the directory served to clients.
	Root string `mapstructure:"root"`
	// Listen is the control channel address.
	Listen string `mapstructure:"listen"`
	// MonitorListen, when set, serves the transfer event feed.
	MonitorListen string `mapstructure:"monitor_listen"`

	// MTU derives the payload size when MaxPayload is zero.
	MTU        int           `mapstructure:"mtu"`
	MaxPayload int           `mapstructure:"max_payload"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`

	MaxSessions int `mapstructure:"max_sessions"`
	TOS         int `mapstructure:"tos"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig defines console and journal settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level   string        `mapstructure:"level"`
	Journal JournalConfig `mapstructure:"journal"`
}

// JournalConfig controls the rotating transfer journal.
type JournalConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Root:        ".",
		Listen:      ":2121",
		Timeout:     arq.DefaultTimeout,
		MaxRetries:  arq.DefaultMaxRetries,
		MaxSessions: 16,
		Log: LogConfig{
			Level: "info",
			Journal: JournalConfig{
				Enable:     false,
				Filename:   "logs/transfers.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// ARQ returns the reliable-transfer settings. An explicit max_payload wins
// over one derived from mtu; with neither set the protocol default applies.
func (c *Config) ARQ() arq.Config {
	payload := c.MaxPayload
	if payload <= 0 && c.MTU > 0 {
		payload = protocol.MaxPayloadForMTU(c.MTU)
	}
	return arq.Config{MaxPayload: payload, Timeout: c.Timeout, MaxRetries: c.MaxRetries}
}

// Transport returns data endpoint options.
func (c *Config) Transport() transport.Options {
	return transport.Options{TOS: c.TOS}
}

// JournalSettings converts the journal block for util.OpenJournal.
func (c *Config) JournalSettings() util.JournalConfig {
	j := c.Log.Journal
	return util.JournalConfig{
		Enable:     j.Enable,
		Filename:   j.Filename,
		MaxSizeMB:  j.MaxSizeMB,
		MaxBackups: j.MaxBackups,
		MaxAgeDays: j.MaxAgeDays,
		Compress:   j.Compress,
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// newViper builds a viper instance seeded with defaults. Environment
// variables use the prefix UDPFTP and `.`/`-` are replaced with `_`.
// Example: UDPFTP_LOG_LEVEL=debug
func newViper(path string) *viper.Viper {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("UDPFTP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("root", cfg.Root)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("monitor_listen", cfg.MonitorListen)
	v.SetDefault("mtu", cfg.MTU)
	v.SetDefault("max_payload", cfg.MaxPayload)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("max_sessions", cfg.MaxSessions)
	v.SetDefault("tos", cfg.TOS)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.journal.enable", cfg.Log.Journal.Enable)
	v.SetDefault("log.journal.filename", cfg.Log.Journal.Filename)
	v.SetDefault("log.journal.max_size_mb", cfg.Log.Journal.MaxSizeMB)
	v.SetDefault("log.journal.max_backups", cfg.Log.Journal.MaxBackups)
	v.SetDefault("log.journal.max_age_days", cfg.Log.Journal.MaxAgeDays)
	v.SetDefault("log.journal.compress", cfg.Log.Journal.Compress)

	if path == "" {
		path = os.Getenv("UDPFTP_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("udpftp")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".udpftp"))
		}
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := readIn(v); err != nil {
		return nil, err
	}
	return decode(v)
}

func readIn(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Watch reloads the config file on change and calls fn with each valid new
// record until ctx is done. Invalid edits are logged and skipped. It is a
// no-op when no config file is in use.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	v := newViper(path)
	if err := readIn(v); err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return nil
	}

	file := v.ConfigFileUsed()
	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil || !e.Has(fsnotify.Write|fsnotify.Create) {
			return
		}
		// Editors and os.WriteFile truncate before writing, so a change
		// event may see an empty or partial file. Such a snapshot sets no
		// keys and would silently reset everything to defaults.
		data, err := os.ReadFile(file)
		if err != nil {
			util.LogWarning("config reload (%s): %v", e.Name, err)
			return
		}
		fresh := newViper(file)
		if err := fresh.ReadConfig(bytes.NewReader(data)); err != nil {
			util.LogWarning("config reload (%s): %v", e.Name, err)
			return
		}
		if !setsAnyKey(fresh) {
			util.LogDebug("config reload (%s): no keys set yet, skipped", e.Name)
			return
		}
		cfg, err := decode(fresh)
		if err != nil {
			util.LogWarning("config reload (%s): %v", e.Name, err)
			return
		}
		util.LogInfo("config reloaded from %s", e.Name)
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

// maxUDPPayload is the largest segment payload that still fits one IPv4
// UDP datagram.
const maxUDPPayload = 65507 - protocol.HeaderSize

func setsAnyKey(v *viper.Viper) bool {
	for _, k := range v.AllKeys() {
		if v.InConfig(k) {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.MTU < 0 || c.MaxPayload < 0 {
		return fmt.Errorf("invalid payload sizing: mtu=%d max_payload=%d", c.MTU, c.MaxPayload)
	}
	if c.MaxPayload > maxUDPPayload {
		return fmt.Errorf("max_payload %d exceeds a UDP datagram", c.MaxPayload)
	}
	if c.MaxPayload == 0 && c.MTU > 0 {
		if p := protocol.MaxPayloadForMTU(c.MTU); p > maxUDPPayload {
			return fmt.Errorf("mtu %d gives a %d byte payload, which exceeds a UDP datagram", c.MTU, p)
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("invalid max_retries: %d", c.MaxRetries)
	}
	if c.MaxSessions < 1 {
		c.MaxSessions = 1
	}
	if strings.TrimSpace(c.Root) == "" {
		c.Root = "."
	}
	return nil
}
