// Package config loads the static monitor configuration: the terminal
// users, their accounts and the sync cadence. Identities are immutable
// after load; adding an account requires a restart.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Account is one monitored brokerage account. Many accounts share the
// terminal connection of their parent user.
type Account struct {
	AccountID string `mapstructure:"account_id"`
	Name      string `mapstructure:"name"`
	Code      string `mapstructure:"account"`
	Enabled   bool   `mapstructure:"enabled"`
}

// User is one terminal login; it owns exactly one connection.
type User struct {
	UserID   string    `mapstructure:"user_id"`
	Name     string    `mapstructure:"name"`
	Host     string    `mapstructure:"host"`
	Port     int       `mapstructure:"port"`
	Username string    `mapstructure:"username"`
	Password string    `mapstructure:"password"`
	Accounts []Account `mapstructure:"accounts"`
}

// EnabledAccounts returns the user's accounts with monitoring enabled.
func (u User) EnabledAccounts() []Account {
	var out []Account
	for _, a := range u.Accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Log configures the process logger.
type Log struct {
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
	Development bool   `mapstructure:"development"`
}

// Config is the full monitor configuration.
type Config struct {
	Log            Log           `mapstructure:"log"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	BroadcastQueue int           `mapstructure:"broadcast_queue"`
	Users          []User        `mapstructure:"users"`
}

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 10 * time.Second
	DefaultRefreshTimeout = 10 * time.Second
	DefaultBroadcastQueue = 64
)

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"poll_interval":    DefaultPollInterval,
		"connect_timeout":  DefaultConnectTimeout,
		"command_timeout":  DefaultCommandTimeout,
		"refresh_timeout":  DefaultRefreshTimeout,
		"broadcast_queue":  DefaultBroadcastQueue,
		"log.file":         "logs/dasmon.log",
		"log.max_size_mb":  50,
		"log.max_backups":  5,
		"log.max_age_days": 14,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("DASMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, validate(&cfg)
}

func validate(cfg *Config) error {
	if len(cfg.Users) == 0 {
		return errors.New("no users configured")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("invalid poll_interval")
	}
	if cfg.ConnectTimeout <= 0 || cfg.CommandTimeout <= 0 || cfg.RefreshTimeout <= 0 {
		return errors.New("invalid timeout configuration")
	}

	seenUsers := make(map[string]struct{})
	seenAccounts := make(map[string]struct{})
	for _, u := range cfg.Users {
		if u.UserID == "" {
			return errors.New("user with empty user_id")
		}
		if _, dup := seenUsers[u.UserID]; dup {
			return fmt.Errorf("duplicate user_id %q", u.UserID)
		}
		seenUsers[u.UserID] = struct{}{}
		if u.Host == "" || u.Port <= 0 || u.Port > 65535 {
			return fmt.Errorf("user %q: invalid host/port", u.UserID)
		}
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("user %q: missing credentials", u.UserID)
		}
		for _, a := range u.Accounts {
			if a.AccountID == "" {
				return fmt.Errorf("user %q: account with empty account_id", u.UserID)
			}
			if _, dup := seenAccounts[a.AccountID]; dup {
				return fmt.Errorf("duplicate account_id %q", a.AccountID)
			}
			seenAccounts[a.AccountID] = struct{}{}
			if a.Code == "" {
				return fmt.Errorf("account %q: missing upstream account code", a.AccountID)
			}
		}
	}
	return nil
}
