// Package config holds the OpenControlGate configuration: server settings,
// storage, declarative base policies, ledger, escalation defaults and
// notification channels. Config is YAML with ${ENV} substitution and
// supports hot reload through an fsnotify watcher.
package config

import (
	"time"
)

// Config is the top-level OpenControlGate configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Policies   []PolicyConfig   `yaml:"policies"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Escalation EscalationConfig `yaml:"escalation"`
	Channels   []ChannelConfig  `yaml:"channels"`
	Session    SessionConfig    `yaml:"session"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// PolicyConfig is one declarative base policy, merged with dynamic
// policies from the store at evaluation time.
type PolicyConfig struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Severity    int    `yaml:"severity"`
	Tool        string `yaml:"tool"`
	URLRegex    string `yaml:"url_regex"`
	ArgsRegex   string `yaml:"args_regex"`
	Condition   string `yaml:"condition"`
	Action      string `yaml:"action"` // allow, review, block
}

type LedgerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EscalationConfig is the global escalation scope written to runtime state
// at startup. Per-agent overrides are managed through the admin API.
type EscalationConfig struct {
	AutoKSEnabled       bool    `yaml:"auto_ks_enabled"`
	BlockThreshold      int     `yaml:"block_threshold"`
	RiskThreshold       float64 `yaml:"risk_threshold"`
	WindowSize          int     `yaml:"window_size"`
	ReviewRiskThreshold int     `yaml:"review_risk_threshold"`
	NotifyAll           bool    `yaml:"notify_all"`
}

// ChannelConfig is one notification channel registered at startup.
type ChannelConfig struct {
	ID     string `yaml:"id"`
	Kind   string `yaml:"kind"` // slack, webhook
	Label  string `yaml:"label"`
	Target string `yaml:"target"`
	Secret string `yaml:"secret"`
	Events string `yaml:"events"` // comma-joined event types, "*" for all
}

type SessionConfig struct {
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     7466,
			LogLevel: "info",
			CORS:     false,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./opencontrolgate.db",
		},
		Ledger: LedgerConfig{
			Enabled: false,
		},
		Escalation: EscalationConfig{
			AutoKSEnabled:       false,
			BlockThreshold:      3,
			RiskThreshold:       82,
			WindowSize:          10,
			ReviewRiskThreshold: 70,
			NotifyAll:           true,
		},
		Session: SessionConfig{
			Window: 60 * time.Minute,
			Limit:  50,
		},
	}
}
