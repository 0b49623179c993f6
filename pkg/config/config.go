package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath    = "COGBOT_CONFIG"
	envBotToken      = "BOT_TOKEN"
	envBotAllowFrom  = "BOT_ALLOW_FROM"
	envDatabaseURL   = "DB_URL"
	envAgentBaseURL  = "AGENT_BASE_URL"
	defaultPrefix    = "!"
	defaultLogTable  = "logs"
	defaultPoolSize  = 4
	defaultMaxActive = 16
)

// DefaultExtensions is the load order used when the config names none.
var DefaultExtensions = []string{"general", "mentor", "agent", "audit"}

// Config is the root runtime configuration.
type Config struct {
	Bot      BotConfig      `json:"bot" yaml:"bot"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Logging  LoggingConfig  `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// BotConfig controls command parsing and extension loading.
type BotConfig struct {
	Prefix        string   `json:"prefix" yaml:"prefix"`
	Extensions    []string `json:"extensions" yaml:"extensions"`
	MaxConcurrent int      `json:"max_concurrent" yaml:"max_concurrent"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allow_from" yaml:"allow_from"`
}

// StoreConfig configures the pooled relational store.
//
// An empty DSN runs the bot without persistence.
type StoreConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
	LogTable string `json:"log_table" yaml:"log_table"`
	// LogLevel is the lowest level persisted to LogTable. Empty persists
	// everything, independent of the local logging level.
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// AgentConfig configures the agent-query HTTP collaborator.
type AgentConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// LoadConfig resolves an optional config file, unmarshals it, applies
// environment overrides and fills defaults.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	var cfg Config
	if configPath != "" {
		if err := readConfigFile(configPath, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

func readConfigFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	}

	return nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
		cfg.Channels.Telegram.Enabled = true
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envBotAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if dsn := strings.TrimSpace(os.Getenv(envDatabaseURL)); dsn != "" {
		cfg.Store.DSN = dsn
	}

	if baseURL := strings.TrimSpace(os.Getenv(envAgentBaseURL)); baseURL != "" {
		cfg.Agent.BaseURL = baseURL
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Bot.Prefix) == "" {
		cfg.Bot.Prefix = defaultPrefix
	}
	if len(cfg.Bot.Extensions) == 0 {
		cfg.Bot.Extensions = slices.Clone(DefaultExtensions)
	}
	if cfg.Bot.MaxConcurrent <= 0 {
		cfg.Bot.MaxConcurrent = defaultMaxActive
	}
	if cfg.Store.PoolSize <= 0 {
		cfg.Store.PoolSize = defaultPoolSize
	}
	if strings.TrimSpace(cfg.Store.LogTable) == "" {
		cfg.Store.LogTable = defaultLogTable
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is COGBOT_CONFIG first, then cwd-local fallback paths. An empty
// path with a nil error means no file exists and defaults apply.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
