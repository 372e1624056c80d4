// Package config handles dispatch core configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/brightloop/dispatchcore/internal/dispatcherr"
)

// searchPathsFunc is overridden in tests to avoid picking up real
// config files on the machine running the tests.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order. An
// explicit path (from -config flag) is checked first. Then:
// ./config.yaml, ~/.config/dispatchcore/config.yaml,
// /config/config.yaml, /etc/dispatchcore/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dispatchcore", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/dispatchcore/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches searchPathsFunc() and returns the first
// path that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all dispatch core configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	ChatLane  LaneConfig      `yaml:"chat_lane"`
	MemLane   LaneConfig      `yaml:"memory_lane"`
	Workers   int             `yaml:"thread_pool_max_workers"`
	Creds     CredentialsYAML `yaml:"credentials"`
	Models    ModelsConfig    `yaml:"models"`
	History   HistoryConfig   `yaml:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`

	// AutoTLSDomain, when set, switches the server to automatic TLS
	// certificate provisioning via ACME for that domain instead of
	// plain HTTP on Port. Requires the process to be reachable on
	// :80 for the ACME HTTP-01 challenge; the API is then served on
	// :443.
	AutoTLSDomain string `yaml:"auto_tls_domain"`
	AutoTLSCache  string `yaml:"auto_tls_cache_dir"`
}

// LaneConfig mirrors queue.LaneConfig's shape for YAML decoding; the
// seconds-based Timeout field is converted to a time.Duration by the
// caller that wires this into queue.LaneConfig.
type LaneConfig struct {
	RPM            int `yaml:"rpm_limit"`
	Capacity       int `yaml:"queue_size"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// CredentialsYAML holds the three upstream API keys. MEMORY_API_KEY
// is optional; when empty the memory lane falls back to the backup
// credential.
type CredentialsYAML struct {
	MainAPIKey   string `yaml:"main_api_key"`
	BackupAPIKey string `yaml:"backup_api_key"`
	MemoryAPIKey string `yaml:"memory_api_key"`
	BaseURL      string `yaml:"base_url"`
}

// ModelsConfig names the model used for each of the three request
// kinds. Configuration, not hard-coded policy.
type ModelsConfig struct {
	Chat       string `yaml:"chat"`
	Extraction string `yaml:"extraction"`
	Embedding  string `yaml:"embedding"`
	EmbedDim   int    `yaml:"embed_dim"`
}

// HistoryConfig controls per-user conversation history and the
// memory-trigger cadence.
type HistoryConfig struct {
	MaxRounds        int `yaml:"max_history_rounds"`
	TriggerEveryNth  int `yaml:"memory_trigger_every_n_turns"`
	MemoryTopK       int `yaml:"memory_top_k"`
}

// TelemetryConfig defines the optional MQTT stats publisher.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	TopicPrefix  string `yaml:"topic_prefix"`
	IntervalSecs int    `yaml:"interval_seconds"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MAIN_API_KEY}). This is a
	// convenience for container deployments; the recommended approach
	// is to put secrets directly in the environment and reference them
	// here rather than check them into the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with the production
// defaults. Called automatically by Load. After this, callers can
// read any field without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Listen.AutoTLSDomain != "" && c.Listen.AutoTLSCache == "" {
		c.Listen.AutoTLSCache = "./data/autocert-cache"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.ChatLane.RPM == 0 {
		c.ChatLane.RPM = 250
	}
	if c.ChatLane.Capacity == 0 {
		c.ChatLane.Capacity = 1000
	}
	if c.ChatLane.TimeoutSeconds == 0 {
		c.ChatLane.TimeoutSeconds = 240
	}

	if c.MemLane.RPM == 0 {
		c.MemLane.RPM = 400
	}
	if c.MemLane.Capacity == 0 {
		c.MemLane.Capacity = 500
	}
	if c.MemLane.TimeoutSeconds == 0 {
		c.MemLane.TimeoutSeconds = 120
	}

	if c.Workers == 0 {
		c.Workers = 300
	}

	if c.Creds.BaseURL == "" {
		c.Creds.BaseURL = "https://api.openai.com/v1"
	}

	if c.Models.Chat == "" {
		c.Models.Chat = "gpt-4o"
	}
	if c.Models.Extraction == "" {
		c.Models.Extraction = "gpt-4o-mini"
	}
	if c.Models.Embedding == "" {
		c.Models.Embedding = "text-embedding-3-small"
	}
	if c.Models.EmbedDim == 0 {
		c.Models.EmbedDim = 1536
	}

	if c.History.MaxRounds == 0 {
		c.History.MaxRounds = 3
	}
	if c.History.TriggerEveryNth == 0 {
		c.History.TriggerEveryNth = 3
	}
	if c.History.MemoryTopK == 0 {
		c.History.MemoryTopK = 3
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.TopicPrefix == "" {
			c.Telemetry.TopicPrefix = "dispatchcore/stats"
		}
		if c.Telemetry.IntervalSecs == 0 {
			c.Telemetry.IntervalSecs = 30
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are
// populated. Returns an error describing the first problem found, or
// nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Creds.MainAPIKey == "" {
		return dispatcherr.ConfigError("main_api_key is required")
	}
	if c.Creds.BackupAPIKey == "" {
		return dispatcherr.ConfigError("backup_api_key is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("thread_pool_max_workers %d must be positive", c.Workers)
	}
	if c.Telemetry.Enabled && c.Telemetry.BrokerURL == "" {
		return fmt.Errorf("telemetry.broker_url is required when telemetry.enabled is true")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against a real OpenAI-compatible endpoint, with
// placeholder credentials that must be overridden before use.
func Default() *Config {
	cfg := &Config{
		Creds: CredentialsYAML{
			MainAPIKey:   "CHANGE_ME_MAIN",
			BackupAPIKey: "CHANGE_ME_BACKUP",
		},
	}
	cfg.applyDefaults()
	return cfg
}
