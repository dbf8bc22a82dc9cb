package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SQLAUDIT"

// APIConfig holds the ingestion endpoint settings
type APIConfig struct {
	URL       string        `mapstructure:"url" yaml:"url"`
	Token     string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
	Compress  bool          `mapstructure:"compress" yaml:"compress"`
}

// RetryConfig controls per-batch retries
type RetryConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	Delay      time.Duration `mapstructure:"delay" yaml:"delay"`
}

// BatchingConfig holds batching configuration
type BatchingConfig struct {
	Size int `mapstructure:"size" yaml:"size"`
}

// CacheConfig sizes the recent-record cache
type CacheConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// LedgerConfig locates the delivery ledger and bounds its history
type LedgerConfig struct {
	Dir             string        `mapstructure:"dir" yaml:"dir"`
	StreamID        string        `mapstructure:"stream_id" yaml:"stream_id"`
	LookbackDays    int           `mapstructure:"lookback_days" yaml:"lookback_days"`
	RetentionDays   int           `mapstructure:"retention_days" yaml:"retention_days"`
	CompactInterval time.Duration `mapstructure:"compact_interval" yaml:"compact_interval"`
}

// EventSourceConfig points at the NDJSON event export to follow
type EventSourceConfig struct {
	Path      string        `mapstructure:"path" yaml:"path"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// StreamConfig selects events by log, source and event code
type StreamConfig struct {
	Name            string  `mapstructure:"name" yaml:"name"`
	LogName         string  `mapstructure:"log_name" yaml:"log_name"`
	Source          string  `mapstructure:"source" yaml:"source"`
	EventCodes      []int64 `mapstructure:"event_codes" yaml:"event_codes,flow"`
	MessageContains string  `mapstructure:"message_contains" yaml:"message_contains,omitempty"`
	Enabled         *bool   `mapstructure:"enabled" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the stream is collected. Streams are enabled
// unless explicitly disabled.
func (s StreamConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StatusConfig holds the local status endpoint settings
type StatusConfig struct {
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address,omitempty"`
}

// MTLSConfig holds client certificate settings for the ingestion endpoint
type MTLSConfig struct {
	CACert             string `mapstructure:"ca_cert" yaml:"ca_cert,omitempty"`
	ClientCert         string `mapstructure:"client_cert" yaml:"client_cert,omitempty"`
	ClientKey          string `mapstructure:"client_key" yaml:"client_key,omitempty"`
	ServerName         string `mapstructure:"server_name" yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify,omitempty"`
}

// AgentConfig represents the complete agent configuration
type AgentConfig struct {
	API           APIConfig         `mapstructure:"api" yaml:"api"`
	Retry         RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Batching      BatchingConfig    `mapstructure:"batching" yaml:"batching"`
	PollInterval  time.Duration     `mapstructure:"poll_interval" yaml:"poll_interval"`
	ErrorCooldown time.Duration     `mapstructure:"error_cooldown" yaml:"error_cooldown"`
	Cache         CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Ledger        LedgerConfig      `mapstructure:"ledger" yaml:"ledger"`
	EventSource   EventSourceConfig `mapstructure:"event_source" yaml:"event_source"`
	Streams       []StreamConfig    `mapstructure:"streams" yaml:"streams"`
	Status        StatusConfig      `mapstructure:"status" yaml:"status,omitempty"`
	MTLS          MTLSConfig        `mapstructure:"mtls" yaml:"mtls,omitempty"`
	LogLevel      string            `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string            `mapstructure:"log_format" yaml:"log_format"`
}

// DefaultStreams returns the SQL Server login streams collected when the
// configuration names none.
func DefaultStreams() []StreamConfig {
	return []StreamConfig{
		{
			Name:       "application",
			LogName:    "Application",
			Source:     "MSSQLSERVER",
			EventCodes: []int64{18453, 18454, 18456},
		},
		{
			Name:            "security",
			LogName:         "Security",
			Source:          "Microsoft-Windows-Security-Auditing",
			EventCodes:      []int64{4624, 4625},
			MessageContains: "SQL",
		},
	}
}

func newAgentViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("api.url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.user_agent", "sqlaudit-agent/1.0")
	v.SetDefault("api.compress", false)
	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.delay", "5s")
	v.SetDefault("batching.size", 10)
	v.SetDefault("poll_interval", "30s")
	v.SetDefault("error_cooldown", "30s")
	v.SetDefault("cache.capacity", 200)
	v.SetDefault("ledger.dir", "./ledger")
	v.SetDefault("ledger.stream_id", "sql_server_push_log")
	v.SetDefault("ledger.lookback_days", 3)
	v.SetDefault("ledger.retention_days", 3)
	v.SetDefault("ledger.compact_interval", "24h")
	v.SetDefault("event_source.path", "")
	v.SetDefault("event_source.retention", "96h")
	v.SetDefault("status.listen_address", "")
	v.SetDefault("mtls.ca_cert", "")
	v.SetDefault("mtls.client_cert", "")
	v.SetDefault("mtls.client_key", "")
	v.SetDefault("mtls.server_name", "")
	v.SetDefault("mtls.insecure_skip_verify", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	return v
}

// LoadAgentConfig loads the agent configuration from a file. An empty path
// loads defaults and SQLAUDIT_* environment variables only.
func LoadAgentConfig(configPath string) (*AgentConfig, error) {
	v := newAgentViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config AgentConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Streams) == 0 {
		config.Streams = DefaultStreams()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks required fields and value ranges
func (c *AgentConfig) Validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("api.url is required")
	}
	u, err := url.Parse(c.API.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.url must be an absolute http(s) URL: %q", c.API.URL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Batching.Size <= 0 {
		return fmt.Errorf("batching.size must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Ledger.StreamID == "" {
		return fmt.Errorf("ledger.stream_id is required")
	}
	if c.Ledger.LookbackDays <= 0 {
		return fmt.Errorf("ledger.lookback_days must be positive")
	}
	if c.MTLS.ClientCert != "" && c.MTLS.ClientKey == "" {
		return fmt.Errorf("mtls.client_key is required with mtls.client_cert")
	}

	names := make(map[string]bool, len(c.Streams))
	enabled := 0
	for i, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("streams[%d].name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate stream name %q", s.Name)
		}
		names[s.Name] = true
		if s.LogName == "" || s.Source == "" {
			return fmt.Errorf("stream %q needs log_name and source", s.Name)
		}
		if len(s.EventCodes) == 0 {
			return fmt.Errorf("stream %q needs at least one event code", s.Name)
		}
		if s.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one stream must be enabled")
	}

	return nil
}

// ActiveStreams returns the enabled streams
func (c *AgentConfig) ActiveStreams() []StreamConfig {
	var out []StreamConfig
	for _, s := range c.Streams {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// Render returns the configuration as YAML with the API token masked
func Render(config *AgentConfig) ([]byte, error) {
	redacted := *config
	if redacted.API.Token != "" {
		redacted.API.Token = "********"
	}
	return yaml.Marshal(&redacted)
}

// SaveAgentConfig writes the configuration to path, replacing any
// existing file.
func SaveAgentConfig(config *AgentConfig, path string) error {
	if err := config.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
