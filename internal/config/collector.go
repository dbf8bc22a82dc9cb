package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPServerConfig holds HTTP server settings
type HTTPServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI           string        `mapstructure:"uri"`
	Database      string        `mapstructure:"database"`
	Collection    string        `mapstructure:"collection"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxPoolSize   uint64        `mapstructure:"max_pool_size"`
	RetentionDays int           `mapstructure:"retention_days"`
}

// ServerMTLSConfig holds mTLS configuration for the collector
type ServerMTLSConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CACert            string `mapstructure:"ca_cert"`
	ServerCert        string `mapstructure:"server_cert"`
	ServerKey         string `mapstructure:"server_key"`
	RequireClientCert bool   `mapstructure:"require_client_cert"`
}

// AuthConfig holds the bearer token agents must present
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// CollectorConfig represents the complete collector configuration
type CollectorConfig struct {
	Server    HTTPServerConfig `mapstructure:"server"`
	MongoDB   MongoDBConfig    `mapstructure:"mongodb"`
	MTLS      ServerMTLSConfig `mapstructure:"mtls"`
	Auth      AuthConfig       `mapstructure:"auth"`
	LogLevel  string           `mapstructure:"log_level"`
	LogFormat string           `mapstructure:"log_format"`
}

// LoadCollectorConfig loads the collector configuration from a file
func LoadCollectorConfig(configPath string) (*CollectorConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("server.listen_address", "0.0.0.0:8443")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("mongodb.uri", "")
	v.SetDefault("mongodb.database", "sqlaudit")
	v.SetDefault("mongodb.collection", "audit_records")
	v.SetDefault("mongodb.timeout", "10s")
	v.SetDefault("mongodb.max_pool_size", 100)
	v.SetDefault("mongodb.retention_days", 30)
	v.SetDefault("mtls.enabled", false)
	v.SetDefault("mtls.require_client_cert", true)
	v.SetDefault("auth.token", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config CollectorConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if config.MongoDB.URI == "" {
		return nil, fmt.Errorf("mongodb.uri is required")
	}
	if config.MTLS.Enabled {
		if config.MTLS.ServerCert == "" || config.MTLS.ServerKey == "" {
			return nil, fmt.Errorf("mtls.server_cert and mtls.server_key are required when mTLS is enabled")
		}
		if config.MTLS.RequireClientCert && config.MTLS.CACert == "" {
			return nil, fmt.Errorf("mtls.ca_cert is required to verify client certificates")
		}
	}

	return &config, nil
}
