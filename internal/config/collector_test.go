package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCollectorConfig(t *testing.T) {
	path := writeConfig(t, `
mongodb:
  uri: mongodb://localhost:27017
  retention_days: 7
auth:
  token: shared
`)

	cfg, err := LoadCollectorConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8443", cfg.Server.ListenAddress)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.EqualValues(t, 10<<20, cfg.Server.MaxBodyBytes)
	assert.Equal(t, "sqlaudit", cfg.MongoDB.Database)
	assert.Equal(t, "audit_records", cfg.MongoDB.Collection)
	assert.Equal(t, 7, cfg.MongoDB.RetentionDays)
	assert.Equal(t, "shared", cfg.Auth.Token)
	assert.False(t, cfg.MTLS.Enabled)
}

func TestLoadCollectorConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing uri", "auth:\n  token: x\n"},
		{"mtls without certs", "mongodb:\n  uri: mongodb://db\nmtls:\n  enabled: true\n"},
		{"client auth without ca", "mongodb:\n  uri: mongodb://db\nmtls:\n  enabled: true\n  server_cert: s.pem\n  server_key: s.key\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCollectorConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
