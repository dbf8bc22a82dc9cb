package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "api:\n  url: https://audit.example.com/api/logs\n")

	cfg, err := LoadAgentConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "sqlaudit-agent/1.0", cfg.API.UserAgent)
	assert.True(t, cfg.Retry.Enabled)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Retry.Delay)
	assert.Equal(t, 10, cfg.Batching.Size)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 200, cfg.Cache.Capacity)
	assert.Equal(t, "sql_server_push_log", cfg.Ledger.StreamID)
	assert.Equal(t, 3, cfg.Ledger.LookbackDays)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.CompactInterval)
	assert.Equal(t, DefaultStreams(), cfg.Streams)
	assert.Len(t, cfg.ActiveStreams(), 2)
}

func TestLoadAgentConfig_Streams(t *testing.T) {
	path := writeConfig(t, `
api:
  url: http://collector:8080/ingest
  token: secret
batching:
  size: 25
streams:
  - name: application
    log_name: Application
    source: MSSQL$PROD
    event_codes: [18453, 18456]
  - name: security
    log_name: Security
    source: Microsoft-Windows-Security-Auditing
    event_codes: [4625]
    message_contains: sql
    enabled: false
`)

	cfg, err := LoadAgentConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Batching.Size)
	require.Len(t, cfg.Streams, 2)
	assert.Equal(t, []int64{18453, 18456}, cfg.Streams[0].EventCodes)
	assert.True(t, cfg.Streams[0].IsEnabled())
	assert.False(t, cfg.Streams[1].IsEnabled())

	active := cfg.ActiveStreams()
	require.Len(t, active, 1)
	assert.Equal(t, "MSSQL$PROD", active[0].Source)
}

func TestLoadAgentConfig_Environment(t *testing.T) {
	t.Setenv("SQLAUDIT_API_URL", "https://env.example.com/logs")
	t.Setenv("SQLAUDIT_API_TOKEN", "from-env")
	t.Setenv("SQLAUDIT_POLL_INTERVAL", "1m")

	cfg, err := LoadAgentConfig("")
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com/logs", cfg.API.URL)
	assert.Equal(t, "from-env", cfg.API.Token)
	assert.Equal(t, time.Minute, cfg.PollInterval)
}

func TestLoadAgentConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing url",
			body: "batching:\n  size: 5\n",
			want: "api.url is required",
		},
		{
			name: "relative url",
			body: "api:\n  url: /api/logs\n",
			want: "absolute http(s) URL",
		},
		{
			name: "zero batch size",
			body: "api:\n  url: https://x.example.com\nbatching:\n  size: 0\n",
			want: "batching.size",
		},
		{
			name: "stream without codes",
			body: "api:\n  url: https://x.example.com\nstreams:\n  - name: a\n    log_name: Application\n    source: MSSQLSERVER\n",
			want: "at least one event code",
		},
		{
			name: "all streams disabled",
			body: "api:\n  url: https://x.example.com\nstreams:\n  - name: a\n    log_name: Application\n    source: MSSQLSERVER\n    event_codes: [18456]\n    enabled: false\n",
			want: "at least one stream must be enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAgentConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadAgentConfig_MissingFile(t *testing.T) {
	_, err := LoadAgentConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSaveAgentConfig_RoundTrip(t *testing.T) {
	cfg, err := LoadAgentConfig(writeConfig(t, "api:\n  url: https://audit.example.com/api/logs\n  token: abc\npoll_interval: 45s\n"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "conf", "agent.yaml")
	require.NoError(t, SaveAgentConfig(cfg, path))

	loaded, err := LoadAgentConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, 45*time.Second, loaded.PollInterval)
}

func TestSaveAgentConfig_RejectsInvalid(t *testing.T) {
	err := SaveAgentConfig(&AgentConfig{}, filepath.Join(t.TempDir(), "agent.yaml"))
	assert.Error(t, err)
}

func TestRender_MasksToken(t *testing.T) {
	cfg, err := LoadAgentConfig(writeConfig(t, "api:\n  url: https://audit.example.com\n  token: super-secret\n"))
	require.NoError(t, err)

	out, err := Render(cfg)
	require.NoError(t, err)

	assert.NotContains(t, string(out), "super-secret")
	assert.Contains(t, string(out), "poll_interval: 30s")
	assert.Equal(t, "super-secret", cfg.API.Token, "render must not modify the config")
}
