package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oicur0t/sqlaudit/internal/agent"
	"github.com/oicur0t/sqlaudit/pkg/models"
)

type fakeController struct {
	watermark time.Time
	stats     agent.StatsSnapshot
	records   []models.LogRecord
	result    agent.TickResult
	err       error
	limits    []int
}

func (f *fakeController) StreamID() string           { return "sql_server_push_log" }
func (f *fakeController) Running() bool              { return true }
func (f *fakeController) Watermark() time.Time       { return f.watermark }
func (f *fakeController) Stats() agent.StatsSnapshot { return f.stats }

func (f *fakeController) RecentRecords(max int) []models.LogRecord {
	f.limits = append(f.limits, max)
	if max > 0 && max < len(f.records) {
		return f.records[:max]
	}
	return f.records
}

func (f *fakeController) CollectNow(ctx context.Context) (agent.TickResult, error) {
	return f.result, f.err
}

func newTestServer(t *testing.T, ctrl *fakeController) *httptest.Server {
	srv := httptest.NewServer(New(ctrl, zaptest.NewLogger(t)).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestStatus(t *testing.T) {
	wm := time.Date(2025, 6, 9, 14, 0, 0, 0, time.UTC)
	ctrl := &fakeController{
		watermark: wm,
		stats:     agent.StatsSnapshot{Ticks: 4, RecordsDelivered: 12, LastOutcome: agent.OutcomeCommitted},
	}
	srv := newTestServer(t, ctrl)

	resp, body := get(t, srv.URL+"/v1/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, "sql_server_push_log", report.StreamID)
	assert.True(t, report.Running)
	assert.True(t, wm.Equal(report.Watermark))
	assert.EqualValues(t, 12, report.Stats.RecordsDelivered)
	assert.Equal(t, agent.OutcomeCommitted, report.Stats.LastOutcome)
}

func TestRecords(t *testing.T) {
	ctrl := &fakeController{records: []models.LogRecord{
		{UniqueKey: "b", LogType: models.LogTypeSQLLoginFailure},
		{UniqueKey: "a", LogType: models.LogTypeSQLLoginSuccess},
	}}
	srv := newTestServer(t, ctrl)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantKeys  []string
		wantLimit int
	}{
		{"default limit", "", http.StatusOK, []string{"b", "a"}, defaultRecordLimit},
		{"explicit limit", "?limit=1", http.StatusOK, []string{"b"}, 1},
		{"bad limit", "?limit=abc", http.StatusBadRequest, nil, -1},
		{"negative limit", "?limit=-2", http.StatusBadRequest, nil, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl.limits = nil
			resp, body := get(t, srv.URL+"/v1/records"+tt.query)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			if tt.wantCode != http.StatusOK {
				assert.Empty(t, ctrl.limits)
				return
			}

			var records []models.LogRecord
			require.NoError(t, json.Unmarshal(body, &records))
			var keys []string
			for _, r := range records {
				keys = append(keys, r.UniqueKey)
			}
			assert.Equal(t, tt.wantKeys, keys)
			assert.Equal(t, []int{tt.wantLimit}, ctrl.limits)
		})
	}
}

func TestRecords_EmptyIsArray(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	_, body := get(t, srv.URL+"/v1/records")
	assert.JSONEq(t, "[]", string(body))
}

func TestCollect(t *testing.T) {
	tests := []struct {
		name     string
		result   agent.TickResult
		err      error
		wantCode int
	}{
		{"committed", agent.TickResult{Outcome: agent.OutcomeCommitted, Records: 3}, nil, http.StatusOK},
		{"nothing new", agent.TickResult{Outcome: agent.OutcomeNoRecords}, nil, http.StatusOK},
		{"rolled back", agent.TickResult{Outcome: agent.OutcomeRolledBack}, nil, http.StatusBadGateway},
		{"failed", agent.TickResult{Outcome: agent.OutcomeFailed}, errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeController{result: tt.result, err: tt.err})

			resp, err := http.Post(srv.URL+"/v1/collect", "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			var got agent.TickResult
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, tt.result.Outcome, got.Outcome)
		})
	}
}

func TestCollect_RequiresPost(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, _ := get(t, srv.URL+"/v1/collect")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeController{})

	resp, body := get(t, srv.URL+"/v1/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))
}

func TestMetrics(t *testing.T) {
	ctrl := &fakeController{
		watermark: time.Unix(1749477731, 0),
		stats:     agent.StatsSnapshot{RecordsDelivered: 12, Rollbacks: 1},
	}
	srv := newTestServer(t, ctrl)

	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	text := string(body)
	assert.Contains(t, text, `sqlaudit_agent_records_delivered_total{stream_id="sql_server_push_log"} 12`)
	assert.Contains(t, text, `sqlaudit_agent_rollbacks_total{stream_id="sql_server_push_log"} 1`)
	assert.Contains(t, text, `sqlaudit_agent_running{stream_id="sql_server_push_log"} 1`)
	assert.Contains(t, text, "sqlaudit_agent_watermark_timestamp_seconds")
}
