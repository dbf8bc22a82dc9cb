package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexContext_OutlivesRequest(t *testing.T) {
	type key struct{}
	request, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "req-1"))
	cancel()

	ctx, stop := indexContext(request, time.Minute)
	defer stop()

	assert.NoError(t, ctx.Err(), "a cancelled request must not abort index creation")
	assert.Equal(t, "req-1", ctx.Value(key{}))
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

func TestIndexModels(t *testing.T) {
	names := func(retentionDays int) []string {
		var out []string
		for _, m := range indexModels(retentionDays) {
			out = append(out, *m.Options.Name)
		}
		return out
	}

	assert.Equal(t, []string{"time_generated_desc", "log_type_time_generated", "client_ip_time_generated"}, names(0))

	withTTL := indexModels(7)
	require.Len(t, withTTL, 4)
	ttl := withTTL[3].Options
	assert.Equal(t, "ttl_index", *ttl.Name)
	require.NotNil(t, ttl.ExpireAfterSeconds)
	assert.Equal(t, int32(7*24*60*60), *ttl.ExpireAfterSeconds)
}
