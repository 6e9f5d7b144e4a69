package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vlebourl/redlights/internal/auth"
	"github.com/vlebourl/redlights/internal/config"
	"github.com/vlebourl/redlights/internal/memstore"
	"github.com/vlebourl/redlights/internal/ride"
)

var start = time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC)

func sharedStore(mem *memstore.Store) openFunc {
	return func(context.Context, config.Config, bool) (*backend, error) {
		return &backend{repo: mem, store: mem, close: func() {}}, nil
	}
}

func execute(t *testing.T, open openFunc, stdin string, args ...string) (string, error) {
	t.Helper()
	cfg := config.Config{JWTSecret: "secret", ClusterRadiusM: 10, MaxAccuracyM: 50}
	root := newRootCmd(cfg, open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func ndjson(t *testing.T, fixes []ride.Fix) string {
	t.Helper()
	var b strings.Builder
	enc := json.NewEncoder(&b)
	for _, f := range fixes {
		require.NoError(t, enc.Encode(f))
	}
	return b.String()
}

func stopAtLight() []ride.Fix {
	acc := 5.0
	fix := func(sec int, speed float64) ride.Fix {
		return ride.Fix{Latitude: 45.76, Longitude: 4.83, SpeedKmh: speed, Accuracy: &acc,
			Timestamp: start.Add(time.Duration(sec) * time.Second)}
	}
	fixes := []ride.Fix{fix(0, 20)}
	for sec := 1; sec <= 16; sec++ {
		fixes = append(fixes, fix(sec, 0))
	}
	return fixes
}

func TestReplayRecordsAndClusters(t *testing.T) {
	mem := memstore.New()
	out, err := execute(t, sharedStore(mem), ndjson(t, stopAtLight()), "replay", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "1 stops")
	assert.Contains(t, out, "stop 1 at 45.760000,4.830000 for 15s (cluster 1)")

	sessions, err := mem.ListSessions(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].StartTime.Equal(start))
	require.NotNil(t, sessions[0].EndTime)
	assert.True(t, sessions[0].EndTime.Equal(start.Add(16*time.Second)))

	clusters, err := mem.ListClusters(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 1, clusters[0].StopCount)
}

func TestReplayRejectsBadInput(t *testing.T) {
	mem := memstore.New()
	_, err := execute(t, sharedStore(mem), "{\"lat\": 1}\nnot json\n", "replay", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fix 2")

	_, err = execute(t, sharedStore(mem), "", "replay", "-")
	assert.EqualError(t, err, "no fixes to replay")

	_, err = execute(t, sharedStore(mem), "", "replay", "/does/not/exist.ndjson")
	assert.Error(t, err)
}

func TestRebuildClusters(t *testing.T) {
	mem := memstore.New()
	_, err := execute(t, sharedStore(mem), ndjson(t, stopAtLight()), "replay", "-")
	require.NoError(t, err)

	out, err := execute(t, sharedStore(mem), "", "rebuild-clusters")
	require.NoError(t, err)
	assert.Equal(t, "rebuilt 1 clusters\n", out)
}

func TestDiscardUnfinished(t *testing.T) {
	mem := memstore.New()
	mem.PutSession(ride.Session{ID: "left-open", StartTime: start})

	out, err := execute(t, sharedStore(mem), "", "discard-unfinished")
	require.NoError(t, err)
	assert.Equal(t, "discarded 1 unfinished sessions\n", out)

	_, err = mem.GetSession(context.Background(), "left-open")
	assert.ErrorIs(t, err, ride.ErrNotFound)
}

func TestTokenIsAccepted(t *testing.T) {
	out, err := execute(t, nil, "", "token", "--rider", "rider-7", "--ttl", "1m")
	require.NoError(t, err)

	riderID, err := auth.NewService("secret").ValidateAccessToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "rider-7", riderID)
}

func TestOpenErrorPropagates(t *testing.T) {
	boom := errors.New("postgres down")
	open := func(context.Context, config.Config, bool) (*backend, error) { return nil, boom }
	_, err := execute(t, open, "", "rebuild-clusters")
	assert.ErrorIs(t, err, boom)
}

func TestMemoryBackend(t *testing.T) {
	b, err := openBackend(context.Background(), config.Config{}, true)
	require.NoError(t, err)
	defer b.close()
	assert.NotNil(t, b.repo)
	assert.NotNil(t, b.store)
}

func TestReplayRefusesWhileRideInProgress(t *testing.T) {
	mem := memstore.New()
	mem.PutSession(ride.Session{ID: "live", StartTime: start})

	_, err := execute(t, sharedStore(mem), ndjson(t, stopAtLight()), "replay", "-")
	assert.ErrorIs(t, err, ride.ErrActiveSessionExists)

	sess, err := mem.GetSession(context.Background(), "live")
	require.NoError(t, err)
	assert.Nil(t, sess.EndTime)
}
