package housekeep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querywatch/pkg/config"
	"querywatch/pkg/core"
	"querywatch/pkg/database"
	"querywatch/pkg/logging"
)

func newTestSetup(t *testing.T) (*Housekeeper, *core.Core, *database.DB, *config.Config) {
	t.Helper()

	cfg := config.LoadWithDefaults()
	cfg.History.MaxHistory = 3600
	cfg.History.RingCapacity = 128
	cfg.History.GCInterval = 600
	cfg.RateLimit.Count = 5
	cfg.RateLimit.Interval = 60
	cfg.Checks.Load = false
	cfg.Checks.Disk = 0

	c := core.New(cfg, logging.NewDefault())
	db, err := database.New(&cfg.Database, logging.NewDefault())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := New(cfg, c, db, nil, logging.NewDefault())
	return h, c, db, cfg
}

func TestStepResetsRateWindow(t *testing.T) {
	h, c, _, _ := newTestSetup(t)

	base := time.Now()
	ts := float64(base.Unix())
	for i := 0; i < 7; i++ {
		c.Admit(ts, 1, "example.com", "192.168.1.9")
	}
	count, limited := c.ClientRateState("192.168.1.9")
	assert.Equal(t, uint(7), count)
	assert.True(t, limited)

	// Within the window nothing happens.
	h.now = func() time.Time { return base.Add(30 * time.Second) }
	h.Step(context.Background())
	count, _ = c.ClientRateState("192.168.1.9")
	assert.Equal(t, uint(7), count)

	// After the interval the window resets.
	h.now = func() time.Time { return base.Add(61 * time.Second) }
	h.Step(context.Background())
	count, limited = c.ClientRateState("192.168.1.9")
	assert.Zero(t, count)
	assert.True(t, limited, "still limited until a quiet window passes")
}

func TestStepRunsGCOnSchedule(t *testing.T) {
	h, c, db, _ := newTestSetup(t)

	base := time.Now()
	old := float64(base.Unix() - 2*3600)
	id, _ := c.Admit(old, 1, "stale.example.com", "192.168.1.2")
	c.SetReply(id, core.ReplyIP, 1.0, 60)

	// Mirror the query so the GC has something to delete.
	require.NoError(t, db.UpsertQueries(c.DirtyQueries()))
	n, err := db.MemCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// Before the scheduled GC the query survives.
	h.now = func() time.Time { return base }
	h.Step(context.Background())
	assert.Equal(t, 1, c.Counters().Queries)

	// Jump past the next GC boundary.
	h.now = func() time.Time { return base.Add(11 * time.Minute) }
	h.Step(context.Background())

	assert.Equal(t, 0, c.Counters().Queries)
	n, err = db.MemCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "mirror is trimmed together with the ring")
}

func TestRunStopsOnCancel(t *testing.T) {
	h, _, _, _ := newTestSetup(t)
	h.tick = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("housekeeper did not stop on context cancellation")
	}
}

func TestCPUUsageStartsAtZero(t *testing.T) {
	h, _, _, _ := newTestSetup(t)
	assert.Zero(t, h.CPUUsage())
}

func TestSameDeviceFailureProbesBoth(t *testing.T) {
	assert.False(t, sameDevice("/nonexistent/a", "/nonexistent/b"))
	assert.False(t, sameDevice("/", "/nonexistent/b"))
}
