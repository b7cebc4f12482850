package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"querywatch/pkg/api"
	"querywatch/pkg/config"
	"querywatch/pkg/core"
	"querywatch/pkg/database"
	"querywatch/pkg/logging"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(&config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"})
	require.NoError(t, err)
	return logger
}

// TestIntegration_PipelineToAPI drives queries through the classifier,
// flushes them into the mirror and reads them back over HTTP.
func TestIntegration_PipelineToAPI(t *testing.T) {
	cfg := config.LoadWithDefaults()
	cfg.History.RingCapacity = 1024
	logger := quietLogger(t)

	c := core.New(cfg, logger)
	db, err := database.New(&cfg.Database, logger)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	worker := database.NewWorker(db, c, &cfg.Database, logger)
	server := api.New(cfg, c, db, logger)

	ts := float64(time.Now().Unix())
	for i := 0; i < 20; i++ {
		id, verdict := c.Admit(ts, mdns.TypeA, fmt.Sprintf("host%d.example.org", i), "10.0.0.7")
		require.Equal(t, core.VerdictAllow, verdict)
		if i%4 == 0 {
			c.Ingest(core.Event{QueryID: id, Reason: core.ReasonGravity})
		} else {
			c.Ingest(core.Event{QueryID: id, Reason: core.ReasonForwarded, Upstream: "1.1.1.1", UpstreamPort: 53})
			c.SetReply(id, core.ReplyIP, 8.5, 120)
		}
	}
	worker.Flush()

	req := httptest.NewRequest(http.MethodGet, "/api/queries?length=-1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var queries struct {
		Queries []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"queries"`
		RecordsTotal int64 `json:"recordsTotal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queries))
	assert.Equal(t, int64(20), queries.RecordsTotal)
	require.Len(t, queries.Queries, 20)
	assert.Equal(t, int64(20), queries.Queries[0].ID, "newest first")

	blocked := 0
	for _, q := range queries.Queries {
		if q.Status == "GRAVITY" {
			blocked++
		}
	}
	assert.Equal(t, 5, blocked)

	// The stats endpoint agrees with the raw listing.
	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Queries struct {
			Total   int `json:"total"`
			Blocked int `json:"blocked"`
		} `json:"queries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 20, stats.Queries.Total)
	assert.Equal(t, 5, stats.Queries.Blocked)
}

// TestIntegration_HistorySurvivesRestart exports to disk, reopens the
// database and reads the persisted tier with continued ids.
func TestIntegration_HistorySurvivesRestart(t *testing.T) {
	cfg := config.LoadWithDefaults()
	cfg.Database.Path = filepath.Join(t.TempDir(), "querywatch.db")
	logger := quietLogger(t)
	ctx := context.Background()

	c := core.New(cfg, logger)
	db, err := database.New(&cfg.Database, logger)
	require.NoError(t, err)

	ts := float64(time.Now().Unix())
	for i := 0; i < 5; i++ {
		id, _ := c.Admit(ts, mdns.TypeAAAA, "persist.example.org", "10.0.0.9")
		c.SetReply(id, core.ReplyIP, 3.3, 60)
	}
	require.NoError(t, db.UpsertQueries(c.DirtyQueries()))
	require.NoError(t, db.ExportToDisk())
	require.NoError(t, db.Close())

	// Second process lifetime.
	db2, err := database.New(&cfg.Database, logger)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()

	n, err := db2.DiskCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	c2 := core.New(cfg, logger)
	largest, err := db2.LargestIndex(ctx, true)
	require.NoError(t, err)
	c2.SeedIDs(largest)

	id, _ := c2.Admit(ts+10, mdns.TypeA, "fresh.example.org", "10.0.0.9")
	assert.Equal(t, int64(6), id, "live ids continue after the persisted history")

	server := api.New(cfg, c2, db2, logger)
	req := httptest.NewRequest(http.MethodGet, "/api/queries?disk=true", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var queries struct {
		Queries []struct {
			Domain string `json:"domain"`
		} `json:"queries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queries))
	require.Len(t, queries.Queries, 5)
	assert.Equal(t, "persist.example.org", queries.Queries[0].Domain)
}
