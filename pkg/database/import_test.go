package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querywatch/pkg/core"
)

func TestImportFromMergesHistories(t *testing.T) {
	ctx := context.Background()
	now := float64(time.Now().Unix())

	// Source: an older deployment with three persisted queries.
	src := newTestDB(t, true)
	require.NoError(t, src.UpsertQueries([]core.FlushedQuery{
		makeQuery(1, now-300, "old-a.example.com", "10.0.0.2"),
		makeQuery(2, now-200, "old-b.example.com", "10.0.0.2"),
		makeQuery(3, now-100, "old-c.example.com", "10.0.0.3"),
	}))
	require.NoError(t, src.ExportToDisk())
	srcPath := src.cfg.Path
	require.NoError(t, src.Close())

	// Destination already holds two queries of its own.
	dst := newTestDB(t, true)
	require.NoError(t, dst.UpsertQueries([]core.FlushedQuery{
		makeQuery(1, now-50, "new-a.example.com", "192.168.1.2"),
		makeQuery(2, now-40, "new-b.example.com", "192.168.1.2"),
	}))
	require.NoError(t, dst.ExportToDisk())

	n, err := dst.ImportFrom(ctx, srcPath)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	total, err := dst.DiskCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	// Imported ids are shifted past the existing maximum.
	largest, err := dst.LargestIndex(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), largest)

	page, err := dst.QueryLog(ctx, QueryFilter{Disk: true, Domain: "old-c.example.com"}, largest, 0, -1)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, int64(5), page.Rows[0].ID)
}

func TestImportFromRequiresDiskDatabase(t *testing.T) {
	d := newTestDB(t, false)
	_, err := d.ImportFrom(context.Background(), "/nonexistent.db")
	assert.ErrorIs(t, err, ErrNoDiskDatabase)
}
