package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"querywatch/pkg/config"
	"querywatch/pkg/core"
	"querywatch/pkg/logging"
)

const upsertQuery = `
INSERT OR REPLACE INTO queries
(id, timestamp, type, status, domain, client, forward, additional_info,
 reply_type, reply_time, dnssec, client_name, ttl, regex_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// UpsertQueries writes a batch of resolved query records into the
// in-memory mirror and keeps the suggestion side tables current. The
// whole batch is one transaction.
func (d *DB) UpsertQueries(batch []core.FlushedQuery) error {
	if len(batch) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(upsertQuery)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, q := range batch {
		_, err := stmt.Exec(
			q.ID,
			q.Timestamp,
			int(q.Type),
			int(q.Status),
			q.Domain,
			q.Client,
			nullString(q.Upstream),
			nullBlob(q.AdditionalInfo),
			int(q.Reply),
			q.ReplyTime,
			int(q.DNSSEC),
			nullString(q.ClientHost),
			int64(q.TTL),
			nullID(q.RegexID),
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}

		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO domain_by_id (domain) VALUES (?)", q.Domain); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO client_by_id (ip, name) VALUES (?, ?)",
			q.Client, nullString(q.ClientHost)); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if q.Upstream != "" {
			if _, err := tx.Exec(
				"INSERT OR IGNORE INTO forward_by_id (forward) VALUES (?)", q.Upstream); err != nil {
				return fmt.Errorf("%w: %v", ErrQueryFailed, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// ExportToDisk copies rows newer than the export watermark to the
// on-disk database and refreshes its side tables.
func (d *DB) ExportToDisk() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.cfg.Path == "" {
		return nil
	}

	if err := d.attachDisk(); err != nil {
		return err
	}
	defer d.detachDisk()

	res, err := d.db.Exec(
		"INSERT OR REPLACE INTO disk.queries SELECT * FROM main.queries WHERE id > ?",
		d.lastExportedID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	exported, _ := res.RowsAffected()

	sideCopies := []string{
		"INSERT OR IGNORE INTO disk.domain_by_id (domain) SELECT domain FROM main.domain_by_id",
		"INSERT OR IGNORE INTO disk.client_by_id (ip, name) SELECT ip, name FROM main.client_by_id",
		"INSERT OR IGNORE INTO disk.forward_by_id (forward) SELECT forward FROM main.forward_by_id",
	}
	for _, stmt := range sideCopies {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	var maxID sql.NullInt64
	if err := d.db.QueryRow("SELECT MAX(id) FROM main.queries").Scan(&maxID); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if maxID.Int64 > d.lastExportedID {
		d.lastExportedID = maxID.Int64
	}

	if exported > 0 {
		d.log.Debug("Exported queries to long-term database", "rows", exported)
	}
	return nil
}

// Worker mirrors the ring into the SQL tiers: dirty queries into the
// in-memory database every flush interval, the in-memory database onto
// disk at the coarser disk interval. A failed flush flips the core's
// database-busy flag until the next successful one.
type Worker struct {
	db   *DB
	core *core.Core
	cfg  *config.DatabaseConfig
	log  *logging.Logger
}

// NewWorker creates a flush worker bound to db and c.
func NewWorker(db *DB, c *core.Core, cfg *config.DatabaseConfig, log *logging.Logger) *Worker {
	if log == nil {
		log = logging.Global()
	}
	return &Worker{db: db, core: c, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled, then performs one final flush.
func (w *Worker) Run(ctx context.Context) {
	flushTicker := time.NewTicker(time.Duration(w.cfg.FlushInterval) * time.Second)
	defer flushTicker.Stop()
	diskTicker := time.NewTicker(time.Duration(w.cfg.DiskInterval) * time.Second)
	defer diskTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Flush()
			if err := w.db.ExportToDisk(); err != nil {
				w.log.Error("Final disk export failed", "error", err)
			}
			return

		case <-flushTicker.C:
			w.Flush()

		case <-diskTicker.C:
			if err := w.db.ExportToDisk(); err != nil {
				w.log.Error("Disk export failed", "error", err)
			}
		}
	}
}

// Flush writes all dirty queries into the in-memory mirror and updates
// the database-busy flag accordingly.
func (w *Worker) Flush() {
	batch := w.core.DirtyQueries()
	if len(batch) == 0 {
		return
	}

	if err := w.db.UpsertQueries(batch); err != nil {
		w.log.Error("Failed to flush query batch", "error", err, "batch_size", len(batch))
		w.core.SetDBBusy(true)
		return
	}
	w.core.SetDBBusy(false)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullID(id int64) any {
	if id < 0 {
		return nil
	}
	return id
}
