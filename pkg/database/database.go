// Package database maintains the SQL mirror of the query ring: an
// in-memory SQLite database authoritative for the live window, plus an
// on-disk long-term database attached on demand for history reads,
// export and trimming.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"querywatch/pkg/config"
	"querywatch/pkg/logging"
)

// schemaVersion is recorded in the ftl meta table of the on-disk
// database. Bump only with a migration.
const schemaVersion = 1

// memSchema is the query mirror layout. The same column order is used
// everywhere: in the in-memory database, the on-disk database and every
// SELECT the API issues.
const memSchema = `
CREATE TABLE IF NOT EXISTS queries (
	id INTEGER PRIMARY KEY,
	timestamp REAL NOT NULL,
	type INTEGER NOT NULL,
	status INTEGER NOT NULL,
	domain TEXT NOT NULL,
	client TEXT NOT NULL,
	forward TEXT,
	additional_info BLOB,
	reply_type INTEGER NOT NULL,
	reply_time REAL,
	dnssec INTEGER NOT NULL,
	client_name TEXT,
	ttl INTEGER,
	regex_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
CREATE TABLE IF NOT EXISTS domain_by_id (
	id INTEGER PRIMARY KEY,
	domain TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS client_by_id (
	id INTEGER PRIMARY KEY,
	ip TEXT NOT NULL,
	name TEXT,
	UNIQUE(ip, name)
);
CREATE TABLE IF NOT EXISTS forward_by_id (
	id INTEGER PRIMARY KEY,
	forward TEXT UNIQUE NOT NULL
);
`

// diskSchema is the on-disk layout: the same query mirror tables plus
// saved sessions, operator messages and the schema version meta table.
// Table names carry the attachment alias.
const diskSchema = `
CREATE TABLE IF NOT EXISTS disk.queries (
	id INTEGER PRIMARY KEY,
	timestamp REAL NOT NULL,
	type INTEGER NOT NULL,
	status INTEGER NOT NULL,
	domain TEXT NOT NULL,
	client TEXT NOT NULL,
	forward TEXT,
	additional_info BLOB,
	reply_type INTEGER NOT NULL,
	reply_time REAL,
	dnssec INTEGER NOT NULL,
	client_name TEXT,
	ttl INTEGER,
	regex_id INTEGER
);
CREATE INDEX IF NOT EXISTS disk.idx_disk_queries_timestamp ON queries(timestamp);
CREATE TABLE IF NOT EXISTS disk.domain_by_id (
	id INTEGER PRIMARY KEY,
	domain TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS disk.client_by_id (
	id INTEGER PRIMARY KEY,
	ip TEXT NOT NULL,
	name TEXT,
	UNIQUE(ip, name)
);
CREATE TABLE IF NOT EXISTS disk.forward_by_id (
	id INTEGER PRIMARY KEY,
	forward TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS disk.session (
	id INTEGER PRIMARY KEY,
	login_at INTEGER NOT NULL,
	valid_until INTEGER NOT NULL,
	remote_addr TEXT NOT NULL,
	user_agent TEXT,
	sid TEXT NOT NULL,
	csrf TEXT NOT NULL,
	tls_login INTEGER NOT NULL DEFAULT 0,
	tls_mixed INTEGER NOT NULL DEFAULT 0,
	app INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS disk.message (
	id INTEGER PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	blob1 BLOB,
	blob2 BLOB
);
CREATE TABLE IF NOT EXISTS disk.ftl (
	id INTEGER PRIMARY KEY,
	value BLOB
);
`

// DB is the two-tier SQL mirror. A single connection keeps the ATTACH
// state coherent; the mutex serializes attach/detach against readers.
type DB struct {
	mu  sync.Mutex
	db  *sql.DB
	cfg *config.DatabaseConfig
	log *logging.Logger

	// lastExportedID is the newest query id already copied to disk.
	lastExportedID int64

	closed bool
}

// New opens the in-memory mirror and, when a path is configured,
// initializes the on-disk database schema.
func New(cfg *config.DatabaseConfig, log *logging.Logger) (*DB, error) {
	if log == nil {
		log = logging.Global()
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	// The ATTACH/DETACH protocol and the :memory: database itself only
	// work on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(memSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create mirror schema: %w", err)
	}

	d := &DB{db: db, cfg: cfg, log: log}

	if cfg.Path != "" {
		if err := d.initDisk(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return d, nil
}

// initDisk creates the on-disk schema and seeds the export watermark
// from the newest persisted row.
func (d *DB) initDisk() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.attachDisk(); err != nil {
		return err
	}
	defer d.detachDisk()

	if _, err := d.db.Exec(diskSchema); err != nil {
		return fmt.Errorf("failed to create disk schema: %w", err)
	}
	if _, err := d.db.Exec(
		"INSERT OR IGNORE INTO disk.ftl (id, value) VALUES (0, ?)", schemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	var maxID sql.NullInt64
	if err := d.db.QueryRow("SELECT MAX(id) FROM disk.queries").Scan(&maxID); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	d.lastExportedID = maxID.Int64
	d.log.Info("Opened long-term query database",
		"path", d.cfg.Path, "largest_id", d.lastExportedID)
	return nil
}

// attachDisk attaches the on-disk database under the alias "disk".
// Caller must hold the mutex and detach before releasing it.
func (d *DB) attachDisk() error {
	if d.cfg.Path == "" {
		return ErrNoDiskDatabase
	}
	if _, err := d.db.Exec("ATTACH DATABASE ? AS disk", d.cfg.Path); err != nil {
		return fmt.Errorf("failed to attach disk database: %w", err)
	}
	return nil
}

// detachDisk reverses attachDisk. Failures are logged, not returned: a
// dangling attachment surfaces on the next attach attempt anyway.
func (d *DB) detachDisk() {
	if _, err := d.db.Exec("DETACH DATABASE disk"); err != nil {
		d.log.Error("Failed to detach disk database", "error", err)
	}
}

// MemCount returns the number of rows in the in-memory mirror.
func (d *DB) MemCount(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}

	var n int64
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queries").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return n, nil
}

// DiskCount returns the number of rows in the on-disk database.
func (d *DB) DiskCount(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if err := d.attachDisk(); err != nil {
		return 0, err
	}
	defer d.detachDisk()

	var n int64
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM disk.queries").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return n, nil
}

// LargestIndex returns the newest query id in the selected tier, or 0
// when the table is empty.
func (d *DB) LargestIndex(ctx context.Context, disk bool) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}

	table := "queries"
	if disk {
		if err := d.attachDisk(); err != nil {
			return 0, err
		}
		defer d.detachDisk()
		table = "disk.queries"
	}

	var maxID sql.NullInt64
	if err := d.db.QueryRowContext(ctx, "SELECT MAX(id) FROM "+table).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return maxID.Int64, nil
}

// DeleteQueriesBefore removes rows at or before the GC cutoff from the
// in-memory mirror.
func (d *DB) DeleteQueriesBefore(mintime int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	res, err := d.db.Exec("DELETE FROM queries WHERE timestamp <= ?", float64(mintime))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.log.Debug("Deleted expired queries from mirror", "rows", n)
	}
	return nil
}

// TrimDisk enforces the on-disk retention: rows older than maxDBdays are
// deleted.
func (d *DB) TrimDisk(now time.Time) error {
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

	cutoff := now.Unix() - int64(d.cfg.MaxDBDays)*24*3600
	res, err := d.db.Exec("DELETE FROM disk.queries WHERE timestamp <= ?", float64(cutoff))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.log.Info("Trimmed long-term database", "rows", n, "max_db_days", d.cfg.MaxDBDays)
	}
	return nil
}

// Close closes the mirror.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}
