package database

import (
	"context"
	"database/sql"
	"fmt"
)

// ImportFrom merges the query history of another long-term database into
// the configured one. Imported ids are shifted past the current maximum
// so both histories keep their internal order. Returns the number of
// imported rows.
func (d *DB) ImportFrom(ctx context.Context, srcPath string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if d.cfg.Path == "" {
		return 0, ErrNoDiskDatabase
	}

	if err := d.attachDisk(); err != nil {
		return 0, err
	}
	defer d.detachDisk()

	if _, err := d.db.ExecContext(ctx, "ATTACH DATABASE ? AS src", srcPath); err != nil {
		return 0, fmt.Errorf("failed to attach source database: %w", err)
	}
	defer func() {
		if _, err := d.db.Exec("DETACH DATABASE src"); err != nil {
			d.log.Error("Failed to detach source database", "error", err)
		}
	}()

	var maxID sql.NullInt64
	if err := d.db.QueryRowContext(ctx,
		"SELECT MAX(id) FROM disk.queries").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	offset := maxID.Int64

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO disk.queries
		(id, timestamp, type, status, domain, client, forward, additional_info,
		 reply_type, reply_time, dnssec, client_name, ttl, regex_id)
		SELECT id + ?, timestamp, type, status, domain, client, forward, additional_info,
		 reply_type, reply_time, dnssec, client_name, ttl, regex_id
		FROM src.queries ORDER BY id`, offset)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	imported, _ := res.RowsAffected()

	sideCopies := []string{
		"INSERT OR IGNORE INTO disk.domain_by_id (domain) SELECT domain FROM src.domain_by_id",
		"INSERT OR IGNORE INTO disk.client_by_id (ip, name) SELECT ip, name FROM src.client_by_id",
		"INSERT OR IGNORE INTO disk.forward_by_id (forward) SELECT forward FROM src.forward_by_id",
	}
	for _, stmt := range sideCopies {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	if err := d.db.QueryRowContext(ctx,
		"SELECT MAX(id) FROM disk.queries").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if maxID.Int64 > d.lastExportedID {
		d.lastExportedID = maxID.Int64
	}

	d.log.Info("Imported query history",
		"source", srcPath, "rows", imported, "id_offset", offset)
	return imported, nil
}
