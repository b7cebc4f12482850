package database

import (
	"context"
	"fmt"
	"time"
)

// SessionRecord is the persisted form of an API session.
type SessionRecord struct {
	LoginAt    int64
	ValidUntil int64
	RemoteAddr string
	UserAgent  string
	SID        string
	CSRF       string
	TLSLogin   bool
	TLSMixed   bool
	App        bool
}

// SaveSessions replaces the persisted session table with the given
// snapshot. Called on clean shutdown.
func (d *DB) SaveSessions(ctx context.Context, sessions []SessionRecord) error {
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

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM disk.session"); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	for _, s := range sessions {
		_, err := tx.Exec(`
			INSERT INTO disk.session
			(login_at, valid_until, remote_addr, user_agent, sid, csrf, tls_login, tls_mixed, app)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.LoginAt, s.ValidUntil, s.RemoteAddr, s.UserAgent,
			s.SID, s.CSRF, s.TLSLogin, s.TLSMixed, s.App)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	d.log.Debug("Persisted API sessions", "count", len(sessions))
	return nil
}

// LoadSessions restores persisted sessions, dropping the ones that
// expired while the process was down.
func (d *DB) LoadSessions(ctx context.Context, now time.Time) ([]SessionRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.cfg.Path == "" {
		return nil, nil
	}

	if err := d.attachDisk(); err != nil {
		return nil, err
	}
	defer d.detachDisk()

	rows, err := d.db.QueryContext(ctx, `
		SELECT login_at, valid_until, remote_addr, user_agent, sid, csrf, tls_login, tls_mixed, app
		FROM disk.session
		WHERE valid_until >= ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []SessionRecord
	for rows.Next() {
		var s SessionRecord
		if err := rows.Scan(
			&s.LoginAt, &s.ValidUntil, &s.RemoteAddr, &s.UserAgent,
			&s.SID, &s.CSRF, &s.TLSLogin, &s.TLSMixed, &s.App); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	// Restored rows are consumed; the table is rewritten on the next
	// clean shutdown.
	if _, err := d.db.Exec("DELETE FROM disk.session"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return sessions, nil
}
