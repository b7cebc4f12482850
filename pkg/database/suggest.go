package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Suggestions holds the autocomplete values for the query-log filters.
type Suggestions struct {
	Domains   []string
	Clients   []string
	Upstreams []string
}

// Suggest enumerates the most recently seen domains, clients and
// upstreams from the suggestion side tables. The client budget is split
// between addresses and resolved host names.
func (d *DB) Suggest(ctx context.Context, maxCount int) (*Suggestions, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if maxCount <= 0 {
		maxCount = 10
	}

	s := &Suggestions{}
	var err error

	s.Domains, err = d.readColumn(ctx,
		"SELECT domain FROM domain_by_id ORDER BY id DESC LIMIT ?", maxCount)
	if err != nil {
		return nil, err
	}

	ips, err := d.readColumn(ctx,
		"SELECT DISTINCT ip FROM client_by_id ORDER BY id DESC LIMIT ?", maxCount/2)
	if err != nil {
		return nil, err
	}
	names, err := d.readColumn(ctx,
		"SELECT DISTINCT name FROM client_by_id WHERE name IS NOT NULL ORDER BY id DESC LIMIT ?",
		maxCount/2)
	if err != nil {
		return nil, err
	}
	s.Clients = append(ips, names...)

	s.Upstreams, err = d.readColumn(ctx,
		"SELECT forward FROM forward_by_id ORDER BY id DESC LIMIT ?", maxCount)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// readColumn collects a single TEXT column. Caller must hold the mutex.
func (d *DB) readColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if v.Valid {
			out = append(out, v.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return out, nil
}
