package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"querywatch/pkg/core"
)

// QueryFilter narrows a query-log read. String filters match exactly;
// enum filters are already resolved to their integer codes.
type QueryFilter struct {
	From  float64 // unix seconds, 0 means unbounded
	Until float64

	Domain   string
	Client   string
	Upstream string

	Type   *core.QueryType
	Status *core.QueryStatus
	Reply  *core.ReplyType
	DNSSEC *core.DNSSECStatus

	// Disk selects the long-term database instead of the live mirror.
	Disk bool
}

// QueryRow is one row of the query log as served by the API.
type QueryRow struct {
	ID         int64
	Timestamp  float64
	Type       core.QueryType
	Status     core.QueryStatus
	Domain     string
	Client     string
	Upstream   string
	Reply      core.ReplyType
	ReplyTime  float64
	DNSSEC     core.DNSSECStatus
	ClientName string
	TTL        int64
	RegexID    int64 // -1 when not a regex match
}

// QueryPage is the result of one paginated query-log read.
type QueryPage struct {
	Rows            []QueryRow
	Cursor          int64 // id anchoring this snapshot
	RecordsTotal    int64
	RecordsFiltered int64
}

// buildFilter renders the WHERE clauses for f. The cursor pins the
// snapshot: rows added after the first page was served are ignored.
func buildFilter(f QueryFilter, cursor int64) (string, []any) {
	conditions := []string{"id <= :cursor"}
	args := []any{sql.Named("cursor", cursor)}

	if f.From > 0 {
		conditions = append(conditions, "timestamp >= :from")
		args = append(args, sql.Named("from", f.From))
	}
	if f.Until > 0 {
		conditions = append(conditions, "timestamp <= :until")
		args = append(args, sql.Named("until", f.Until))
	}
	if f.Domain != "" {
		conditions = append(conditions, "domain = :domain")
		args = append(args, sql.Named("domain", f.Domain))
	}
	if f.Client != "" {
		conditions = append(conditions, "(client = :client OR client_name = :client)")
		args = append(args, sql.Named("client", f.Client))
	}
	if f.Upstream != "" {
		conditions = append(conditions, "forward = :upstream")
		args = append(args, sql.Named("upstream", f.Upstream))
	}
	if f.Type != nil {
		conditions = append(conditions, "type = :type")
		args = append(args, sql.Named("type", int(*f.Type)))
	}
	if f.Status != nil {
		conditions = append(conditions, "status = :status")
		args = append(args, sql.Named("status", int(*f.Status)))
	}
	if f.Reply != nil {
		conditions = append(conditions, "reply_type = :reply")
		args = append(args, sql.Named("reply", int(*f.Reply)))
	}
	if f.DNSSEC != nil {
		conditions = append(conditions, "dnssec = :dnssec")
		args = append(args, sql.Named("dnssec", int(*f.DNSSEC)))
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// QueryLog reads one page of the query log. A cursor past the newest id
// is rejected with ErrInvalidCursor; start and length follow the
// DataTables convention where a negative length streams everything.
func (d *DB) QueryLog(ctx context.Context, f QueryFilter, cursor int64, start, length int) (*QueryPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	table := "queries"
	if f.Disk {
		if err := d.attachDisk(); err != nil {
			return nil, err
		}
		defer d.detachDisk()
		table = "disk.queries"
	}

	var largest sql.NullInt64
	if err := d.db.QueryRowContext(ctx,
		"SELECT MAX(id) FROM "+table).Scan(&largest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if cursor > largest.Int64 {
		return nil, fmt.Errorf("%w: %d is past the newest id %d",
			ErrInvalidCursor, cursor, largest.Int64)
	}

	page := &QueryPage{Cursor: cursor}

	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table).Scan(&page.RecordsTotal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	where, args := buildFilter(f, cursor)

	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+where, args...).Scan(&page.RecordsFiltered); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	if length == 0 {
		return page, nil
	}
	limit := length
	if limit < 0 {
		limit = -1 // no limit
	}

	query := `SELECT id, timestamp, type, status, domain, client, forward,
		reply_type, reply_time, dnssec, client_name, ttl, regex_id
		FROM ` + table + where + " ORDER BY id DESC LIMIT :limit OFFSET :start"
	args = append(args, sql.Named("limit", limit), sql.Named("start", start))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			r          QueryRow
			forward    sql.NullString
			clientName sql.NullString
			replyTime  sql.NullFloat64
			ttl        sql.NullInt64
			regexID    sql.NullInt64
		)
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Type, &r.Status, &r.Domain, &r.Client,
			&forward, &r.Reply, &replyTime, &r.DNSSEC, &clientName, &ttl, &regexID,
		); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		r.Upstream = forward.String
		r.ClientName = clientName.String
		r.ReplyTime = replyTime.Float64
		r.TTL = ttl.Int64
		if regexID.Valid {
			r.RegexID = regexID.Int64
		} else {
			r.RegexID = -1
		}
		page.Rows = append(page.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return page, nil
}
