package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"querywatch/pkg/config"
	"querywatch/pkg/core"
	"querywatch/pkg/database"
)

const defaultPageLength = 100

// parseQueryParams translates the URL parameters of GET /api/queries
// into a database filter. A parameter naming an unknown enum value is a
// client error.
func parseQueryParams(values url.Values) (database.QueryFilter, error) {
	var f database.QueryFilter

	if v := values.Get("from"); v != "" {
		ts, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, errors.New("invalid from timestamp")
		}
		f.From = ts
	}
	if v := values.Get("until"); v != "" {
		ts, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, errors.New("invalid until timestamp")
		}
		f.Until = ts
	}

	f.Domain = values.Get("domain")
	f.Client = values.Get("client")
	f.Upstream = values.Get("upstream")

	if v := values.Get("type"); v != "" {
		t, ok := core.ParseQueryType(v)
		if !ok {
			return f, errors.New("invalid query type: " + v)
		}
		f.Type = &t
	}
	if v := values.Get("status"); v != "" {
		st, ok := core.ParseQueryStatus(v)
		if !ok {
			return f, errors.New("invalid query status: " + v)
		}
		f.Status = &st
	}
	if v := values.Get("reply"); v != "" {
		rt, ok := core.ParseReplyType(v)
		if !ok {
			return f, errors.New("invalid reply type: " + v)
		}
		f.Reply = &rt
	}
	if v := values.Get("dnssec"); v != "" {
		ds, ok := core.ParseDNSSECStatus(v)
		if !ok {
			return f, errors.New("invalid DNSSEC status: " + v)
		}
		f.DNSSEC = &ds
	}

	if v := values.Get("disk"); v != "" {
		disk, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("invalid disk flag")
		}
		f.Disk = disk
	}

	return f, nil
}

// handleQueries serves the paginated query log.
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()

	draw := 0
	if v := values.Get("draw"); v != "" {
		draw, _ = strconv.Atoi(v)
	}

	// At maximum privacy the log is served empty without touching the
	// database at all.
	if s.cfg.API.PrivacyLevel >= config.PrivacyMaximum {
		s.writeJSON(w, http.StatusOK, queriesResponse{
			Queries: []queryEntry{},
			Cursor:  nil,
			Draw:    draw,
			Took:    took(r),
		})
		return
	}

	f, err := parseQueryParams(values)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_request", err.Error(), "")
		return
	}

	start := 0
	if v := values.Get("start"); v != "" {
		if start, err = strconv.Atoi(v); err != nil || start < 0 {
			s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid start", "")
			return
		}
	}
	length := defaultPageLength
	if v := values.Get("length"); v != "" {
		if length, err = strconv.Atoi(v); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "bad_request", "invalid length", "")
			return
		}
	}

	largest, err := s.db.LargestIndex(r.Context(), f.Disk)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError,
			"database_error", "Failed to read query log", err.Error())
		return
	}

	// An omitted cursor anchors the listing at the newest query; an
	// explicit one pins an earlier snapshot.
	cursor := largest
	if v := values.Get("cursor"); v != "" {
		if cursor, err = strconv.ParseInt(v, 10, 64); err != nil || cursor < 0 {
			s.writeError(w, r, http.StatusBadRequest,
				"bad_request", "invalid cursor", "")
			return
		}
	}

	page, err := s.db.QueryLog(r.Context(), f, cursor, start, length)
	if errors.Is(err, database.ErrInvalidCursor) {
		s.writeError(w, r, http.StatusBadRequest,
			"bad_request", "Requested cursor is larger than the largest query id",
			"Start a fresh listing without a cursor")
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError,
			"database_error", "Failed to read query log", err.Error())
		return
	}

	entries := make([]queryEntry, 0, len(page.Rows))
	for _, row := range page.Rows {
		entries = append(entries, s.queryEntryFromRow(row))
	}

	c := page.Cursor
	s.writeJSON(w, http.StatusOK, queriesResponse{
		Queries:         entries,
		Cursor:          &c,
		RecordsTotal:    page.RecordsTotal,
		RecordsFiltered: page.RecordsFiltered,
		Draw:            draw,
		Took:            took(r),
	})
}

// queryEntryFromRow converts a database row to its wire form, applying
// the configured privacy level.
func (s *Server) queryEntryFromRow(row database.QueryRow) queryEntry {
	e := queryEntry{
		ID:     row.ID,
		Time:   row.Timestamp,
		Type:   row.Type.String(),
		Status: row.Status.String(),
		Domain: row.Domain,
		Client: client{IP: row.Client},
		Reply:  reply{Type: row.Reply.String(), Time: row.ReplyTime},
		DNSSEC: row.DNSSEC.String(),
		TTL:    row.TTL,
	}
	if row.ClientName != "" {
		name := row.ClientName
		e.Client.Name = &name
	}
	if row.Upstream != "" {
		up := row.Upstream
		e.Upstream = &up
	}
	if row.RegexID >= 0 {
		id := row.RegexID
		e.RegexID = &id
	}

	if s.cfg.API.PrivacyLevel >= config.PrivacyHideDomains {
		e.Domain = "hidden"
	}
	if s.cfg.API.PrivacyLevel >= config.PrivacyHideDomainsClients {
		e.Client = client{IP: "0.0.0.0"}
	}
	return e
}

// handleSuggestions serves the filter autocompletion values: recently
// seen domains, clients and upstreams plus the enum name lists.
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	var resp suggestionsResponse
	resp.Suggestions.Domains = []string{}
	resp.Suggestions.Clients = []string{}
	resp.Suggestions.Upstreams = []string{}
	resp.Suggestions.Types = core.QueryTypeNames()
	resp.Suggestions.Statuses = core.StatusNames()
	resp.Suggestions.Replies = core.ReplyNames()
	resp.Suggestions.DNSSECs = core.DNSSECNames()

	if s.cfg.API.PrivacyLevel < config.PrivacyMaximum {
		sugg, err := s.db.Suggest(r.Context(), s.cfg.API.MaxSuggestions)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError,
				"database_error", "Failed to read suggestions", err.Error())
			return
		}
		if s.cfg.API.PrivacyLevel < config.PrivacyHideDomains {
			resp.Suggestions.Domains = sugg.Domains
		}
		if s.cfg.API.PrivacyLevel < config.PrivacyHideDomainsClients {
			resp.Suggestions.Clients = sugg.Clients
		}
		resp.Suggestions.Upstreams = sugg.Upstreams
	}

	resp.Took = took(r)
	s.writeJSON(w, http.StatusOK, resp)
}
