package api

import (
	"net/http"

	"querywatch/pkg/core"
)

type statsResponse struct {
	Queries struct {
		Total          int            `json:"total"`
		Blocked        int            `json:"blocked"`
		PercentBlocked float64        `json:"percent_blocked"`
		Cached         int            `json:"cached"`
		Forwarded      int            `json:"forwarded"`
		UniqueDomains  int            `json:"unique_domains"`
		Types          map[string]int `json:"types"`
		Statuses       map[string]int `json:"statuses"`
		Replies        map[string]int `json:"replies"`
	} `json:"queries"`
	Clients struct {
		Total int `json:"total"`
	} `json:"clients"`
	Upstreams int     `json:"upstreams"`
	Took      float64 `json:"took"`
}

// handleStats serves the live counter summary.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.core.Snapshot()

	var resp statsResponse
	resp.Queries.Total = snap.Counters.Queries
	resp.Queries.Blocked = snap.Counters.Blocked
	resp.Queries.Cached = snap.Counters.Cached
	resp.Queries.Forwarded = snap.Counters.Forwarded
	resp.Queries.UniqueDomains = snap.UniqueDomains
	if snap.Counters.Queries > 0 {
		resp.Queries.PercentBlocked = 100 * float64(snap.Counters.Blocked) / float64(snap.Counters.Queries)
	}

	resp.Queries.Types = make(map[string]int)
	for i, name := range core.QueryTypeNames() {
		if n := snap.Counters.Type[i]; n > 0 {
			resp.Queries.Types[name] = n
		}
	}
	resp.Queries.Statuses = make(map[string]int)
	for i, name := range core.StatusNames() {
		if n := snap.Counters.Status[i]; n > 0 {
			resp.Queries.Statuses[name] = n
		}
	}
	resp.Queries.Replies = make(map[string]int)
	for i, name := range core.ReplyNames() {
		if n := snap.Counters.Reply[i]; n > 0 {
			resp.Queries.Replies[name] = n
		}
	}

	resp.Clients.Total = snap.UniqueClients
	resp.Upstreams = snap.Upstreams
	resp.Took = took(r)

	s.writeJSON(w, http.StatusOK, resp)
}

type historyBucket struct {
	Timestamp int64 `json:"timestamp"`
	Total     int   `json:"total"`
	Blocked   int   `json:"blocked"`
	Cached    int   `json:"cached"`
	Forwarded int   `json:"forwarded"`
}

// handleHistory serves the activity-over-time buckets.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	buckets := s.core.OverTime()

	history := make([]historyBucket, 0, len(buckets))
	for _, b := range buckets {
		history = append(history, historyBucket{
			Timestamp: b.Start,
			Total:     b.Total,
			Blocked:   b.Blocked,
			Cached:    b.Cached,
			Forwarded: b.Forwarded,
		})
	}

	s.writeJSON(w, http.StatusOK, struct {
		History []historyBucket `json:"history"`
		Took    float64         `json:"took"`
	}{History: history, Took: took(r)})
}
