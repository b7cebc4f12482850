package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// apiError is the uniform error body: {"error":{key,message,hint},"took"}.
type apiError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
	Took  float64  `json:"took"`
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError writes the uniform error shape
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, key, message, hint string) {
	s.writeJSON(w, statusCode, errorResponse{
		Error: apiError{Key: key, Message: message, Hint: hint},
		Took:  took(r),
	})
}

// took returns the elapsed handler time in seconds.
func took(r *http.Request) float64 {
	if r == nil {
		return 0
	}
	if start, ok := r.Context().Value(requestStartKey{}).(time.Time); ok {
		return time.Since(start).Seconds()
	}
	return 0
}

type requestStartKey struct{}

// sessionResponse is the session object embedded in auth replies.
type sessionResponse struct {
	Valid    bool    `json:"valid"`
	TOTP     bool    `json:"totp"`
	SID      *string `json:"sid"`
	CSRF     *string `json:"csrf,omitempty"`
	Validity int64   `json:"validity"`
	Message  string  `json:"message,omitempty"`
}

type authResponse struct {
	Session sessionResponse `json:"session"`
	Took    float64         `json:"took"`
}

// queryEntry is one row of the query log in wire form. Enum fields carry
// their canonical string names.
type queryEntry struct {
	ID         int64   `json:"id"`
	Time       float64 `json:"time"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	Domain     string  `json:"domain"`
	Client     client  `json:"client"`
	Upstream   *string `json:"upstream"`
	Reply      reply   `json:"reply"`
	DNSSEC     string  `json:"dnssec"`
	TTL        int64   `json:"ttl"`
	RegexID    *int64  `json:"regex_id"`
}

type client struct {
	IP   string  `json:"ip"`
	Name *string `json:"name"`
}

type reply struct {
	Type string  `json:"type"`
	Time float64 `json:"time"`
}

type queriesResponse struct {
	Queries         []queryEntry `json:"queries"`
	Cursor          *int64       `json:"cursor"`
	RecordsTotal    int64        `json:"recordsTotal"`
	RecordsFiltered int64        `json:"recordsFiltered"`
	Draw            int          `json:"draw"`
	Took            float64      `json:"took"`
}

type suggestionsResponse struct {
	Suggestions struct {
		Domains   []string `json:"domains"`
		Clients   []string `json:"clients"`
		Upstreams []string `json:"upstreams"`
		Types     []string `json:"types"`
		Statuses  []string `json:"statuses"`
		Replies   []string `json:"replies"`
		DNSSECs   []string `json:"dnssecs"`
	} `json:"suggestions"`
	Took float64 `json:"took"`
}
