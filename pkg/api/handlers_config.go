package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"querywatch/pkg/config"
)

type configItem struct {
	Key      string   `json:"key"`
	Value    any      `json:"value"`
	Help     string   `json:"help"`
	Allowed  []string `json:"allowed,omitempty"`
	Restarts bool     `json:"requires_restart"`
}

func renderItem(cfg *config.Config, it *config.Item) configItem {
	value := it.Get(cfg)
	if it.Flags&config.FlagSensitive != 0 {
		// Secrets only reveal whether they are set.
		if s, ok := value.(string); ok && s != "" {
			value = "********"
		}
	}
	return configItem{
		Key:      it.Key,
		Value:    value,
		Help:     it.Help,
		Allowed:  it.Allowed,
		Restarts: it.Flags&config.FlagRestartResolver != 0,
	}
}

// handleConfigGet lists every configuration leaf.
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	items := config.Items(s.cfg)
	out := make([]configItem, 0, len(items))
	for i := range items {
		out = append(out, renderItem(s.cfg, &items[i]))
	}

	s.writeJSON(w, http.StatusOK, struct {
		Config []configItem `json:"config"`
		Took   float64      `json:"took"`
	}{Config: out, Took: took(r)})
}

// handleConfigGetKey reads a single configuration leaf.
func (s *Server) handleConfigGetKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	items := config.Items(s.cfg)
	it := config.FindItem(items, key)
	if it == nil {
		s.writeError(w, r, http.StatusNotFound,
			"not_found", fmt.Sprintf("Unknown configuration key %q", key), "")
		return
	}

	s.writeJSON(w, http.StatusOK, struct {
		Config configItem `json:"config"`
		Took   float64    `json:"took"`
	}{Config: renderItem(s.cfg, it), Took: took(r)})
}

// handleConfigSetKey updates a single configuration leaf from a JSON
// body of the form {"value":"..."}.
func (s *Server) handleConfigSetKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	items := config.Items(s.cfg)
	it := config.FindItem(items, key)
	if it == nil {
		s.writeError(w, r, http.StatusNotFound,
			"not_found", fmt.Sprintf("Unknown configuration key %q", key), "")
		return
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest,
			"bad_request", "Invalid request body", `Expected {"value":"..."}`)
		return
	}

	if err := it.Set(s.cfg, body.Value); err != nil {
		s.writeError(w, r, http.StatusBadRequest,
			"bad_request", err.Error(), "")
		return
	}
	s.log.Info("Configuration changed via API", "key", key)

	resp := struct {
		Config configItem `json:"config"`
		Took   float64    `json:"took"`
	}{Config: renderItem(s.cfg, it), Took: took(r)}
	if resp.Config.Restarts {
		s.log.Info("Change takes effect after restarting the resolver", "key", key)
	}
	s.writeJSON(w, http.StatusOK, resp)
}
