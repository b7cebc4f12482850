package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// totpField tolerates both string and bare-number encodings of the
// one-time code.
type totpField string

func (t *totpField) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*t = totpField(s)
	return nil
}

type loginRequest struct {
	Password string    `json:"password"`
	TOTP     totpField `json:"totp"`
}

// noAuthSession is the reply when no password is configured: everything
// is open, no session slot is consumed.
func (s *Server) noAuthSession(r *http.Request) authResponse {
	return authResponse{
		Session: sessionResponse{
			Valid:    true,
			TOTP:     false,
			SID:      nil,
			Validity: -1,
			Message:  "no password set",
		},
		Took: took(r),
	}
}

// handleLogin processes POST /api/auth. The password arrives either as
// JSON or as HTTP Basic credentials with the fixed username "pi-hole".
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIPFromRequest(r)

	if s.cfg.API.PasswordHash == "" && s.cfg.API.AppPasswordHash == "" {
		s.writeJSON(w, http.StatusOK, s.noAuthSession(r))
		return
	}

	var req loginRequest
	if user, pass, ok := r.BasicAuth(); ok {
		if user != "pi-hole" {
			s.writeError(w, r, http.StatusUnauthorized,
				"unauthorized", "Unauthorized", "Basic authentication requires user pi-hole")
			return
		}
		req.Password = pass
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest,
			"bad_request", "Invalid request body", "No password found, expected JSON or Basic authentication")
		return
	}

	switch s.verifyLogin(clientIP, req.Password) {
	case loginRateLimited:
		s.writeError(w, r, http.StatusTooManyRequests,
			"rate_limited", "Too many login attempts", "Try again later")
		return
	case loginIncorrect:
		s.log.Warn("Failed login attempt", "client", clientIP)
		s.writeError(w, r, http.StatusUnauthorized,
			"unauthorized", "Wrong password", "")
		return
	case loginCorrect:
		if s.cfg.API.TOTPSecret != "" && !s.verifyTOTP(string(req.TOTP)) {
			s.log.Warn("Failed 2FA login attempt", "client", clientIP)
			s.writeError(w, r, http.StatusUnauthorized,
				"unauthorized", "Invalid 2FA token", "Provide the current TOTP code")
			return
		}
		s.createSession(w, r, clientIP, false)
	case loginAppCorrect:
		// App passwords are meant for scripted access and skip 2FA.
		s.createSession(w, r, clientIP, true)
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, clientIP string, app bool) {
	_, sess, err := s.sessions.create(clientIP, r.UserAgent(), r.TLS != nil, app)
	if err == errNoFreeSeats {
		s.writeError(w, r, http.StatusTooManyRequests,
			"api_seats_exceeded", "API seats exceeded",
			"Increase api.max_sessions or wait for a session to expire")
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError,
			"internal_error", "Failed to create session", err.Error())
		return
	}

	s.setSessionCookie(w, r, sess.sid)
	s.log.Info("API login", "client", clientIP, "app", app)

	sid, csrf := sess.sid, sess.csrf
	s.writeJSON(w, http.StatusOK, authResponse{
		Session: sessionResponse{
			Valid:    true,
			TOTP:     s.cfg.API.TOTPSecret != "",
			SID:      &sid,
			CSRF:     &csrf,
			Validity: int64(s.cfg.API.SessionTimeout),
		},
		Took: took(r),
	})
}

// handleAuthStatus reports whether the caller holds a valid session.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	res := s.checkAuth(w, r)
	if !res.ok {
		s.writeJSON(w, http.StatusUnauthorized, authResponse{
			Session: sessionResponse{
				Valid:    false,
				TOTP:     s.cfg.API.TOTPSecret != "",
				SID:      nil,
				Validity: -1,
				Message:  "session unknown or expired",
			},
			Took: took(r),
		})
		return
	}

	if res.slot < 0 {
		s.writeJSON(w, http.StatusOK, authResponse{
			Session: sessionResponse{
				Valid:    true,
				TOTP:     s.cfg.API.TOTPSecret != "",
				SID:      nil,
				Validity: -1,
				Message:  res.bypass,
			},
			Took: took(r),
		})
		return
	}

	sess, ok := s.sessions.get(res.slot)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError,
			"internal_error", "Session vanished", "")
		return
	}
	sid, csrf := sess.sid, sess.csrf
	s.writeJSON(w, http.StatusOK, authResponse{
		Session: sessionResponse{
			Valid:    true,
			TOTP:     s.cfg.API.TOTPSecret != "",
			SID:      &sid,
			CSRF:     &csrf,
			Validity: sess.validUntil - s.sessions.now().Unix(),
		},
		Took: took(r),
	})
}

// handleLogout destroys the caller's session. The reply is 410 Gone so
// clients treat the session as irrecoverable.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	res := s.authenticate(w, r, false)
	if !res.ok {
		s.writeError(w, r, http.StatusUnauthorized,
			"unauthorized", "Unauthorized", "")
		return
	}

	if res.slot >= 0 {
		s.sessions.destroy(res.slot)
	}
	s.clearSessionCookie(w, r)
	s.log.Debug("API logout", "client", clientIPFromRequest(r))

	s.writeJSON(w, http.StatusGone, authResponse{
		Session: sessionResponse{
			Valid:    false,
			TOTP:     s.cfg.API.TOTPSecret != "",
			SID:      nil,
			Validity: -1,
			Message:  "session deleted",
		},
		Took: took(r),
	})
}

type sessionEntry struct {
	ID             int    `json:"id"`
	Valid          bool   `json:"valid"`
	App            bool   `json:"app"`
	TLS            tlsUse `json:"tls"`
	LoginAt        int64  `json:"login_at"`
	ValidUntil     int64  `json:"valid_until"`
	RemoteAddr     string `json:"remote_addr"`
	UserAgent      string `json:"user_agent"`
	CurrentSession bool   `json:"current_session"`
}

type tlsUse struct {
	Login bool `json:"login"`
	Mixed bool `json:"mixed"`
}

// handleListSessions enumerates the live session slots.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	current := authFromContext(r).slot

	ids, sessions := s.sessions.list()
	entries := make([]sessionEntry, 0, len(ids))
	for i, id := range ids {
		sess := sessions[i]
		entries = append(entries, sessionEntry{
			ID:             id,
			Valid:          true,
			App:            sess.app,
			TLS:            tlsUse{Login: sess.tlsLogin, Mixed: sess.tlsMixed},
			LoginAt:        sess.loginAt,
			ValidUntil:     sess.validUntil,
			RemoteAddr:     sess.remoteAddr,
			UserAgent:      sess.userAgent,
			CurrentSession: id == current,
		})
	}

	s.writeJSON(w, http.StatusOK, struct {
		Sessions []sessionEntry `json:"sessions"`
		Took     float64        `json:"took"`
	}{Sessions: entries, Took: took(r)})
}

// handleDeleteSession destroys an arbitrary session slot by id.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest,
			"bad_request", "Invalid session id", "")
		return
	}

	if !s.sessions.destroy(id) {
		s.writeError(w, r, http.StatusNotFound,
			"not_found", "No such session", "")
		return
	}
	if id == authFromContext(r).slot {
		s.clearSessionCookie(w, r)
	}
	w.WriteHeader(http.StatusNoContent)
}
