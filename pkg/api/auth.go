package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const sessionCookieName = "sid"

// loginResult is the outcome of a password verification.
type loginResult int

const (
	loginIncorrect loginResult = iota
	loginCorrect
	loginAppCorrect
	loginRateLimited
)

// loginLimiter rate-limits login attempts per source address,
// independently of the DNS query rate limiter.
type loginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLoginLimiter() *loginLimiter {
	// 3 attempts per 10 seconds with a small burst mirrors typical
	// brute-force lockout behavior without locking out a fumbled retype.
	return &loginLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(0.3),
		burst:    5,
	}
}

func (l *loginLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim.Allow()
}

// verifyLogin checks a password against the configured hashes.
func (s *Server) verifyLogin(clientIP, password string) loginResult {
	if !s.loginLimiter.allow(clientIP) {
		s.log.Warn("Rate-limited login attempt", "client", clientIP)
		return loginRateLimited
	}

	hash := s.cfg.API.PasswordHash
	if hash == "" {
		// No password configured: everybody is welcome.
		return loginCorrect
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil {
		return loginCorrect
	}
	if appHash := s.cfg.API.AppPasswordHash; appHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(appHash), []byte(password)) == nil {
			return loginAppCorrect
		}
	}
	return loginIncorrect
}

// verifyTOTP validates a time-based one-time code against the configured
// secret.
func (s *Server) verifyTOTP(code string) bool {
	return totp.Validate(code, s.cfg.API.TOTPSecret)
}

// authResult is the outcome of request authentication.
type authResult struct {
	ok   bool
	slot int // -1 for the bypass verdicts

	// bypass is "localhost" or "emptypass" when no slot was consulted.
	bypass string
}

// sidFromRequest extracts the session id. Source priority: form/query
// value, JSON body, sid header, X-FTL-SID header, cookie. The cookie
// source additionally requires CSRF proof on /api paths.
func sidFromRequest(r *http.Request) (sid string, fromCookie bool) {
	if v := r.URL.Query().Get("sid"); v != "" {
		return v, false
	}
	if r.Method != http.MethodGet {
		if v := r.PostFormValue("sid"); v != "" {
			return v, false
		}
		if v := sidFromJSONBody(r); v != "" {
			return v, false
		}
	}
	if v := r.Header.Get("sid"); v != "" {
		return v, false
	}
	if v := r.Header.Get("X-FTL-SID"); v != "" {
		return v, false
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	return "", false
}

// sidFromJSONBody peeks at a JSON request body for a sid field. The
// consumed bytes are put back so the handler can decode the body again.
func sidFromJSONBody(r *http.Request) string {
	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var payload struct {
		SID string `json:"sid"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	return payload.SID
}

func clientIPFromRequest(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

// checkAuth authenticates a request. On success via a session slot, the
// expiry slides and the cookie is re-emitted.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) authResult {
	return s.authenticate(w, r, true)
}

// authenticate implements checkAuth. refreshCookie is false on the
// logout path, which replaces the cookie with an expired one instead.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, refreshCookie bool) authResult {
	clientIP := clientIPFromRequest(r)

	if s.cfg.API.PasswordHash == "" && s.cfg.API.AppPasswordHash == "" {
		return authResult{ok: true, slot: -1, bypass: "emptypass"}
	}
	if !s.cfg.API.LocalAPIAuth && isLoopback(clientIP) {
		return authResult{ok: true, slot: -1, bypass: "localhost"}
	}

	sid, fromCookie := sidFromRequest(r)
	if sid == "" {
		return authResult{ok: false, slot: -1}
	}

	idx, sess := s.sessions.lookup(sid, clientIP)
	if idx < 0 {
		return authResult{ok: false, slot: -1}
	}

	// CSRF proof is checked before the slot is touched so a cross-site
	// request cannot keep the session alive.
	if fromCookie && strings.HasPrefix(r.URL.Path, "/api") {
		csrf := r.Header.Get("X-CSRF-TOKEN")
		if subtle.ConstantTimeCompare([]byte(csrf), []byte(sess.csrf)) != 1 {
			s.log.Debug("Missing or wrong CSRF token on cookie-authenticated request",
				"client", clientIP, "path", r.URL.Path)
			return authResult{ok: false, slot: -1}
		}
	}

	s.sessions.touch(idx, r.TLS != nil)
	if refreshCookie {
		s.setSessionCookie(w, r, sess.sid)
	}
	return authResult{ok: true, slot: idx}
}

type authContextKey struct{}

// authFromContext returns the authentication verdict stashed by
// requireAuth.
func authFromContext(r *http.Request) authResult {
	if res, ok := r.Context().Value(authContextKey{}).(authResult); ok {
		return res
	}
	return authResult{ok: false, slot: -1}
}

// requireAuth wraps a handler with the authentication check. The verdict
// is made available to the handler through the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := s.checkAuth(w, r)
		if !auth.ok {
			s.writeError(w, r, http.StatusUnauthorized,
				"unauthorized", "Unauthorized", "Login via POST /api/auth first")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, auth)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sid,
		Path:     "/",
		MaxAge:   int(s.cfg.API.SessionDuration().Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	// MaxAge -1 serializes as Max-Age=0; 0 would omit the attribute.
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
