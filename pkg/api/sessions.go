package api

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"querywatch/pkg/database"
)

// errNoFreeSeats is returned when every session slot is taken and none
// has expired.
var errNoFreeSeats = errors.New("no free API seats available")

// session is one slot of the fixed-size session table.
type session struct {
	used bool
	app  bool // token (app password) login

	tlsLogin bool // the login itself came in over TLS
	tlsMixed bool // the session has since been used over the other scheme

	loginAt    int64
	validUntil int64

	sid        string
	csrf       string
	remoteAddr string
	userAgent  string
}

// sessionTable is the fixed-slot session store. Slots are reclaimed
// lazily: an expired slot counts as free at login time.
type sessionTable struct {
	mu      sync.Mutex
	slots   []session
	timeout time.Duration
	now     func() time.Time
}

func newSessionTable(maxSessions uint, timeout time.Duration) *sessionTable {
	return &sessionTable{
		slots:   make([]session, maxSessions),
		timeout: timeout,
		now:     time.Now,
	}
}

// generateToken returns 32 random bytes in base64, 43 printable chars.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// create claims a slot for a fresh login. A generated SID colliding with
// a live one is rejected and regenerated.
func (t *sessionTable) create(remoteAddr, userAgent string, ssl, app bool) (int, *session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().Unix()
	slot := -1
	for i := range t.slots {
		if !t.slots[i].used || t.slots[i].validUntil < now {
			slot = i
			break
		}
	}
	if slot < 0 {
		return -1, nil, errNoFreeSeats
	}

	var sid, csrf string
	for attempt := 0; ; attempt++ {
		var err error
		if sid, err = generateToken(); err != nil {
			return -1, nil, err
		}
		if !t.sidInUseLocked(sid, now) {
			break
		}
		if attempt >= 3 {
			return -1, nil, errors.New("could not generate a unique session id")
		}
	}
	csrf, err := generateToken()
	if err != nil {
		return -1, nil, err
	}

	t.slots[slot] = session{
		used:       true,
		app:        app,
		tlsLogin:   ssl,
		loginAt:    now,
		validUntil: now + int64(t.timeout.Seconds()),
		sid:        sid,
		csrf:       csrf,
		remoteAddr: remoteAddr,
		userAgent:  userAgent,
	}
	return slot, &t.slots[slot], nil
}

func (t *sessionTable) sidInUseLocked(sid string, now int64) bool {
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].validUntil >= now && t.slots[i].sid == sid {
			return true
		}
	}
	return false
}

// lookup locates a live session by SID and remote address without
// touching it. Returns the slot index or -1 and a copy of the slot.
func (t *sessionTable) lookup(sid, remoteAddr string) (int, session) {
	if sid == "" {
		return -1, session{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().Unix()
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used || s.validUntil < now || s.sid != sid {
			continue
		}
		if s.remoteAddr != remoteAddr {
			continue
		}
		return i, *s
	}
	return -1, session{}
}

// touch slides a slot's expiry and records scheme mixing.
func (t *sessionTable) touch(idx int, ssl bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) || !t.slots[idx].used {
		return
	}
	s := &t.slots[idx]
	s.validUntil = t.now().Unix() + int64(t.timeout.Seconds())
	if ssl != s.tlsLogin {
		s.tlsMixed = true
	}
}

// get returns a copy of a slot when it is live.
func (t *sessionTable) get(idx int) (session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) {
		return session{}, false
	}
	s := t.slots[idx]
	if !s.used || s.validUntil < t.now().Unix() {
		return session{}, false
	}
	return s, true
}

// destroy frees a slot. Reports whether it was live.
func (t *sessionTable) destroy(idx int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.slots) || !t.slots[idx].used {
		return false
	}
	t.slots[idx] = session{}
	return true
}

// list returns copies of all live slots with their indices.
func (t *sessionTable) list() ([]int, []session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().Unix()
	var ids []int
	var out []session
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].validUntil >= now {
			ids = append(ids, i)
			out = append(out, t.slots[i])
		}
	}
	return ids, out
}

// snapshot exports the live slots for persistence.
func (t *sessionTable) snapshot() []database.SessionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().Unix()
	var out []database.SessionRecord
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used || s.validUntil < now {
			continue
		}
		out = append(out, database.SessionRecord{
			LoginAt:    s.loginAt,
			ValidUntil: s.validUntil,
			RemoteAddr: s.remoteAddr,
			UserAgent:  s.userAgent,
			SID:        s.sid,
			CSRF:       s.csrf,
			TLSLogin:   s.tlsLogin,
			TLSMixed:   s.tlsMixed,
			App:        s.app,
		})
	}
	return out
}

// restore loads persisted sessions into free slots.
func (t *sessionTable) restore(records []database.SessionRecord) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().Unix()
	restored := 0
	for _, r := range records {
		if r.ValidUntil < now {
			continue
		}
		for i := range t.slots {
			if t.slots[i].used && t.slots[i].validUntil >= now {
				continue
			}
			t.slots[i] = session{
				used:       true,
				app:        r.App,
				tlsLogin:   r.TLSLogin,
				tlsMixed:   r.TLSMixed,
				loginAt:    r.LoginAt,
				validUntil: r.ValidUntil,
				sid:        r.SID,
				csrf:       r.CSRF,
				remoteAddr: r.RemoteAddr,
				userAgent:  r.UserAgent,
			}
			restored++
			break
		}
	}
	return restored
}
