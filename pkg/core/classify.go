package core

// Reason tags a resolver event. The classifier maps the event stream of a
// transaction onto the query status state machine.
type Reason int

const (
	ReasonForwarded Reason = iota
	ReasonCache
	ReasonCacheStale
	ReasonGravity
	ReasonRegex
	ReasonDenylist
	ReasonExternalBlockedIP
	ReasonExternalBlockedNull
	ReasonExternalBlockedNXRA
	ReasonGravityCNAME
	ReasonRegexCNAME
	ReasonDenylistCNAME
	ReasonRetried
	ReasonRetriedDNSSEC
	ReasonInProgress
	ReasonSpecialDomain
)

// Event is one follow-up observation for an admitted query.
type Event struct {
	QueryID   int64
	Reason    Reason
	Timestamp float64

	// Upstream address/port for ReasonForwarded.
	Upstream     string
	UpstreamPort uint16

	// RegexID identifies the matching rule for ReasonRegex and
	// ReasonRegexCNAME.
	RegexID int64
}

// Verdict tells the resolver how to answer a query we refused to process.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictRefuse
	VerdictNODATA
	VerdictNXDOMAIN
	VerdictDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictRefuse:
		return "REFUSE"
	case VerdictNODATA:
		return "NODATA"
	case VerdictNXDOMAIN:
		return "NXDOMAIN"
	case VerdictDrop:
		return "DROP"
	default:
		return "ALLOW"
	}
}

// busyVerdict maps the reply_when_busy config string to a verdict.
func (c *Core) busyVerdict() Verdict {
	switch c.cfg.RateLimit.ReplyWhenBusy {
	case "NODATA":
		return VerdictNODATA
	case "NXDOMAIN":
		return VerdictNXDOMAIN
	case "DROP":
		return VerdictDrop
	default:
		return VerdictRefuse
	}
}

// Admit registers a new DNS transaction. It interns the domain and client
// strings, updates the aggregate tables and overtime ring, consults the
// rate limiter, and returns the assigned query id together with the
// verdict the resolver should apply.
func (c *Core) Admit(ts float64, rrtype uint16, domain, clientIP string) (int64, Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	qtype := QueryTypeFromWire(rrtype)
	domainID := c.findOrAddDomain(domain)
	clientID := c.findOrAddClient(clientIP, ts)

	id := c.nextID
	c.nextID++

	slot := &c.ring[(id-1)%c.capacity()]
	if slot.ID != 0 && slot.ID >= c.oldestID {
		// Ring full: the oldest record is overwritten, tear it down first
		// so the counters stay consistent.
		c.tearDownQuery(slot)
		c.oldestID = slot.ID + 1
	}

	*slot = Query{
		ID:         id,
		Timestamp:  ts,
		Type:       qtype,
		Status:     StatusUnknown,
		Reply:      ReplyUnknown,
		DNSSEC:     DNSSECUnknown,
		DomainID:   domainID,
		ClientID:   clientID,
		UpstreamID: -1,
		RegexID:    -1,
		ClientName: NoString,
		dirty:      true,
	}

	timeidx := c.overTimeID(ts)

	c.counters.Queries++
	c.counters.Status[StatusUnknown]++
	c.counters.Type[qtype]++
	c.counters.Reply[ReplyUnknown]++

	c.overTime[timeidx].Total++
	c.overTime[timeidx].Type[qtype]++

	c.domains[domainID].Count++

	client := &c.clients[clientID]
	client.Count++
	client.LastQuery = ts
	client.OverTime[timeidx]++

	verdict := c.admitRateLimit(client, clientIP)
	if verdict != VerdictAllow {
		slot.Flags.RateLimited = true
	}

	return id, verdict
}

// Ingest applies a follow-up event to its query. Events for unknown or
// already evicted ids are logged and dropped; the classifier never fails.
func (c *Core) Ingest(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.getQuery(ev.QueryID)
	if q == nil {
		c.log.Debug("Dropping event for unknown query", "id", ev.QueryID, "reason", int(ev.Reason))
		return
	}

	switch ev.Reason {
	case ReasonForwarded:
		c.applyForwarded(q, ev)

	case ReasonCache, ReasonCacheStale:
		c.applyCache(q, ev)

	case ReasonGravity:
		c.applyBlock(q, StatusGravity)

	case ReasonRegex:
		q.RegexID = ev.RegexID
		c.applyBlock(q, StatusRegex)

	case ReasonDenylist:
		c.applyBlock(q, StatusDenylist)

	case ReasonSpecialDomain:
		c.applyBlock(q, StatusSpecialDomain)

	case ReasonExternalBlockedIP:
		c.applyExternalBlock(q, StatusExternalBlockedIP)

	case ReasonExternalBlockedNull:
		c.applyExternalBlock(q, StatusExternalBlockedNull)

	case ReasonExternalBlockedNXRA:
		c.applyExternalBlock(q, StatusExternalBlockedNXRA)

	case ReasonGravityCNAME:
		c.applyCNAMEBlock(q, StatusGravityCNAME)

	case ReasonRegexCNAME:
		q.RegexID = ev.RegexID
		c.applyCNAMEBlock(q, StatusRegexCNAME)

	case ReasonDenylistCNAME:
		c.applyCNAMEBlock(q, StatusDenylistCNAME)

	case ReasonRetried:
		c.applyRetried(q, StatusRetried)

	case ReasonRetriedDNSSEC:
		c.applyRetried(q, StatusRetriedDNSSEC)

	case ReasonInProgress:
		// The only path into IN_PROGRESS: partial data with the explicit
		// in-progress tag.
		if !q.Status.IsBlocked() && !q.Flags.Complete {
			q.Flags.InProgress = true
			c.setStatus(q, StatusInProgress)
		}

	default:
		c.log.Warn("Dropping event with unknown reason", "id", ev.QueryID, "reason", int(ev.Reason))
	}
}

// applyForwarded handles the upstream-send report.
func (c *Core) applyForwarded(q *Query, ev Event) {
	// Blocked statuses lock out the forward.
	if q.Status.IsBlocked() {
		return
	}

	upstreamID := c.findOrAddUpstream(ev.Upstream, ev.UpstreamPort)
	q.UpstreamID = upstreamID

	if q.Flags.Retried {
		// The forward was already counted before the retry token arrived.
		return
	}

	c.upstreams[upstreamID].Count++
	c.setStatus(q, StatusForwarded)
	q.Flags.InProgress = false
}

// applyCache handles a cache answer. A cached answer may overtake an
// in-flight forward, but never a completed one.
func (c *Core) applyCache(q *Query, ev Event) {
	if q.Status.IsBlocked() {
		return
	}
	if isForwarded(q.Status) && q.Flags.Complete {
		// The forward finished first, the race is lost.
		return
	}

	status := StatusCache
	if ev.Reason == ReasonCacheStale {
		status = StatusCacheStale
	}
	c.setStatus(q, status)
	q.Flags.InProgress = false
}

// applyBlock moves a query into a blocklist status. Once blocked, only the
// CNAME-chain variants may supersede it.
func (c *Core) applyBlock(q *Query, status QueryStatus) {
	if q.Status.IsBlocked() {
		return
	}
	c.setStatus(q, status)
	q.Flags.InProgress = false
}

// applyExternalBlock handles upstream-side blocking, which supersedes a
// plain forward.
func (c *Core) applyExternalBlock(q *Query, status QueryStatus) {
	if q.Status.IsBlocked() {
		return
	}
	c.setStatus(q, status)
	q.Flags.InProgress = false
}

// applyCNAMEBlock handles blocks found during deep CNAME inspection. The
// CNAME variant always supersedes its non-CNAME counterpart.
func (c *Core) applyCNAMEBlock(q *Query, status QueryStatus) {
	switch {
	case q.Status == status:
		return
	case !q.Status.IsBlocked(),
		q.Status == StatusGravity && status == StatusGravityCNAME,
		q.Status == StatusRegex && status == StatusRegexCNAME,
		q.Status == StatusDenylist && status == StatusDenylistCNAME:
		c.setStatus(q, status)
		q.Flags.BlockedCNAME = true
		q.Flags.InProgress = false
	}
}

// applyRetried handles a retry token. The prior forwarded increment is
// preserved; the flag suppresses double-counting on the next completion.
func (c *Core) applyRetried(q *Query, status QueryStatus) {
	if q.Status.IsBlocked() {
		return
	}
	c.setStatus(q, status)
	q.Flags.Retried = true
	q.Flags.Complete = false
	q.Flags.InProgress = false
}

// SetReply records the final answer of a query and freezes it.
func (c *Core) SetReply(id int64, reply ReplyType, replyTimeMS float64, ttl uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.getQuery(id)
	if q == nil {
		return
	}

	c.counters.Reply[q.Reply]--
	c.counters.Reply[reply]++
	q.Reply = reply
	q.ReplyTime = replyTimeMS
	q.TTL = ttl
	q.Flags.Complete = true
	q.Flags.InProgress = false
	q.dirty = true

	// Completions that never got a classification while the mirror was
	// unavailable are routed to DBBUSY.
	if q.Status == StatusUnknown && c.dbBusy {
		c.setStatus(q, StatusDBBusy)
	}

	if q.UpstreamID >= 0 {
		up := &c.upstreams[q.UpstreamID]
		switch reply {
		case ReplySERVFAIL, ReplyREFUSED:
			up.FailedCount++
		default:
			up.recordRTT(replyTimeMS)
		}
	}
}

// SetDNSSEC records the validation state of a query.
func (c *Core) SetDNSSEC(id int64, status DNSSECStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.getQuery(id)
	if q == nil {
		return
	}
	q.DNSSEC = status
	q.dirty = true
}

// recordRTT folds one response time sample into the upstream record.
func (u *Upstream) recordRTT(ms float64) {
	u.RTTSum += ms
	samples := float64(u.Count - u.FailedCount)
	if samples <= 0 {
		samples = 1
	}
	mean := u.RTTSum / samples
	diff := ms - mean
	if diff < 0 {
		diff = -diff
	}
	// Exponentially weighted deviation from the running mean.
	u.RTTUncertainty = 0.75*u.RTTUncertainty + 0.25*diff
}
