package core

// setStatus is the single entry point for status changes. It owns every
// counter delta: per-status totals, the blocked/cached/forwarded rollups,
// the owning domain and client aggregates, and the overtime bucket. No
// other code touches these counters.
//
// The teardown trick used by the garbage collector relies on this being
// exactly reversible: moving a query back to UNKNOWN undoes every delta
// its current status contributed.
//
// Caller must hold the core mutex.
func (c *Core) setStatus(q *Query, status QueryStatus) {
	old := q.Status
	if old == status {
		return
	}

	c.counters.Status[old]--
	c.counters.Status[status]++

	timeidx := c.overTimeID(q.Timestamp)
	domain := &c.domains[q.DomainID]
	client := &c.clients[q.ClientID]

	// Blocked bookkeeping
	if old.IsBlocked() && !status.IsBlocked() {
		c.counters.Blocked--
		c.overTime[timeidx].Blocked--
		domain.BlockedCount--
		client.BlockedCount--
	} else if !old.IsBlocked() && status.IsBlocked() {
		c.counters.Blocked++
		c.overTime[timeidx].Blocked++
		domain.BlockedCount++
		client.BlockedCount++
	}

	// Cached bookkeeping
	if old.IsCached() && !status.IsCached() {
		c.counters.Cached--
		c.overTime[timeidx].Cached--
	} else if !old.IsCached() && status.IsCached() {
		c.counters.Cached++
		c.overTime[timeidx].Cached++
	}

	// Forwarded bookkeeping
	if isForwarded(old) && !isForwarded(status) {
		c.counters.Forwarded--
		c.overTime[timeidx].Forwarded--
	} else if !isForwarded(old) && isForwarded(status) {
		c.counters.Forwarded++
		c.overTime[timeidx].Forwarded++
	}

	q.Status = status
	q.dirty = true
}

func isForwarded(s QueryStatus) bool {
	return s == StatusForwarded || s == StatusRetried || s == StatusRetriedDNSSEC
}
