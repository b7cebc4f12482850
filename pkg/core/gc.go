package core

import "time"

// tearDownQuery reverses every aggregate contribution of a query. Setting
// the status back to UNKNOWN makes setStatus undo the blocked, cached and
// forwarded deltas; the remaining counters are decremented directly.
//
// Caller must hold the core mutex.
func (c *Core) tearDownQuery(q *Query) {
	timeidx := c.overTimeID(q.Timestamp)

	c.overTime[timeidx].Total--
	c.overTime[timeidx].Type[q.Type]--

	client := &c.clients[q.ClientID]
	client.Count--
	client.OverTime[timeidx]--

	c.domains[q.DomainID].Count--

	// Reverses the status-dependent deltas.
	c.setStatus(q, StatusUnknown)

	c.counters.Reply[q.Reply]--
	c.counters.Type[q.Type]--
	c.counters.Status[StatusUnknown]--
	c.counters.Queries--
}

// GCMintime computes the eviction cutoff for a GC run at now: everything
// older than maxHistory, aligned down to the GC interval so the oldest
// overtime slot lines up after the run.
func (c *Core) GCMintime(now time.Time) int64 {
	interval := int64(c.cfg.History.GCInterval)
	mintime := now.Unix() - int64(c.cfg.History.MaxHistory)
	return mintime - mintime%interval
}

// RunGC evicts every query with timestamp <= mintime from the ring and
// the aggregates. The trim callback, when non-nil, is invoked between the
// two locked phases to delete the same rows from the SQL mirror without
// holding the core mutex. Afterwards the overtime ring is shifted so its
// window starts at mintime.
//
// Returns the number of evicted queries.
func (c *Core) RunGC(now time.Time, trim func(mintime int64) error) int {
	mintime := c.GCMintime(now)

	c.mu.Lock()
	removed := 0
	for id := c.oldestID; id < c.nextID; id++ {
		q := c.getQuery(id)
		if q == nil {
			c.oldestID = id + 1
			continue
		}
		if q.Timestamp > float64(mintime) {
			break
		}
		c.tearDownQuery(q)
		// Zero the freed slot.
		*q = Query{}
		c.oldestID = id + 1
		removed++
	}
	c.mu.Unlock()

	// Trim the mirror without blocking event ingestion.
	if trim != nil {
		if err := trim(mintime); err != nil {
			c.log.Error("Failed to trim query database", "error", err)
		}
	}

	c.mu.Lock()
	c.moveOverTimeMemory(mintime)
	c.mu.Unlock()

	if removed > 0 {
		c.log.Debug("GC removed queries", "removed", removed, "mintime", mintime)
	}
	return removed
}

// DirtyQueries returns copies of the queries modified since the last
// flush and clears their dirty marks. The interned handles are resolved
// to their string values while the lock is held.
func (c *Core) DirtyQueries() []FlushedQuery {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []FlushedQuery
	for id := c.oldestID; id < c.nextID; id++ {
		q := c.getQuery(id)
		if q == nil || !q.dirty {
			continue
		}
		out = append(out, c.resolveQuery(q))
		q.dirty = false
	}
	return out
}

// FlushedQuery is a query record with every handle resolved to its string
// value, ready for denormalized storage.
type FlushedQuery struct {
	Query
	Domain     string
	Client     string
	Upstream   string // "" when not forwarded
	ClientHost string // "" when unresolved
}

// resolveQuery denormalizes a ring record. Caller must hold the core mutex.
func (c *Core) resolveQuery(q *Query) FlushedQuery {
	fq := FlushedQuery{
		Query:  *q,
		Domain: c.strings.Get(c.domains[q.DomainID].NameID),
		Client: c.strings.Get(c.clients[q.ClientID].IPID),
	}
	if q.UpstreamID >= 0 {
		fq.Upstream = c.strings.Get(c.upstreams[q.UpstreamID].IPID)
	}
	if nameID := c.clients[q.ClientID].NameID; nameID != NoString {
		fq.ClientHost = c.strings.Get(nameID)
	}
	return fq
}
