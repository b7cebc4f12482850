package core

import (
	"sync"
	"time"

	"querywatch/pkg/config"
	"querywatch/pkg/logging"
)

// upstreamKey identifies an upstream by interned address and port.
type upstreamKey struct {
	ip   StringID
	port uint16
}

// Core owns every piece of mutable pipeline state: the interner, the
// aggregate tables, the query ring, the overtime buckets and the counters.
// A single mutex coordinates all of it; workers receive the Core value and
// never share state any other way.
type Core struct {
	mu  sync.Mutex
	cfg *config.Config
	log *logging.Logger

	strings *Interner

	// Query ring. Slot of id is (id-1) % capacity; ids are 1-based and
	// strictly monotonic. The live range is [oldestID, nextID).
	ring     []Query
	nextID   int64
	oldestID int64

	domains     []Domain
	domainIndex map[StringID]int

	clients     []Client
	clientIndex map[StringID]int

	upstreams     []Upstream
	upstreamIndex map[upstreamKey]int

	overTime []OverTimeBucket
	otBase   int64 // start time of slot 0, aligned to the bucket interval

	counters Counters

	// dbBusy routes new completions to the DBBUSY status while the SQL
	// mirror cannot accept writes.
	dbBusy bool

	lastRateLimitReset time.Time

	now func() time.Time // test hook
}

// New creates a Core sized from cfg.
func New(cfg *config.Config, log *logging.Logger) *Core {
	if log == nil {
		log = logging.Global()
	}
	c := &Core{
		cfg:           cfg,
		log:           log,
		strings:       NewInterner(),
		ring:          make([]Query, cfg.History.RingCapacity),
		nextID:        1,
		oldestID:      1,
		domainIndex:   make(map[StringID]int, 256),
		clientIndex:   make(map[StringID]int, 64),
		upstreamIndex: make(map[upstreamKey]int, 16),
		now:           time.Now,
	}
	c.initOverTime(c.now().Unix())
	c.lastRateLimitReset = c.now()
	return c
}

// SeedIDs continues the id sequence after the given id. Called once at
// startup with the largest id found in the long-term database so live
// ids never collide with persisted ones. A no-op once queries exist.
func (c *Core) SeedIDs(last int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last < c.nextID || c.counters.Queries > 0 {
		return
	}
	c.nextID = last + 1
	c.oldestID = last + 1
}

// Lock acquires the core mutex. Long-running readers must release it
// before touching the SQL mirror.
func (c *Core) Lock() { c.mu.Lock() }

// Unlock releases the core mutex.
func (c *Core) Unlock() { c.mu.Unlock() }

// capacity returns the ring capacity.
func (c *Core) capacity() int64 {
	return int64(len(c.ring))
}

// getQuery returns the query record for id, or nil when id has fallen out
// of the live range. Caller must hold the core mutex.
func (c *Core) getQuery(id int64) *Query {
	if id < c.oldestID || id >= c.nextID {
		return nil
	}
	q := &c.ring[(id-1)%c.capacity()]
	if q.ID != id {
		return nil
	}
	return q
}

// GetQuery returns a copy of the query record for id. The second return
// is false when the id is no longer held in memory; older ids must be
// served from the SQL mirror.
func (c *Core) GetQuery(id int64) (Query, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.getQuery(id)
	if q == nil {
		return Query{}, false
	}
	return *q, true
}

// Counters returns a snapshot of the live counters.
func (c *Core) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// SetDBBusy flips the database-busy flag consumed by the classifier.
func (c *Core) SetDBBusy(busy bool) {
	c.mu.Lock()
	c.dbBusy = busy
	c.mu.Unlock()
}

// findOrAddDomain returns the table index for the domain string, creating
// the record on first sighting. Caller must hold the core mutex.
func (c *Core) findOrAddDomain(domain string) int {
	id := c.strings.Intern(domain)
	if idx, ok := c.domainIndex[id]; ok {
		return idx
	}
	c.domains = append(c.domains, Domain{NameID: id})
	idx := len(c.domains) - 1
	c.domainIndex[id] = idx
	return idx
}

// findOrAddClient returns the table index for the client IP, creating the
// record on first sighting. Caller must hold the core mutex.
func (c *Core) findOrAddClient(ip string, ts float64) int {
	id := c.strings.Intern(ip)
	if idx, ok := c.clientIndex[id]; ok {
		return idx
	}
	c.clients = append(c.clients, Client{
		IPID:          id,
		NameID:        NoString,
		MACID:         NoString,
		FirstSeen:     ts,
		LastQuery:     ts,
		OverTime:      make([]int, len(c.overTime)),
		AliasParentID: -1,
	})
	idx := len(c.clients) - 1
	c.clientIndex[id] = idx
	return idx
}

// findOrAddUpstream returns the table index for the upstream address,
// creating the record on first sighting. Caller must hold the core mutex.
func (c *Core) findOrAddUpstream(ip string, port uint16) int {
	id := c.strings.Intern(ip)
	key := upstreamKey{ip: id, port: port}
	if idx, ok := c.upstreamIndex[key]; ok {
		return idx
	}
	c.upstreams = append(c.upstreams, Upstream{
		IPID:   id,
		NameID: NoString,
		Port:   port,
	})
	idx := len(c.upstreams) - 1
	c.upstreamIndex[key] = idx
	return idx
}

// DomainName resolves a domain table index to its name.
func (c *Core) DomainName(idx int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= len(c.domains) {
		return ""
	}
	return c.strings.Get(c.domains[idx].NameID)
}

// ClientIP resolves a client table index to its address.
func (c *Core) ClientIP(idx int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= len(c.clients) {
		return ""
	}
	return c.strings.Get(c.clients[idx].IPID)
}

// SetClientName records the resolved host name for a client address.
func (c *Core) SetClientName(ip, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.strings.Intern(ip)
	idx, ok := c.clientIndex[id]
	if !ok {
		return
	}
	c.clients[idx].NameID = c.strings.Intern(name)
}

// FlushAll tears down every table atomically. The interner arena is reset
// as well, which is only safe because every handle holder is dropped in
// the same critical section.
func (c *Core) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.ring {
		c.ring[i] = Query{}
	}
	c.oldestID = c.nextID

	c.domains = nil
	c.clients = nil
	c.upstreams = nil
	c.domainIndex = make(map[StringID]int, 256)
	c.clientIndex = make(map[StringID]int, 64)
	c.upstreamIndex = make(map[upstreamKey]int, 16)
	c.strings.Reset()

	c.counters = Counters{}
	c.initOverTime(c.now().Unix())

	c.log.Info("Flushed in-memory query history")
}

// Stats is a copyable summary used by the stats endpoint.
type Stats struct {
	Counters      Counters
	UniqueDomains int
	UniqueClients int
	Upstreams     int
	OldestID      int64
	NextID        int64
}

// Snapshot returns a consistent summary of the live state.
func (c *Core) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Counters:      c.counters,
		UniqueDomains: len(c.domains),
		UniqueClients: len(c.clients),
		Upstreams:     len(c.upstreams),
		OldestID:      c.oldestID,
		NextID:        c.nextID,
	}
}
