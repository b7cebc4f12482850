package core

// QueryFlags carries per-query bookkeeping bits.
type QueryFlags struct {
	// Complete is set once the final reply has been seen.
	Complete bool
	// InProgress marks partial data; such queries are excluded from most
	// API aggregates.
	InProgress bool
	// RateLimited marks queries answered with the rate-limit verdict.
	RateLimited bool
	// BlockedCNAME is set when the block was found during deep CNAME
	// inspection rather than on the queried name itself.
	BlockedCNAME bool
	// Retried suppresses double-counting the forward on the next
	// completion after a retry token.
	Retried bool
}

// Query is one DNS transaction as tracked by the ring.
type Query struct {
	ID        int64
	Timestamp float64 // unix seconds, sub-second resolution
	Type      QueryType
	Status    QueryStatus
	Reply     ReplyType
	ReplyTime float64 // milliseconds
	DNSSEC    DNSSECStatus
	TTL       uint32

	DomainID   int
	ClientID   int
	UpstreamID int // -1 when not forwarded
	RegexID    int64
	ClientName StringID // -1 when unresolved

	AdditionalInfo []byte
	Flags          QueryFlags

	dirty bool // pending SQL mirror flush
}

// Domain is the per-domain aggregate record.
type Domain struct {
	NameID       StringID
	Count        int
	BlockedCount int
}

// ClientFlags carries per-client state bits.
type ClientFlags struct {
	RateLimited bool
	Aliased     bool
}

// Client is the per-client aggregate record.
type Client struct {
	IPID   StringID
	NameID StringID // -1 when the host name is unknown
	MACID  StringID // -1 when unknown

	FirstSeen float64
	LastQuery float64

	Count        int
	BlockedCount int
	OverTime     []int // parallel to the global overtime ring

	RateLimitCount uint
	Flags          ClientFlags
	AliasParentID  int // -1 when not aliased
}

// Upstream is the per-upstream aggregate record.
type Upstream struct {
	IPID   StringID
	NameID StringID
	Port   uint16

	Count       int
	FailedCount int

	// Response time tracking for the upstream, Welford-style: the
	// uncertainty shrinks as more samples arrive.
	RTTUncertainty float64
	RTTSum         float64
}

// Counters aggregates the live state of the ring. The sum over Status and
// the sum over Type both equal Queries at all times.
type Counters struct {
	Queries   int
	Blocked   int
	Cached    int
	Forwarded int

	Status [numStatuses]int
	Type   [numQueryTypes]int
	Reply  [numReplies]int
}
