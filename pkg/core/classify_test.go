package core

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querywatch/pkg/config"
)

func TestGravityBlockAccounting(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "ads.example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonGravity})
	c.SetReply(id, ReplyIP, 0.1, 2)

	q, ok := c.GetQuery(id)
	require.True(t, ok)
	assert.Equal(t, StatusGravity, q.Status)
	assert.True(t, q.Flags.Complete)

	cnt := c.Counters()
	assert.Equal(t, 1, cnt.Blocked)
	assert.Equal(t, 0, cnt.Forwarded)
	assert.Equal(t, 1, cnt.Status[StatusGravity])
	assertCounterInvariants(t, c)
}

func TestForwardedThenUpstreamAnswer(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})
	c.SetReply(id, ReplyIP, 23.4, 300)

	q, ok := c.GetQuery(id)
	require.True(t, ok)
	assert.Equal(t, StatusForwarded, q.Status)
	require.GreaterOrEqual(t, q.UpstreamID, 0)

	c.Lock()
	up := c.upstreams[q.UpstreamID]
	c.Unlock()
	assert.Equal(t, 1, up.Count)
	assert.Equal(t, 0, up.FailedCount)
	assert.Greater(t, up.RTTSum, 0.0)

	cnt := c.Counters()
	assert.Equal(t, 1, cnt.Forwarded)
	assert.Equal(t, 1, cnt.Reply[ReplyIP])
	assertCounterInvariants(t, c)
}

func TestServfailCountsUpstreamFailure(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})
	c.SetReply(id, ReplySERVFAIL, 40.0, 0)

	q, _ := c.GetQuery(id)
	c.Lock()
	up := c.upstreams[q.UpstreamID]
	c.Unlock()
	assert.Equal(t, 1, up.FailedCount)
	assert.Zero(t, up.RTTSum)
}

func TestCacheLosesRaceAgainstCompletedForward(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})
	c.SetReply(id, ReplyIP, 5.0, 300)

	// The upstream answer arrived first; the late cache token is ignored.
	c.Ingest(Event{QueryID: id, Reason: ReasonCache})

	q, _ := c.GetQuery(id)
	assert.Equal(t, StatusForwarded, q.Status)

	cnt := c.Counters()
	assert.Equal(t, 1, cnt.Forwarded)
	assert.Equal(t, 0, cnt.Cached)
	assertCounterInvariants(t, c)
}

func TestCacheWinsRaceAgainstPendingForward(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})
	c.Ingest(Event{QueryID: id, Reason: ReasonCache})
	c.SetReply(id, ReplyIP, 0.2, 300)

	q, _ := c.GetQuery(id)
	assert.Equal(t, StatusCache, q.Status)

	cnt := c.Counters()
	assert.Equal(t, 1, cnt.Cached)
	assert.Equal(t, 0, cnt.Forwarded)
	assertCounterInvariants(t, c)
}

func TestStaleCacheAnswer(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonCacheStale})

	q, _ := c.GetQuery(id)
	assert.Equal(t, StatusCacheStale, q.Status)
	assert.Equal(t, 1, c.Counters().Cached)
}

func TestBlockLocksOutForward(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "ads.example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonDenylist})
	c.Ingest(Event{QueryID: id, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})

	q, _ := c.GetQuery(id)
	assert.Equal(t, StatusDenylist, q.Status)
	assert.Equal(t, -1, q.UpstreamID, "blocked query must not record an upstream")

	cnt := c.Counters()
	assert.Equal(t, 1, cnt.Blocked)
	assert.Equal(t, 0, cnt.Forwarded)
	assertCounterInvariants(t, c)
}

func TestCNAMEVariantSupersedesPlainBlock(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "tracker.example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonGravity})
	c.Ingest(Event{QueryID: id, Reason: ReasonGravityCNAME})

	q, _ := c.GetQuery(id)
	assert.Equal(t, StatusGravityCNAME, q.Status)
	assert.True(t, q.Flags.BlockedCNAME)
	assert.Equal(t, 1, c.Counters().Blocked, "still one blocked query")
	assertCounterInvariants(t, c)

	// The reverse direction never downgrades.
	c.Ingest(Event{QueryID: id, Reason: ReasonGravity})
	q, _ = c.GetQuery(id)
	assert.Equal(t, StatusGravityCNAME, q.Status)
}

func TestCNAMEBlockDoesNotCrossFamilies(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "tracker.example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonDenylist})
	c.Ingest(Event{QueryID: id, Reason: ReasonGravityCNAME})

	q, _ := c.GetQuery(id)
	assert.Equal(t, StatusDenylist, q.Status, "a CNAME hit from another family does not supersede")
}

func TestRegexBlockRecordsRuleID(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "ads.example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonRegex, RegexID: 17})

	q, _ := c.GetQuery(id)
	assert.Equal(t, StatusRegex, q.Status)
	assert.Equal(t, int64(17), q.RegexID)
}

func TestExternalBlockSupersedesForward(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})
	c.Ingest(Event{QueryID: id, Reason: ReasonExternalBlockedNXRA})

	q, _ := c.GetQuery(id)
	assert.Equal(t, StatusExternalBlockedNXRA, q.Status)

	cnt := c.Counters()
	assert.Equal(t, 1, cnt.Blocked)
	assert.Equal(t, 0, cnt.Forwarded, "the forward rolls over into the blocked bucket")
	assertCounterInvariants(t, c)
}

func TestRetrySuppressesDoubleForwardCount(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})
	c.Ingest(Event{QueryID: id, Reason: ReasonRetried})
	c.Ingest(Event{QueryID: id, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})
	c.SetReply(id, ReplyIP, 120.0, 300)

	q, _ := c.GetQuery(id)
	assert.True(t, q.Flags.Retried)
	assert.True(t, q.Flags.Complete)

	c.Lock()
	up := c.upstreams[q.UpstreamID]
	c.Unlock()
	assert.Equal(t, 1, up.Count, "the retried forward is counted once")
	assert.Equal(t, 1, c.Counters().Forwarded)
	assertCounterInvariants(t, c)
}

func TestInProgressRequiresExplicitTag(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id, Reason: ReasonInProgress})

	q, _ := c.GetQuery(id)
	assert.Equal(t, StatusInProgress, q.Status)
	assert.True(t, q.Flags.InProgress)

	// A completed query never falls back to in-progress.
	c.Ingest(Event{QueryID: id, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})
	c.SetReply(id, ReplyIP, 3.0, 60)
	c.Ingest(Event{QueryID: id, Reason: ReasonInProgress})
	q, _ = c.GetQuery(id)
	assert.Equal(t, StatusForwarded, q.Status)
	assert.False(t, q.Flags.InProgress)
}

func TestDBBusyRoutingOnUnclassifiedCompletion(t *testing.T) {
	c := newTestCore(t, nil)
	c.SetDBBusy(true)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	c.SetReply(id, ReplyNODATA, 0.5, 0)

	q, _ := c.GetQuery(id)
	assert.Equal(t, StatusDBBusy, q.Status)
	assert.Equal(t, 1, c.Counters().Blocked, "DBBUSY counts as blocked")
	assertCounterInvariants(t, c)

	// With a classification present the busy flag changes nothing.
	c.SetDBBusy(false)
	id2, _ := c.Admit(float64(testEpoch)+1, dns.TypeA, "example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id2, Reason: ReasonCache})
	c.SetDBBusy(true)
	c.SetReply(id2, ReplyIP, 0.2, 60)
	q2, _ := c.GetQuery(id2)
	assert.Equal(t, StatusCache, q2.Status)
}

func TestEventsForEvictedIDsAreDropped(t *testing.T) {
	c := newTestCore(t, func(cfg *config.Config) {
		cfg.History.RingCapacity = 2
	})

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	c.Admit(float64(testEpoch)+1, dns.TypeA, "a.example.com", "192.168.1.2")
	c.Admit(float64(testEpoch)+2, dns.TypeA, "b.example.com", "192.168.1.2")

	// id fell out of the ring; this must be a no-op.
	c.Ingest(Event{QueryID: id, Reason: ReasonGravity})
	c.SetReply(id, ReplyIP, 1.0, 30)
	c.SetDNSSEC(id, DNSSECSecure)

	assert.Equal(t, 0, c.Counters().Blocked)
	assertCounterInvariants(t, c)
}

func TestVerdictStrings(t *testing.T) {
	assert.Equal(t, "ALLOW", VerdictAllow.String())
	assert.Equal(t, "REFUSE", VerdictRefuse.String())
	assert.Equal(t, "NODATA", VerdictNODATA.String())
	assert.Equal(t, "NXDOMAIN", VerdictNXDOMAIN.String())
	assert.Equal(t, "DROP", VerdictDrop.String())
}
