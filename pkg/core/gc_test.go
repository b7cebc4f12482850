package core

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCRemovesExpiredQueries(t *testing.T) {
	c := newTestCore(t, nil) // maxHistory 3600s, gcInterval 600s

	old := float64(testEpoch)
	fresh := float64(testEpoch + 3000)

	id1, _ := c.Admit(old, dns.TypeA, "stale.example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id1, Reason: ReasonGravity})
	id2, _ := c.Admit(old+1, dns.TypeA, "stale.example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id2, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})
	id3, _ := c.Admit(fresh, dns.TypeA, "fresh.example.com", "192.168.1.2")
	c.Ingest(Event{QueryID: id3, Reason: ReasonCache})

	var trimmed []int64
	now := time.Unix(testEpoch+4300, 0) // cutoff passes the two old queries
	removed := c.RunGC(now, func(mintime int64) error {
		trimmed = append(trimmed, mintime)
		return nil
	})

	assert.Equal(t, 2, removed)
	require.Len(t, trimmed, 1)
	assert.Zero(t, trimmed[0]%int64(c.cfg.History.GCInterval), "cutoff is aligned to the GC interval")
	assert.Equal(t, testEpoch+600, trimmed[0])

	_, ok := c.GetQuery(id1)
	assert.False(t, ok)
	_, ok = c.GetQuery(id2)
	assert.False(t, ok)
	_, ok = c.GetQuery(id3)
	assert.True(t, ok)

	cnt := c.Counters()
	assert.Equal(t, 1, cnt.Queries)
	assert.Equal(t, 0, cnt.Blocked)
	assert.Equal(t, 0, cnt.Forwarded)
	assert.Equal(t, 1, cnt.Cached)
	assertCounterInvariants(t, c)
}

func TestGCEmptiesEverything(t *testing.T) {
	c := newTestCore(t, nil)

	for i := 0; i < 10; i++ {
		id, _ := c.Admit(float64(testEpoch)+float64(i), dns.TypeA, "example.com", "192.168.1.2")
		if i%2 == 0 {
			c.Ingest(Event{QueryID: id, Reason: ReasonGravity})
		} else {
			c.Ingest(Event{QueryID: id, Reason: ReasonForwarded, Upstream: "9.9.9.9", UpstreamPort: 53})
		}
		c.SetReply(id, ReplyIP, 1.0, 60)
	}

	removed := c.RunGC(time.Unix(testEpoch+2*3600, 0), nil)
	assert.Equal(t, 10, removed)

	cnt := c.Counters()
	assert.Equal(t, 0, cnt.Queries)
	assert.Equal(t, 0, cnt.Blocked)
	assert.Equal(t, 0, cnt.Cached)
	assert.Equal(t, 0, cnt.Forwarded)
	for s, n := range cnt.Status {
		assert.Zero(t, n, "status %s must be zero after a full GC", QueryStatus(s))
	}
	for _, n := range cnt.Reply {
		assert.Zero(t, n)
	}

	st := c.Snapshot()
	assert.Equal(t, st.NextID, st.OldestID)

	// Admission still works afterwards with monotonic ids.
	id, _ := c.Admit(float64(testEpoch+2*3600), dns.TypeA, "example.com", "192.168.1.2")
	assert.Equal(t, int64(11), id)
	assertCounterInvariants(t, c)
}

func TestGCIsNoOpForFreshQueries(t *testing.T) {
	c := newTestCore(t, nil)

	id, _ := c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	removed := c.RunGC(time.Unix(testEpoch+60, 0), nil)

	assert.Zero(t, removed)
	_, ok := c.GetQuery(id)
	assert.True(t, ok)
	assert.Equal(t, 1, c.Counters().Queries)
}

func TestGCShiftsOverTimeWindow(t *testing.T) {
	c := newTestCore(t, nil)

	c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	before := c.OverTime()

	c.RunGC(time.Unix(testEpoch+2*3600, 0), nil)
	after := c.OverTime()

	require.Equal(t, len(before), len(after), "window length is fixed")
	assert.Greater(t, after[0].Start, before[0].Start)
	for _, b := range after {
		assert.Zero(t, b.Total, "evicted history leaves no overtime residue")
		assert.Zero(t, b.Blocked)
	}
}

func TestGCTrimErrorDoesNotAbort(t *testing.T) {
	c := newTestCore(t, nil)

	c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	removed := c.RunGC(time.Unix(testEpoch+2*3600, 0), func(int64) error {
		return assert.AnError
	})

	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, c.Counters().Queries)
}
