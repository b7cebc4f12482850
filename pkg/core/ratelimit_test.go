package core

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"querywatch/pkg/config"
)

func newRateLimitedCore(t *testing.T) *Core {
	return newTestCore(t, func(cfg *config.Config) {
		cfg.RateLimit.Count = 5
		cfg.RateLimit.Interval = 60
	})
}

func TestRateLimitKicksInAboveThreshold(t *testing.T) {
	c := newRateLimitedCore(t)

	for i := 0; i < 5; i++ {
		_, v := c.Admit(float64(testEpoch)+float64(i), dns.TypeA, "example.com", "192.168.1.2")
		assert.Equal(t, VerdictAllow, v, "query %d is within the limit", i+1)
	}

	id, v := c.Admit(float64(testEpoch)+5, dns.TypeA, "example.com", "192.168.1.2")
	assert.Equal(t, VerdictRefuse, v, "sixth query exceeds the limit")

	q, _ := c.GetQuery(id)
	assert.True(t, q.Flags.RateLimited)

	count, limited := c.ClientRateState("192.168.1.2")
	assert.Equal(t, uint(6), count)
	assert.True(t, limited)

	// The flag is sticky: further queries keep being refused within the
	// window even though they still count.
	_, v = c.Admit(float64(testEpoch)+6, dns.TypeA, "other.com", "192.168.1.2")
	assert.Equal(t, VerdictRefuse, v)

	// Other clients are unaffected.
	_, v = c.Admit(float64(testEpoch)+6, dns.TypeA, "example.com", "192.168.1.9")
	assert.Equal(t, VerdictAllow, v)

	assertCounterInvariants(t, c)
}

func TestRateLimitBusyVerdictFollowsConfig(t *testing.T) {
	c := newTestCore(t, func(cfg *config.Config) {
		cfg.RateLimit.Count = 1
		cfg.RateLimit.Interval = 60
		cfg.RateLimit.ReplyWhenBusy = "NXDOMAIN"
	})

	c.Admit(float64(testEpoch), dns.TypeA, "example.com", "192.168.1.2")
	_, v := c.Admit(float64(testEpoch)+1, dns.TypeA, "example.com", "192.168.1.2")
	assert.Equal(t, VerdictNXDOMAIN, v)
}

func TestRateLimitWindowReset(t *testing.T) {
	c := newRateLimitedCore(t)

	for i := 0; i < 7; i++ {
		c.Admit(float64(testEpoch)+float64(i), dns.TypeA, "example.com", "192.168.1.2")
	}
	_, limited := c.ClientRateState("192.168.1.2")
	assert.True(t, limited)

	// 7 > 5 accrued in the closing window: the client stays limited.
	c.ResetRateLimitWindows()
	count, limited := c.ClientRateState("192.168.1.2")
	assert.Zero(t, count, "window counters restart at zero")
	assert.True(t, limited, "still above the limit when the window closed")

	// A quiet window ends the limitation.
	c.ResetRateLimitWindows()
	_, limited = c.ClientRateState("192.168.1.2")
	assert.False(t, limited)

	_, v := c.Admit(float64(testEpoch)+120, dns.TypeA, "example.com", "192.168.1.2")
	assert.Equal(t, VerdictAllow, v)
}

func TestRateLimitTurnaround(t *testing.T) {
	c := newRateLimitedCore(t)

	// 6 accrued queries with a limit of 5: one more full window has to
	// pass before the count can drop below the limit.
	got := c.RateLimitTurnaround(6)
	assert.Greater(t, got, int64(0))
	assert.LessOrEqual(t, got, int64(60))

	// Deep into the window the remaining time shrinks.
	c.now = func() time.Time { return time.Unix(testEpoch+45, 0) }
	got = c.RateLimitTurnaround(6)
	assert.Equal(t, int64(15), got)

	// Many windows worth of excess queries take proportionally longer.
	assert.Equal(t, int64(60*3-45), c.RateLimitTurnaround(17))
}

func TestRateLimitDisabled(t *testing.T) {
	c := newTestCore(t, func(cfg *config.Config) {
		cfg.RateLimit.Count = 1000
		cfg.RateLimit.Interval = 60
	})
	c.cfg.RateLimit.Count = 0

	for i := 0; i < 50; i++ {
		_, v := c.Admit(float64(testEpoch)+float64(i), dns.TypeA, "example.com", "192.168.1.2")
		assert.Equal(t, VerdictAllow, v)
	}
	assert.Equal(t, int64(0), c.RateLimitTurnaround(50))
}
