package core

import "time"

// admitRateLimit accounts one query against the client's sliding window
// and returns the verdict for it. The rate_limited flag is sticky: it is
// only cleared by the housekeeper's window reset, and only once the
// client's accrued count has dropped below the threshold again.
//
// Caller must hold the core mutex.
func (c *Core) admitRateLimit(client *Client, clientIP string) Verdict {
	limit := c.cfg.RateLimit.Count
	if limit == 0 || c.cfg.RateLimit.Interval == 0 {
		return VerdictAllow
	}

	client.RateLimitCount++

	if client.Flags.RateLimited {
		return c.busyVerdict()
	}

	if client.RateLimitCount > limit {
		client.Flags.RateLimited = true
		c.log.Info("Rate-limiting client",
			"client", clientIP,
			"queries", client.RateLimitCount,
			"limit", limit,
			"interval", c.cfg.RateLimit.Interval)
		return c.busyVerdict()
	}

	return VerdictAllow
}

// ResetRateLimitWindows clears the per-client windows. A client whose
// accrued count still exceeds the threshold stays limited into the next
// window.
func (c *Core) ResetRateLimitWindows() {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.cfg.RateLimit.Count
	for i := range c.clients {
		client := &c.clients[i]
		if client.Flags.RateLimited {
			ip := c.strings.Get(client.IPID)
			if client.RateLimitCount > limit {
				c.log.Info("Still rate-limiting client",
					"client", ip,
					"additional_queries", client.RateLimitCount)
			} else {
				c.log.Info("Ending rate-limitation of client", "client", ip)
				client.Flags.RateLimited = false
			}
		}
		client.RateLimitCount = 0
	}
	c.lastRateLimitReset = c.now()
}

// LastRateLimitReset returns the start of the current window.
func (c *Core) LastRateLimitReset() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRateLimitReset
}

// RateLimitTurnaround returns how many seconds remain until a client with
// the given accrued count leaves rate limitation, assuming it stops
// querying now.
func (c *Core) RateLimitTurnaround(rateLimitCount uint) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.cfg.RateLimit.Count
	if limit == 0 {
		return 0
	}
	howOften := int64(rateLimitCount / limit)
	interval := int64(c.cfg.RateLimit.Interval)
	return interval*howOften - int64(c.now().Sub(c.lastRateLimitReset).Seconds())
}

// ClientRateState reports the rate limiter view of a client address.
func (c *Core) ClientRateState(ip string) (count uint, limited bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.strings.index[ip]
	if !ok {
		return 0, false
	}
	idx, ok := c.clientIndex[id]
	if !ok {
		return 0, false
	}
	return c.clients[idx].RateLimitCount, c.clients[idx].Flags.RateLimited
}
