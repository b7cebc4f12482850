package core

// OverTimeInterval is the width of one overtime bucket in seconds.
const OverTimeInterval = 600

// OverTimeBucket aggregates one ten-minute slot of the sliding window.
type OverTimeBucket struct {
	Start     int64 // unix seconds, aligned to OverTimeInterval
	Total     int
	Blocked   int
	Cached    int
	Forwarded int
	Type      [numQueryTypes]int
}

// alignOverTime rounds a timestamp down to its bucket boundary. A query
// at exactly t%600 == 0 lands in the bucket starting at t.
func alignOverTime(ts int64) int64 {
	return ts - ts%OverTimeInterval
}

// overTimeSlots returns the ring size covering maxHistory seconds. One
// extra slot keeps the newest, partially filled bucket addressable.
func overTimeSlots(maxHistory uint) int {
	return int(maxHistory)/OverTimeInterval + 1
}

// initOverTime lays out the ring so the newest slot covers now and the
// oldest reaches back maxHistory seconds. Caller must hold the core mutex
// (or be constructing the Core).
func (c *Core) initOverTime(now int64) {
	slots := overTimeSlots(c.cfg.History.MaxHistory)
	c.overTime = make([]OverTimeBucket, slots)
	c.otBase = alignOverTime(now) - int64(slots-1)*OverTimeInterval
	for i := range c.overTime {
		c.overTime[i].Start = c.otBase + int64(i)*OverTimeInterval
	}
}

// overTimeID maps a query timestamp to its bucket index, clamped to the
// ring bounds. Caller must hold the core mutex.
func (c *Core) overTimeID(ts float64) int {
	idx := int((alignOverTime(int64(ts)) - c.otBase) / OverTimeInterval)
	if idx < 0 {
		return 0
	}
	if idx >= len(c.overTime) {
		return len(c.overTime) - 1
	}
	return idx
}

// moveOverTimeMemory shifts the ring forward so the oldest slot starts at
// mintime, zeroing the slots that come into view. Client overtime slices
// shift in lockstep. Caller must hold the core mutex.
func (c *Core) moveOverTimeMemory(mintime int64) {
	newBase := alignOverTime(mintime)
	shift := int((newBase - c.otBase) / OverTimeInterval)
	if shift <= 0 {
		return
	}
	if shift > len(c.overTime) {
		shift = len(c.overTime)
	}

	copy(c.overTime, c.overTime[shift:])
	for i := len(c.overTime) - shift; i < len(c.overTime); i++ {
		c.overTime[i] = OverTimeBucket{}
	}
	c.otBase = newBase
	for i := range c.overTime {
		c.overTime[i].Start = c.otBase + int64(i)*OverTimeInterval
	}

	for ci := range c.clients {
		ot := c.clients[ci].OverTime
		if len(ot) == 0 {
			continue
		}
		copy(ot, ot[shift:])
		for i := len(ot) - shift; i < len(ot); i++ {
			ot[i] = 0
		}
	}
}

// OverTime returns a copy of the overtime ring.
func (c *Core) OverTime() []OverTimeBucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OverTimeBucket, len(c.overTime))
	copy(out, c.overTime)
	return out
}
