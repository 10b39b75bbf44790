// Package stats keeps process-wide aggregate counters for the diagnostic
// HTTP surface. The numbers are advisory only and are never consulted for
// matchmaking or relay correctness.
package stats

import (
	"sync"
	"time"
)

// Collector accumulates match and occupancy counters. It is safe for
// concurrent use; the lifecycle loop writes, HTTP handlers read.
type Collector struct {
	mu           sync.Mutex
	startedAt    time.Time
	totalMatches int64
	totalWait    time.Duration // summed per-user wait across all matches
	waitSamples  int64
	activeUsers  int
	activeRooms  int
	waiting      int
}

// Snapshot is the JSON shape served by /health and /stats.
type Snapshot struct {
	UptimeSeconds int64 `json:"uptimeSeconds"`
	TotalMatches  int64 `json:"totalMatches"`
	AvgWaitMs     int64 `json:"avgWaitMs"`
	ActiveUsers   int   `json:"activeUsers"`
	ActiveRooms   int   `json:"activeRooms"`
	Waiting       int   `json:"waiting"`
}

// NewCollector creates a Collector with the uptime clock started now.
func NewCollector() *Collector {
	return &Collector{startedAt: time.Now()}
}

// RecordMatch adds one match and both members' pool wait times to the
// running average.
func (c *Collector) RecordMatch(waitA, waitB time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalMatches++
	c.totalWait += waitA + waitB
	c.waitSamples += 2
}

// SetActiveUsers records the current registered-connection count.
func (c *Collector) SetActiveUsers(n int) {
	c.mu.Lock()
	c.activeUsers = n
	c.mu.Unlock()
}

// SetActiveRooms records the current active room count.
func (c *Collector) SetActiveRooms(n int) {
	c.mu.Lock()
	c.activeRooms = n
	c.mu.Unlock()
}

// SetWaiting records the current waiting pool size.
func (c *Collector) SetWaiting(n int) {
	c.mu.Lock()
	c.waiting = n
	c.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var avg int64
	if c.waitSamples > 0 {
		avg = c.totalWait.Milliseconds() / c.waitSamples
	}
	return Snapshot{
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
		TotalMatches:  c.totalMatches,
		AvgWaitMs:     avg,
		ActiveUsers:   c.activeUsers,
		ActiveRooms:   c.activeRooms,
		Waiting:       c.waiting,
	}
}
