// Package hlc implements the hybrid logical clock (component C7) used to
// order writes across devices for LWW conflict resolution.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HLC is a hybrid logical timestamp: physical milliseconds, a logical
// counter, and the node that emitted it.
type HLC struct {
	Ms      int64
	Counter int64
	NodeID  string
}

// String renders the canonical "%019d:%09d:%s" form (spec §6) — lexical
// comparison of this string equals semantic comparison of the value.
func (h HLC) String() string {
	return fmt.Sprintf("%019d:%09d:%s", h.Ms, h.Counter, h.NodeID)
}

// Zero reports whether h is the unset value.
func (h HLC) Zero() bool { return h.Ms == 0 && h.Counter == 0 && h.NodeID == "" }

// Parse reconstructs an HLC from its canonical string form.
func Parse(s string) (HLC, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return HLC{}, fmt.Errorf("hlc: malformed timestamp %q", s)
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HLC{}, fmt.Errorf("hlc: malformed ms in %q: %w", s, err)
	}
	counter, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return HLC{}, fmt.Errorf("hlc: malformed counter in %q: %w", s, err)
	}
	return HLC{Ms: ms, Counter: counter, NodeID: parts[2]}, nil
}

// Compare returns -1, 0 or 1 for a<b, a==b, a>b — lexical on (ms, counter,
// node_id), which is also what string comparison of a.String()/b.String()
// would produce (spec property 5).
func Compare(a, b HLC) int {
	if a.Ms != b.Ms {
		return cmpInt64(a.Ms, b.Ms)
	}
	if a.Counter != b.Counter {
		return cmpInt64(a.Counter, b.Counter)
	}
	return strings.Compare(a.NodeID, b.NodeID)
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Before reports whether a happens strictly before b.
func Before(a, b HLC) bool { return Compare(a, b) < 0 }

// Clock is a single node's HLC generator. It is not a singleton — spec §9
// calls for an explicit per-database context, so every Database owns one.
type Clock struct {
	mu      sync.Mutex
	nodeID  string
	lastMs  int64
	counter int64
	nowFunc func() int64
}

// NewClock creates a clock for nodeID using wall-clock milliseconds as the
// physical time source.
func NewClock(nodeID string) *Clock {
	return NewClockWithTimeSource(nodeID, func() int64 { return time.Now().UnixMilli() })
}

// NewClockWithTimeSource injects a physical time source, for deterministic
// tests of the monotonicity properties.
func NewClockWithTimeSource(nodeID string, nowFunc func() int64) *Clock {
	return &Clock{nodeID: nodeID, nowFunc: nowFunc}
}

// NodeID returns the clock's node identifier.
func (c *Clock) NodeID() string { return c.nodeID }

// Now advances the clock and returns a fresh HLC (spec §4.5 now()).
func (c *Clock) Now() HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.nowFunc()
	if physical > c.lastMs {
		c.lastMs = physical
		c.counter = 0
	} else {
		c.counter++
	}

	return HLC{Ms: c.lastMs, Counter: c.counter, NodeID: c.nodeID}
}

// Update merges a received remote HLC into the clock's state and returns
// the emitted value (spec §4.5 update()). The clock is always advanced,
// even when the received timestamp loses an LWW comparison — receiving a
// remote write still teaches the clock about physical time it has seen.
func (c *Clock) Update(received HLC) HLC {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.nowFunc()
	m := maxInt64(physical, maxInt64(c.lastMs, received.Ms))

	var counter int64
	switch {
	case m == c.lastMs && m == received.Ms:
		counter = maxInt64(c.counter, received.Counter) + 1
	case m == c.lastMs:
		counter = c.counter + 1
	case m == received.Ms:
		counter = received.Counter + 1
	default:
		counter = 0
	}

	c.lastMs = m
	c.counter = counter

	return HLC{Ms: c.lastMs, Counter: c.counter, NodeID: c.nodeID}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
