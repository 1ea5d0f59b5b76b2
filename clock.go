package acid

import (
	"sync"
	"time"
)

// Now is the wall clock used for timeouts and jitter. Overridable in tests.
var Now = time.Now

// Clock produces the timestamps that stamp writes and derive transaction
// ids. Implementations must be strictly increasing per process so ids are
// process-unique and history ordering is total.
type Clock interface {
	// Next returns a timestamp in microseconds, strictly greater than any
	// previously returned value.
	Next() int64
}

type systemClock struct {
	mu   sync.Mutex
	last int64
}

// NewSystemClock returns a Clock backed by the wall clock, bumped by one
// microsecond whenever two calls land in the same tick.
func NewSystemClock() Clock {
	return &systemClock{}
}

func (c *systemClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := Now().UnixMicro()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
