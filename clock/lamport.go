package clock

import (
	"strconv"
	"sync"
)

// Lamport is a scalar logical clock. The zero value is a clock at 0, ready
// to use.
type Lamport struct {
	mu sync.Mutex
	t  uint64
}

// NewLamport returns a clock starting at t.
func NewLamport(t uint64) *Lamport {
	return &Lamport{t: t}
}

// Advance increments the clock before a local multicast.
func (c *Lamport) Advance() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t++
	return c.t
}

// Merge sets the clock to max(local, received) + 1. It never fails.
func (c *Lamport) Merge(received uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = max(c.t, received) + 1
	return nil
}

// Compare relates the clock to t. Scalar clocks are never concurrent.
func (c *Lamport) Compare(t uint64) (Ordering, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.t < t:
		return LessThan, nil
	case c.t > t:
		return GreaterThan, nil
	default:
		return Equal, nil
	}
}

// Snapshot returns the current value.
func (c *Lamport) Snapshot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Lamport) String() string {
	return strconv.FormatUint(c.Snapshot(), 10)
}

// Precedes reports whether the request (t, index) has priority over
// (otherT, otherIndex): the smaller timestamp wins and ties go to the
// smaller peer index.
func Precedes(t uint64, index int, otherT uint64, otherIndex int) bool {
	if t != otherT {
		return t < otherT
	}
	return index < otherIndex
}
