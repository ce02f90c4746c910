package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// VectorStamp is an immutable vector timestamp. Owner is the index of the
// peer whose clock produced it.
type VectorStamp struct {
	Owner  int
	Values []uint64
}

// Len returns the number of dimensions.
func (s VectorStamp) Len() int { return len(s.Values) }

// Clone returns a deep copy of s.
func (s VectorStamp) Clone() VectorStamp {
	return VectorStamp{Owner: s.Owner, Values: append([]uint64(nil), s.Values...)}
}

// Compare returns the causal relation of s to other.
func (s VectorStamp) Compare(other VectorStamp) (Ordering, error) {
	return compareValues(s.Values, other.Values)
}

// String formats the values as "[v0, v1, ...]".
func (s VectorStamp) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range s.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatUint(v, 10))
	}
	b.WriteByte(']')
	return b.String()
}

func compareValues(x, y []uint64) (Ordering, error) {
	if len(x) != len(y) {
		return Concurrent, fmt.Errorf("%w (%d != %d)", ErrDimensionMismatch, len(x), len(y))
	}
	less, greater := false, false
	for i := range x {
		if x[i] < y[i] {
			less = true
		} else if x[i] > y[i] {
			greater = true
		}
	}
	switch {
	case less && greater:
		return Concurrent, nil
	case less:
		return LessThan, nil
	case greater:
		return GreaterThan, nil
	default:
		return Equal, nil
	}
}

// Vector is a vector clock owned by one peer. Only the owner's dimension is
// ever incremented; merges take the pointwise maximum. All methods are safe
// for concurrent use.
type Vector struct {
	mu    sync.Mutex
	owner int
	v     []uint64
}

// NewVector returns a zeroed clock of n dimensions owned by peer index owner.
func NewVector(n, owner int) (*Vector, error) {
	if n <= 0 || owner < 0 || owner >= n {
		return nil, fmt.Errorf("clock: vector clock does not satisfy 0 <= owner (%d) < length (%d)", owner, n)
	}
	return &Vector{owner: owner, v: make([]uint64, n)}, nil
}

// Owner returns the index of the dimension this clock advances.
func (c *Vector) Owner() int { return c.owner }

// Len returns the number of dimensions.
func (c *Vector) Len() int { return len(c.v) }

// Advance increments the owner's dimension and returns the new timestamp.
func (c *Vector) Advance() VectorStamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v[c.owner]++
	return c.snapshotLocked()
}

// Merge sets every dimension to the maximum of its current value and the
// matching dimension of other. The clock is unchanged on error.
func (c *Vector) Merge(other VectorStamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(other.Values) != len(c.v) {
		return fmt.Errorf("%w (%d != %d)", ErrDimensionMismatch, len(c.v), len(other.Values))
	}
	for i, x := range other.Values {
		if x > c.v[i] {
			c.v[i] = x
		}
	}
	return nil
}

// Compare returns the causal relation of the current clock to other.
func (c *Vector) Compare(other VectorStamp) (Ordering, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return compareValues(c.v, other.Values)
}

// Snapshot returns a deep copy of the current value.
func (c *Vector) Snapshot() VectorStamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Copy returns an independent clock with the same owner and value.
func (c *Vector) Copy() *Vector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Vector{owner: c.owner, v: append([]uint64(nil), c.v...)}
}

func (c *Vector) String() string {
	return c.Snapshot().String()
}

func (c *Vector) snapshotLocked() VectorStamp {
	return VectorStamp{Owner: c.owner, Values: append([]uint64(nil), c.v...)}
}
