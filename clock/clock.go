// Package clock provides the two notions of logical time used by the
// mutual exclusion engines: a vector clock with a four-way causal
// comparison and a scalar Lamport counter.
package clock

import "errors"

// ErrDimensionMismatch is returned when two vector timestamps of different
// length are merged or compared. It means peers disagree on the size of
// the peer set.
var ErrDimensionMismatch = errors.New("clock: vector dimensions do not agree")

// Ordering is the relation between two logical timestamps.
type Ordering int

const (
	Equal Ordering = iota
	LessThan
	GreaterThan
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "EQUAL"
	case LessThan:
		return "LESS_THAN"
	case GreaterThan:
		return "GREATER_THAN"
	case Concurrent:
		return "CONCURRENT"
	default:
		return "UNKNOWN"
	}
}

// Mirror returns the relation seen from the other side.
func (o Ordering) Mirror() Ordering {
	switch o {
	case LessThan:
		return GreaterThan
	case GreaterThan:
		return LessThan
	default:
		return o
	}
}

// Clock is the capability shared by both clock kinds. T is the immutable
// timestamp a clock embeds in outgoing messages.
type Clock[T any] interface {
	// Advance ticks the local component before a send and returns the
	// resulting timestamp.
	Advance() T
	// Merge folds a received timestamp into the local clock.
	Merge(other T) error
	// Compare relates the local clock to other.
	Compare(other T) (Ordering, error)
	// Snapshot returns a copy safe to embed in a message.
	Snapshot() T
}

var (
	_ Clock[VectorStamp] = (*Vector)(nil)
	_ Clock[uint64]      = (*Lamport)(nil)
)
