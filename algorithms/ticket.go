package algorithms

import (
	"context"
	"sync"
)

// ticket is one critical section request, from RequestCriticalSection to
// the matching release. granted is closed exactly once.
type ticket struct {
	granted   chan struct{}
	held      bool
	abandoned bool
}

func newTicket() *ticket {
	return &ticket{granted: make(chan struct{})}
}

// grant marks the ticket held and wakes the requester. It reports false if
// the requester already gave up, in which case the caller must release.
func (t *ticket) grant() bool {
	if t.held {
		return true
	}
	t.held = true
	close(t.granted)
	return !t.abandoned
}

// await blocks until t is granted or ctx is done. mu is the engine lock
// guarding t.
func await(ctx context.Context, mu *sync.Mutex, t *ticket) error {
	select {
	case <-t.granted:
		return nil
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	if t.held && !t.abandoned {
		return nil
	}
	t.abandoned = true
	return ctx.Err()
}

// admit decides what a new request does with the current ticket. It returns
// the ticket to wait on and whether a fresh request must be started.
func admit(cur *ticket) (t *ticket, fresh bool, err error) {
	switch {
	case cur == nil:
		return newTicket(), true, nil
	case cur.abandoned && !cur.held:
		cur.abandoned = false
		return cur, false, nil
	case cur.held:
		return nil, false, ErrAlreadyHeld
	default:
		return nil, false, ErrAlreadyRequested
	}
}
