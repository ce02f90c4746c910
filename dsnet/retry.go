package dsnet

import (
	"context"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const minBackoff = 5 * time.Millisecond

// rejected reports whether the controller refused the handshake outright.
// Trying again with the same id cannot succeed.
func rejected(err error) bool {
	switch status.Code(err) {
	case codes.AlreadyExists, codes.InvalidArgument:
		return true
	}
	return false
}

// connectWithBackoff calls attempt until it succeeds, the controller
// rejects it, or ctx is done. Waits double with random jitter, never drop
// below how long the failed attempt itself took, and are capped at maxWait.
func (n *Node) connectWithBackoff(ctx context.Context, maxWait time.Duration, attempt func() error) error {
	wait := minBackoff
	for tries := 1; ; tries++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := attempt()
		if err == nil {
			return nil
		}
		if rejected(err) {
			return err
		}

		if took := time.Since(start); took > wait {
			wait = took
		}
		wait += time.Duration(rand.Int63n(int64(wait) + 1))
		if wait > maxWait {
			wait = maxWait
		}
		n.log.Printf("[%s] controller not ready (attempt %d, next in %v): %v", n.ID, tries, wait, err)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
