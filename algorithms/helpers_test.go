package algorithms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/distcodep7/dsmutex/peers"
	"github.com/distcodep7/dsmutex/protocol"
	"github.com/distcodep7/dsmutex/testutils"
)

type cluster struct {
	net     *testutils.Network
	ids     []string
	engines map[string]Engine
}

func newCluster(t *testing.T, algo Algorithm, mode testutils.Mode, ids ...string) *cluster {
	t.Helper()
	c := &cluster{
		net:     testutils.NewNetwork(mode),
		ids:     ids,
		engines: make(map[string]Engine),
	}
	t.Cleanup(c.net.Close)
	for _, id := range ids {
		dir, err := peers.NewDirectory(ids, id)
		if err != nil {
			t.Fatalf("NewDirectory(%s): %v", id, err)
		}
		e, err := New(algo, Props{Peers: dir, Transport: c.net.Endpoint(id)})
		if err != nil {
			t.Fatalf("New(%v, %s): %v", algo, id, err)
		}
		c.engines[id] = e
		c.net.Register(id, e)
	}
	return c
}

func (c *cluster) quorum(id string) *QuorumTree { return c.engines[id].(*QuorumTree) }
func (c *cluster) token(id string) *TokenTree { return c.engines[id].(*TokenTree) }
func (c *cluster) timestamp(id string) *TimestampMulticast { return c.engines[id].(*TimestampMulticast) }

// requestAsync starts a request on its own goroutine. The returned channel
// yields its result.
func requestAsync(ctx context.Context, e Engine) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.RequestCriticalSection(ctx) }()
	return done
}

// pump delivers queued messages of a Manual network until done yields.
func pump(t *testing.T, net *testutils.Network, done <-chan error) error {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatal("timed out waiting for the critical section")
			return nil
		default:
		}
		if !net.Deliver() {
			time.Sleep(time.Millisecond)
		}
	}
}

func granted(done <-chan error) bool {
	select {
	case err := <-done:
		return err == nil
	case <-time.After(20 * time.Millisecond):
		return false
	}
}

func decodeQuorum(t *testing.T, m testutils.Message) protocol.QuorumMessage {
	t.Helper()
	qm, err := protocol.DecodeQuorum(m.Payload)
	if err != nil {
		t.Fatalf("decode %v: %v", m, err)
	}
	return qm
}

// runRounds has every peer enter the critical section rounds times and
// fails the test on any overlap.
func runRounds(t *testing.T, c *cluster, rounds int, work time.Duration) *testutils.CriticalSection {
	t.Helper()
	cs := &testutils.CriticalSection{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(c.ids)*rounds)
	for _, id := range c.ids {
		wg.Add(1)
		go func(id string, e Engine) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if err := e.RequestCriticalSection(ctx); err != nil {
					errs <- err
					return
				}
				if err := cs.Work(id, work, nil); err != nil {
					errs <- err
				}
				if err := e.ReleaseCriticalSection(); err != nil {
					errs <- err
					return
				}
			}
		}(id, c.engines[id])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("%v", err)
	}
	return cs
}
