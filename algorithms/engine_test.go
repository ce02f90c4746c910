package algorithms

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/distcodep7/dsmutex/peers"
	"github.com/distcodep7/dsmutex/testutils"
)

var allAlgorithms = []Algorithm{Quorum, Token, Timestamp}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"quorum", Quorum, false},
		{"AEA", Quorum, false},
		{"token", Token, false},
		{"raymond", Token, false},
		{"timestamp", Timestamp, false},
		{"ricart-agrawala", Timestamp, false},
		{"maekawa", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAlgorithm(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAlgorithm(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseAlgorithm(%q) = %v, %v", tt.in, got, err)
			}
		})
	}
}

func TestNewValidatesProps(t *testing.T) {
	dir, err := peers.NewDirectory([]string{"A", "B"}, "A")
	if err != nil {
		t.Fatal(err)
	}
	net := testutils.NewNetwork(testutils.Manual)
	for _, algo := range allAlgorithms {
		if _, err := New(algo, Props{Transport: net.Endpoint("A")}); !errors.Is(err, ErrMissingProps) {
			t.Errorf("%v without peers: %v", algo, err)
		}
		if _, err := New(algo, Props{Peers: dir}); !errors.Is(err, ErrMissingProps) {
			t.Errorf("%v without transport: %v", algo, err)
		}
	}
	if _, err := New(Algorithm(42), Props{Peers: dir, Transport: net.Endpoint("A")}); err == nil {
		t.Error("New accepted an unknown algorithm")
	}
}

func TestMutualExclusion(t *testing.T) {
	modes := map[string]testutils.Mode{"sync": testutils.Sync, "async": testutils.Async}
	for _, algo := range allAlgorithms {
		for name, mode := range modes {
			t.Run(fmt.Sprintf("%v/%s", algo, name), func(t *testing.T) {
				c := newCluster(t, algo, mode, "p0", "p1", "p2", "p3", "p4")
				cs := runRounds(t, c, 3, 2*time.Millisecond)
				if v := cs.Violations(); len(v) != 0 {
					t.Fatalf("overlapping sections: %v", v)
				}
				if cs.Value() != 15 {
					t.Fatalf("completed %d sections, want 15", cs.Value())
				}
			})
		}
	}
}

func TestReleaseWithoutHolding(t *testing.T) {
	for _, algo := range allAlgorithms {
		t.Run(algo.String(), func(t *testing.T) {
			c := newCluster(t, algo, testutils.Manual, "A", "B", "C")
			for _, id := range c.ids {
				if err := c.engines[id].ReleaseCriticalSection(); !errors.Is(err, ErrNotHolding) {
					t.Fatalf("%s: got %v, want ErrNotHolding", id, err)
				}
				if _, ok := c.engines[id].CurrentHolder(); ok {
					t.Fatalf("%s reports a holder while idle", id)
				}
			}
		})
	}
}

// A cancelled request that is granted later must give the section up so
// that the next requester gets in.
func TestAbandonedRequestIsReleased(t *testing.T) {
	for _, algo := range allAlgorithms {
		t.Run(algo.String(), func(t *testing.T) {
			c := newCluster(t, algo, testutils.Manual, "A", "B", "C")

			ctx, cancel := context.WithCancel(context.Background())
			done := requestAsync(ctx, c.engines["B"])
			if !c.net.WaitPending(1, time.Second) {
				t.Fatal("B sent nothing")
			}
			cancel()
			if err := <-done; !errors.Is(err, context.Canceled) {
				t.Fatalf("got %v, want context.Canceled", err)
			}
			c.net.DeliverAll()
			if _, ok := c.engines["B"].CurrentHolder(); ok {
				t.Fatal("abandoned request still holds the section")
			}

			if err := pump(t, c.net, requestAsync(context.Background(), c.engines["C"])); err != nil {
				t.Fatal(err)
			}
			if holder, ok := c.engines["C"].CurrentHolder(); !ok || holder != "C" {
				t.Fatalf("CurrentHolder = %q, %v", holder, ok)
			}
		})
	}
}

func TestDoubleRequest(t *testing.T) {
	for _, algo := range allAlgorithms {
		t.Run(algo.String(), func(t *testing.T) {
			c := newCluster(t, algo, testutils.Sync, "A", "B", "C")
			e := c.engines["A"]
			if err := e.RequestCriticalSection(context.Background()); err != nil {
				t.Fatal(err)
			}
			if err := e.RequestCriticalSection(context.Background()); !errors.Is(err, ErrAlreadyHeld) {
				t.Fatalf("got %v, want ErrAlreadyHeld", err)
			}
			if err := e.ReleaseCriticalSection(); err != nil {
				t.Fatal(err)
			}
		})
	}
}
