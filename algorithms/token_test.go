package algorithms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/distcodep7/dsmutex/peers"
	"github.com/distcodep7/dsmutex/protocol"
	"github.com/distcodep7/dsmutex/testutils"
)

func TestTokenInitialTree(t *testing.T) {
	ids := []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6"}
	c := newCluster(t, Token, testutils.Manual, ids...)
	for i, id := range ids {
		tt := c.token(id)
		if want := ids[peers.TokenParent(i)]; tt.Parent() != want {
			t.Errorf("%s parent = %s, want %s", id, tt.Parent(), want)
		}
		if tt.HoldsToken() != (i == 0) {
			t.Errorf("%s HoldsToken = %v", id, tt.HoldsToken())
		}
		if _, ok := tt.CurrentHolder(); ok {
			t.Errorf("%s reports a holder before any request", id)
		}
	}
}

func TestTokenRootEntersImmediately(t *testing.T) {
	c := newCluster(t, Token, testutils.Manual, "A", "B", "C")
	a := c.token("A")
	if err := a.RequestCriticalSection(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(c.net.Pending()) != 0 {
		t.Fatalf("root with an empty queue sent %v", c.net.Pending())
	}
	if holder, ok := a.CurrentHolder(); !ok || holder != "A" {
		t.Fatalf("CurrentHolder = %q, %v", holder, ok)
	}
	if err := a.ReleaseCriticalSection(); err != nil {
		t.Fatal(err)
	}
	if !a.HoldsToken() {
		t.Fatal("idle root lost the token")
	}
}

func TestTokenRequestPropagation(t *testing.T) {
	c := newCluster(t, Token, testutils.Manual, "A", "B", "C")
	a, b, cc := c.token("A"), c.token("B"), c.token("C")

	doneC := requestAsync(context.Background(), cc)
	if !c.net.WaitPending(1, time.Second) {
		t.Fatal("C did not ask its parent")
	}
	if m := c.net.Pending()[0]; m.To != "A" || string(m.Payload) != "TOKEN REQUESTED" {
		t.Fatalf("got %v", m)
	}
	c.net.Deliver() // idle root grants at once
	c.net.Deliver()
	if err := <-doneC; err != nil {
		t.Fatal(err)
	}
	if !cc.HoldsToken() || a.HoldsToken() || a.Parent() != "C" {
		t.Fatalf("token did not move to C: A parent %s", a.Parent())
	}

	doneB := requestAsync(context.Background(), b)
	if !c.net.WaitPending(1, time.Second) {
		t.Fatal("B did not ask its parent")
	}
	c.net.Deliver() // B -> A, A forwards towards C
	if m := c.net.Pending(); len(m) != 1 || m[0].From != "A" || m[0].To != "C" || string(m[0].Payload) != "TOKEN REQUESTED" {
		t.Fatalf("A did not forward the request: %v", m)
	}
	c.net.Deliver()
	if got := cc.Pending(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("C queue = %v, want [A]", got)
	}

	if err := cc.ReleaseCriticalSection(); err != nil {
		t.Fatal(err)
	}
	c.net.DeliverAll()
	if err := <-doneB; err != nil {
		t.Fatal(err)
	}
	if !b.HoldsToken() || a.Parent() != "B" || cc.Parent() != "A" {
		t.Fatalf("edges after transfer: A->%s C->%s", a.Parent(), cc.Parent())
	}
}

// The token is either at exactly one node or in exactly one message.
func TestTokenSafety(t *testing.T) {
	c := newCluster(t, Token, testutils.Manual, "A", "B", "C")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	check := func() {
		t.Helper()
		count := 0
		for _, id := range c.ids {
			if c.token(id).HoldsToken() {
				count++
			}
		}
		for _, m := range c.net.Pending() {
			if string(m.Payload) == "TOKEN GRANTED" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("token count = %d", count)
		}
	}

	cs := &testutils.CriticalSection{}
	dones := make(map[string]<-chan error)
	for _, id := range []string{"C", "B", "A"} {
		dones[id] = requestAsync(ctx, c.engines[id])
	}

	deadline := time.After(5 * time.Second)
	for len(dones) > 0 {
		for id, done := range dones {
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("%s: %v", id, err)
				}
				check()
				if err := cs.Work(id, 0, nil); err != nil {
					t.Fatal(err)
				}
				if err := c.engines[id].ReleaseCriticalSection(); err != nil {
					t.Fatal(err)
				}
				delete(dones, id)
			default:
			}
		}
		check()
		if !c.net.Deliver() {
			select {
			case <-deadline:
				t.Fatalf("requests never granted: %v", dones)
			case <-time.After(time.Millisecond):
			}
		}
		check()
	}
	if cs.Value() != 3 {
		t.Fatalf("completed %d sections, want 3", cs.Value())
	}
}

func TestTokenUnexpectedGrant(t *testing.T) {
	c := newCluster(t, Token, testutils.Manual, "A", "B", "C")
	b := c.token("B")
	if err := b.OnMessage("A", []byte("TOKEN GRANTED")); err != nil {
		t.Fatal(err)
	}
	if !b.HoldsToken() {
		t.Fatal("a node given the token must become root")
	}
	if _, ok := b.CurrentHolder(); ok {
		t.Fatal("nobody asked, so nobody should be inside")
	}
}

func TestTokenRejectsBadMessages(t *testing.T) {
	c := newCluster(t, Token, testutils.Manual, "A", "B", "C")
	b := c.token("B")
	if err := b.OnMessage("A", []byte(`{"Message":"REQUEST"}`)); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("got %v", err)
	}
	if err := b.OnMessage("Z", []byte("TOKEN REQUESTED")); !errors.Is(err, peers.ErrUnknownPeer) {
		t.Fatalf("got %v", err)
	}
	if len(b.Pending()) != 0 {
		t.Fatal("rejected message was queued")
	}
}
