package algorithms

import (
	"context"
	"sync"

	"github.com/distcodep7/dsmutex/peers"
	"github.com/distcodep7/dsmutex/protocol"
)

// TokenTree is Raymond's privilege sink tree. Every node points at the
// neighbour it believes is closer to the token; the root of the tree is the
// token holder. Requests travel up the tree, the token travels down and
// reverses each edge it crosses.
type TokenTree struct {
	mu   sync.Mutex
	dir  *peers.Directory
	self string
	log  Logger
	out  *outbox

	parent string
	queue  []string
	// lastHead is the queue head we last asked our parent for. It is
	// cleared whenever the queue is popped.
	lastHead string
	inCS     bool
	cs       *ticket
}

func NewTokenTree(props Props) (*TokenTree, error) {
	p, err := props.validate()
	if err != nil {
		return nil, err
	}
	parent, err := p.Peers.ID(peers.TokenParent(p.Peers.SelfIndex()))
	if err != nil {
		return nil, err
	}
	t := &TokenTree{
		dir:    p.Peers,
		self:   p.Peers.Self(),
		log:    p.Logger,
		parent: parent,
	}
	t.out = newOutbox(p.Transport, func(to string, err error) {
		t.log.Printf("[TOKEN] %s send to %s failed: %v", t.self, to, err)
	})
	return t, nil
}

func (t *TokenTree) RequestCriticalSection(ctx context.Context) error {
	t.mu.Lock()
	tk, fresh, err := admit(t.cs)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if fresh {
		t.cs = tk
		t.queue = append(t.queue, t.self)
		t.log.Printf("[TOKEN] %s requesting, parent %s, queue %v", t.self, t.parent, t.queue)
		t.assignToken()
		t.requestToken()
	}
	t.mu.Unlock()
	t.out.flush()

	return await(ctx, &t.mu, tk)
}

func (t *TokenTree) ReleaseCriticalSection() error {
	t.mu.Lock()
	if t.cs == nil || !t.cs.held {
		t.mu.Unlock()
		return ErrNotHolding
	}
	t.log.Printf("[TOKEN] %s releasing, queue %v", t.self, t.queue)
	t.releaseLocked()
	t.mu.Unlock()
	t.out.flush()
	return nil
}

func (t *TokenTree) CurrentHolder() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inCS {
		return t.self, true
	}
	return "", false
}

func (t *TokenTree) OnMessage(from string, payload []byte) error {
	m, err := protocol.DecodeToken(payload)
	if err != nil {
		t.log.Printf("[TOKEN] %s dropping payload from %s: %v", t.self, from, err)
		return err
	}
	if !t.dir.Contains(from) {
		t.log.Printf("[TOKEN] %s dropping %v from unknown peer %s", t.self, m, from)
		return peers.ErrUnknownPeer
	}

	t.mu.Lock()
	switch m {
	case protocol.TokenRequested:
		t.queue = append(t.queue, from)
		t.assignToken()
		t.requestToken()
	case protocol.TokenGranted:
		if len(t.queue) == 0 {
			t.log.Printf("[TOKEN] %s got the token from %s with nobody waiting", t.self, from)
		}
		t.parent = t.self
		t.assignToken()
		t.requestToken()
	}
	t.mu.Unlock()
	t.out.flush()
	return nil
}

// HoldsToken reports whether this node is the root of the sink tree.
func (t *TokenTree) HoldsToken() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parent == t.self
}

// Parent returns the current tree edge out of this node.
func (t *TokenTree) Parent() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parent
}

func (t *TokenTree) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.queue...)
}

// assignToken hands the token to the head of the queue when we hold it
// and are not using it ourselves.
func (t *TokenTree) assignToken() {
	if t.parent != t.self || t.inCS || len(t.queue) == 0 {
		return
	}
	head := t.queue[0]
	t.queue = t.queue[1:]
	t.lastHead = ""

	if head == t.self {
		t.inCS = true
		t.log.Printf("[TOKEN] %s entering", t.self)
		if !t.cs.grant() {
			t.log.Printf("[TOKEN] %s request was abandoned, releasing", t.self)
			t.releaseLocked()
		}
		return
	}
	t.parent = head
	t.send(head, protocol.TokenGranted)
}

// requestToken asks the parent for the token once per new queue head.
func (t *TokenTree) requestToken() {
	if t.parent == t.self || len(t.queue) == 0 || t.lastHead != "" {
		return
	}
	t.lastHead = t.queue[0]
	t.send(t.parent, protocol.TokenRequested)
}

func (t *TokenTree) releaseLocked() {
	t.inCS = false
	t.cs = nil
	t.assignToken()
	t.requestToken()
}

func (t *TokenTree) send(to string, m protocol.TokenMessage) {
	b, err := protocol.EncodeToken(m)
	if err != nil {
		t.log.Printf("[TOKEN] %s encode %v: %v", t.self, m, err)
		return
	}
	t.out.push(to, b)
}
