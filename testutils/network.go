package testutils

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrPeerDown = errors.New("testutils: peer is down")

// Receiver is the inbound side of an engine.
type Receiver interface {
	OnMessage(from string, payload []byte) error
}

type Message struct {
	From    string
	To      string
	Payload []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s->%s %s", m.From, m.To, m.Payload)
}

type Mode int

const (
	// Sync delivers inside Send, on the sender's goroutine.
	Sync Mode = iota
	// Async delivers on one goroutine per directed link, preserving order
	// per link.
	Async
	// Manual queues every message until the test calls Deliver.
	Manual
)

// Network is an in-memory message fabric for engines under test.
type Network struct {
	mode Mode

	mu     sync.Mutex
	nodes  map[string]Receiver
	down   map[string]bool
	sent   []Message
	queue  []Message
	links  map[[2]string]chan Message
	closed bool
	wg     sync.WaitGroup

	// AfterDeliver, if set, runs after every delivery with no engine lock
	// held.
	AfterDeliver func(Message)
	// OnError receives errors returned by OnMessage.
	OnError func(Message, error)
}

func NewNetwork(mode Mode) *Network {
	return &Network{
		mode:  mode,
		nodes: make(map[string]Receiver),
		down:  make(map[string]bool),
		links: make(map[[2]string]chan Message),
	}
}

func (n *Network) Register(id string, r Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = r
}

// Endpoint returns the transport used by peer id.
func (n *Network) Endpoint(id string) *Endpoint {
	return &Endpoint{net: n, id: id}
}

// Fail takes id down: sends to or from it fail and queued messages to it
// are discarded.
func (n *Network) Fail(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

// Sent returns every message accepted by the network, in send order.
func (n *Network) Sent() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.sent...)
}

// Pending returns the messages queued in Manual mode.
func (n *Network) Pending() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.queue...)
}

// Deliver hands the oldest queued message to its receiver. It reports false
// when nothing is queued.
func (n *Network) Deliver() bool {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false
	}
	m := n.queue[0]
	n.queue = n.queue[1:]
	n.mu.Unlock()

	n.deliver(m)
	return true
}

// DeliverWhere delivers the oldest queued message matching keep. Selecting
// by link keeps per-link order.
func (n *Network) DeliverWhere(keep func(Message) bool) bool {
	n.mu.Lock()
	for i, m := range n.queue {
		if keep(m) {
			n.queue = append(n.queue[:i], n.queue[i+1:]...)
			n.mu.Unlock()
			n.deliver(m)
			return true
		}
	}
	n.mu.Unlock()
	return false
}

// Link matches messages from one peer to another.
func Link(from, to string) func(Message) bool {
	return func(m Message) bool { return m.From == from && m.To == to }
}

// DeliverAll runs Deliver until the queue stays empty and returns the
// number of messages delivered.
func (n *Network) DeliverAll() int {
	count := 0
	for n.Deliver() {
		count++
	}
	return count
}

// WaitPending polls until at least k messages are queued.
func (n *Network) WaitPending(k int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		got := len(n.queue)
		n.mu.Unlock()
		if got >= k {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// Close stops the Async link goroutines.
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for _, ch := range n.links {
		close(ch)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Network) send(m Message) error {
	n.mu.Lock()
	if n.down[m.From] || n.down[m.To] {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPeerDown, m.To)
	}
	if _, ok := n.nodes[m.To]; !ok {
		n.mu.Unlock()
		return fmt.Errorf("testutils: no peer %q", m.To)
	}
	if n.closed {
		n.mu.Unlock()
		return errors.New("testutils: network closed")
	}
	n.sent = append(n.sent, m)

	switch n.mode {
	case Manual:
		n.queue = append(n.queue, m)
		n.mu.Unlock()
	case Async:
		key := [2]string{m.From, m.To}
		ch, ok := n.links[key]
		if !ok {
			ch = make(chan Message, 4096)
			n.links[key] = ch
			n.wg.Add(1)
			go n.runLink(ch)
		}
		ch <- m
		n.mu.Unlock()
	default:
		n.mu.Unlock()
		n.deliver(m)
	}
	return nil
}

func (n *Network) runLink(ch chan Message) {
	defer n.wg.Done()
	for m := range ch {
		n.deliver(m)
	}
}

func (n *Network) deliver(m Message) {
	n.mu.Lock()
	r, ok := n.nodes[m.To]
	down := n.down[m.To]
	n.mu.Unlock()
	if !ok || down {
		return
	}
	if err := r.OnMessage(m.From, m.Payload); err != nil && n.OnError != nil {
		n.OnError(m, err)
	}
	if n.AfterDeliver != nil {
		n.AfterDeliver(m)
	}
}

// Endpoint is one peer's view of the network. It satisfies the engines'
// Transport interface.
type Endpoint struct {
	net *Network
	id  string
}

func (e *Endpoint) Send(to string, payload []byte) error {
	return e.net.send(Message{From: e.id, To: to, Payload: append([]byte(nil), payload...)})
}
