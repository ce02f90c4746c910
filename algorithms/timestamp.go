package algorithms

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/distcodep7/dsmutex/clock"
	"github.com/distcodep7/dsmutex/peers"
	"github.com/distcodep7/dsmutex/protocol"
)

// RAState is where a Ricart-Agrawala peer is in its request cycle.
type RAState int

const (
	StateReleased RAState = iota
	StateWanted
	StateHeld
)

func (s RAState) String() string {
	switch s {
	case StateReleased:
		return "RELEASED"
	case StateWanted:
		return "WANTED"
	case StateHeld:
		return "HELD"
	default:
		return fmt.Sprintf("RAState(%d)", int(s))
	}
}

// TimestampMulticast is Ricart-Agrawala: a request is multicast with a
// Lamport timestamp and the section is entered once every other live peer
// has replied. Peers holding or wanting the section with priority defer
// their reply until they release.
type TimestampMulticast struct {
	mu   sync.Mutex
	dir  *peers.Directory
	self string
	me   int
	log  Logger
	clk  *clock.Lamport
	out  *outbox

	state    RAState
	reqTS    uint64
	replied  map[string]bool
	failed   map[string]bool
	deferred []string
	cs       *ticket
}

func NewTimestampMulticast(props Props) (*TimestampMulticast, error) {
	p, err := props.validate()
	if err != nil {
		return nil, err
	}
	r := &TimestampMulticast{
		dir:     p.Peers,
		self:    p.Peers.Self(),
		me:      p.Peers.SelfIndex(),
		log:     p.Logger,
		clk:     clock.NewLamport(0),
		replied: make(map[string]bool),
		failed:  make(map[string]bool),
	}
	r.out = newOutbox(p.Transport, func(to string, err error) {
		r.log.Printf("[RA] %s send to %s failed: %v", r.self, to, err)
		_ = r.PeerFailed(to)
	})
	return r, nil
}

func (r *TimestampMulticast) RequestCriticalSection(ctx context.Context) error {
	r.mu.Lock()
	t, fresh, err := admit(r.cs)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if fresh {
		r.cs = t
		r.state = StateWanted
		r.reqTS = r.clk.Advance()
		clear(r.replied)
		r.log.Printf("[RA] %s requesting at %d", r.self, r.reqTS)
		for _, id := range r.dir.Others() {
			if !r.failed[id] {
				r.send(id, protocol.TimestampRequest, r.reqTS)
			}
		}
		r.checkGrant()
	}
	r.mu.Unlock()
	r.out.flush()

	return await(ctx, &r.mu, t)
}

func (r *TimestampMulticast) ReleaseCriticalSection() error {
	r.mu.Lock()
	if r.cs == nil || !r.cs.held {
		r.mu.Unlock()
		return ErrNotHolding
	}
	r.log.Printf("[RA] %s releasing, deferred %v", r.self, r.deferred)
	r.releaseLocked()
	r.mu.Unlock()
	r.out.flush()
	return nil
}

func (r *TimestampMulticast) CurrentHolder() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateHeld {
		return r.self, true
	}
	return "", false
}

func (r *TimestampMulticast) OnMessage(from string, payload []byte) error {
	m, err := protocol.DecodeTimestamp(payload)
	if err != nil {
		r.log.Printf("[RA] %s dropping payload from %s: %v", r.self, from, err)
		return err
	}
	if m.SenderID != from {
		r.log.Printf("[RA] %s dropping %v from %s: transport sender is %s", r.self, m.Kind, m.SenderID, from)
		return fmt.Errorf("%w: %s claims to be %s", ErrSenderMismatch, from, m.SenderID)
	}
	idx, err := r.dir.Index(from)
	if err != nil {
		r.log.Printf("[RA] %s dropping %v: %v", r.self, m.Kind, err)
		return err
	}

	r.mu.Lock()
	_ = r.clk.Merge(m.TimeStamp)
	switch m.Kind {
	case protocol.TimestampRequest:
		r.handleRequest(from, idx, m.TimeStamp)
	case protocol.TimestampReply:
		r.handleReply(from)
	}
	r.mu.Unlock()
	r.out.flush()
	return nil
}

// PeerFailed stops waiting for a reply from id and forgets any reply
// deferred to it.
func (r *TimestampMulticast) PeerFailed(id string) error {
	if !r.dir.Contains(id) {
		return fmt.Errorf("%w: %q", peers.ErrUnknownPeer, id)
	}
	r.mu.Lock()
	if id != r.self && !r.failed[id] {
		r.log.Printf("[RA] %s marking %s failed", r.self, id)
		r.failed[id] = true
		r.deferred = slices.DeleteFunc(r.deferred, func(d string) bool { return d == id })
		r.checkGrant()
	}
	r.mu.Unlock()
	r.out.flush()
	return nil
}

func (r *TimestampMulticast) State() RAState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *TimestampMulticast) Deferred() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.deferred)
}

func (r *TimestampMulticast) handleRequest(from string, idx int, ts uint64) {
	ours := r.state == StateWanted && clock.Precedes(r.reqTS, r.me, ts, idx)
	if r.state == StateHeld || ours {
		if !slices.Contains(r.deferred, from) {
			r.deferred = append(r.deferred, from)
		}
		return
	}
	r.send(from, protocol.TimestampReply, r.clk.Snapshot())
}

func (r *TimestampMulticast) handleReply(from string) {
	if r.state != StateWanted {
		r.log.Printf("[RA] %s unexpected REPLY from %s in state %v", r.self, from, r.state)
		return
	}
	if r.replied[from] {
		r.log.Printf("[RA] %s duplicate REPLY from %s", r.self, from)
		return
	}
	r.replied[from] = true
	r.checkGrant()
}

func (r *TimestampMulticast) checkGrant() {
	if r.state != StateWanted {
		return
	}
	for _, id := range r.dir.Others() {
		if !r.replied[id] && !r.failed[id] {
			return
		}
	}
	r.state = StateHeld
	r.log.Printf("[RA] %s entering", r.self)
	if !r.cs.grant() {
		r.log.Printf("[RA] %s request was abandoned, releasing", r.self)
		r.releaseLocked()
	}
}

func (r *TimestampMulticast) releaseLocked() {
	r.state = StateReleased
	r.cs = nil
	ts := r.clk.Snapshot()
	for _, id := range r.deferred {
		r.send(id, protocol.TimestampReply, ts)
	}
	r.deferred = nil
	clear(r.replied)
}

func (r *TimestampMulticast) send(to string, kind protocol.TimestampKind, ts uint64) {
	b, err := protocol.EncodeTimestamp(protocol.TimestampMessage{SenderID: r.self, TimeStamp: ts, Kind: kind})
	if err != nil {
		r.log.Printf("[RA] %s encode %v: %v", r.self, kind, err)
		return
	}
	r.out.push(to, b)
}
