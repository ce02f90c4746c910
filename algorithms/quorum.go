package algorithms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/distcodep7/dsmutex/clock"
	"github.com/distcodep7/dsmutex/peers"
	"github.com/distcodep7/dsmutex/protocol"
)

var ErrNoQuorum = errors.New("algorithms: no quorum reachable with the current failures")

// Rows of the per-peer flag matrix.
const (
	requestSent = iota
	replyReceived
	failedPeer
	numFlags
)

// QuorumTree is the Agrawal-El Abbadi tree quorum protocol. The sorted peer
// list is an implicit binary tree; a quorum is a root-to-leaf path, and a
// failed node is replaced by quorums of both of its subtrees.
type QuorumTree struct {
	mu   sync.Mutex
	dir  *peers.Directory
	self string
	me   int
	log  Logger
	clk  *clock.Vector
	out  *outbox

	flags [numFlags][]bool
	queue requestQueue
	// head is the request this node has currently sent its REPLY to.
	head        *protocol.QuorumMessage
	selfRequest *clock.VectorStamp
	cs          *ticket
}

func NewQuorumTree(props Props) (*QuorumTree, error) {
	p, err := props.validate()
	if err != nil {
		return nil, err
	}
	n := p.Peers.Len()
	clk, err := clock.NewVector(n, p.Peers.SelfIndex())
	if err != nil {
		return nil, err
	}
	q := &QuorumTree{
		dir:  p.Peers,
		self: p.Peers.Self(),
		me:   p.Peers.SelfIndex(),
		log:  p.Logger,
		clk:  clk,
	}
	for i := range q.flags {
		q.flags[i] = make([]bool, n)
	}
	q.out = newOutbox(p.Transport, q.sendFailed)
	return q, nil
}

func (q *QuorumTree) RequestCriticalSection(ctx context.Context) error {
	q.mu.Lock()
	t, fresh, err := admit(q.cs)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if fresh {
		q.cs = t
		ts := q.clk.Advance()
		q.selfRequest = &ts
		q.log.Printf("[QUORUM] %s requesting at %v", q.self, ts)

		// Self first, so our own request is queued locally before any
		// later one can overtake it.
		q.flags[requestSent][q.me] = true
		q.send(q.self, protocol.QuorumRequest)
		if !q.requestQuorum(0) {
			q.log.Printf("[QUORUM] %s cannot reach a quorum, abandoning request", q.self)
			// Our own REQUEST is still queued in the outbox.
			q.send(q.self, protocol.QuorumRelinquish)
			q.releaseLocked()
			q.mu.Unlock()
			q.out.flush()
			return ErrNoQuorum
		}
	}
	q.mu.Unlock()
	q.out.flush()

	return await(ctx, &q.mu, t)
}

func (q *QuorumTree) ReleaseCriticalSection() error {
	q.mu.Lock()
	if q.cs == nil || !q.cs.held {
		q.mu.Unlock()
		return ErrNotHolding
	}
	q.log.Printf("[QUORUM] %s releasing", q.self)
	q.releaseLocked()
	q.mu.Unlock()
	q.out.flush()
	return nil
}

func (q *QuorumTree) CurrentHolder() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cs != nil && q.cs.held {
		return q.self, true
	}
	if q.head != nil && q.head.SenderID != q.self {
		return q.head.SenderID, true
	}
	return "", false
}

func (q *QuorumTree) OnMessage(from string, payload []byte) error {
	m, err := protocol.DecodeQuorum(payload)
	if err != nil {
		q.log.Printf("[QUORUM] %s dropping payload from %s: %v", q.self, from, err)
		return err
	}
	if m.SenderID != from {
		q.log.Printf("[QUORUM] %s dropping %v: transport sender is %s", q.self, m, from)
		return fmt.Errorf("%w: %s claims to be %s", ErrSenderMismatch, from, m.SenderID)
	}
	i, err := q.dir.Index(from)
	if err != nil {
		q.log.Printf("[QUORUM] %s dropping %v: %v", q.self, m, err)
		return err
	}

	q.mu.Lock()
	if err := q.clk.Merge(m.TimeStamp); err != nil {
		q.mu.Unlock()
		q.log.Printf("[QUORUM] %s dropping %v: %v", q.self, m, err)
		return err
	}
	switch m.Kind {
	case protocol.QuorumRequest:
		q.handleRequest(m)
	case protocol.QuorumReply:
		q.handleReply(i, m)
	case protocol.QuorumRelinquish:
		q.handleRelinquish(from)
	case protocol.QuorumInquire:
		q.handleInquire(i)
	case protocol.QuorumYield:
		q.handleYield(from)
	case protocol.QuorumFailure:
		q.handleFailure(i)
	}
	q.mu.Unlock()
	q.out.flush()
	return nil
}

// PeerFailed tells the engine that id has stopped. Quorums are then built
// around it.
func (q *QuorumTree) PeerFailed(id string) error {
	i, err := q.dir.Index(id)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.handleFailure(i)
	q.mu.Unlock()
	q.out.flush()
	return nil
}

func (q *QuorumTree) sendFailed(to string, err error) {
	i, ierr := q.dir.Index(to)
	if ierr != nil {
		return
	}
	q.log.Printf("[QUORUM] %s send to %s failed: %v", q.self, to, err)
	q.mu.Lock()
	q.handleFailure(i)
	q.mu.Unlock()
	q.out.flush()
}

func (q *QuorumTree) handleRequest(m protocol.QuorumMessage) {
	if q.head != nil && q.head.SenderID == m.SenderID {
		q.log.Printf("[QUORUM] %s duplicate REQUEST from current head %s", q.self, m.SenderID)
		return
	}
	if !q.queue.Push(m) {
		q.log.Printf("[QUORUM] %s duplicate REQUEST from %s", q.self, m.SenderID)
		return
	}
	if q.head == nil {
		q.replyToQueueHead()
		return
	}
	if m.Precedes(*q.head) {
		q.send(q.head.SenderID, protocol.QuorumInquire)
	}
}

func (q *QuorumTree) handleReply(i int, m protocol.QuorumMessage) {
	if !q.flags[requestSent][i] {
		q.log.Printf("[QUORUM] %s unrequested REPLY from %s", q.self, m.SenderID)
		q.send(m.SenderID, protocol.QuorumRelinquish)
		return
	}
	// A REPLY issued before our current request was seen belongs to an
	// earlier round.
	if q.selfRequest == nil || m.TimeStamp.Values[q.me] < q.selfRequest.Values[q.me] {
		q.log.Printf("[QUORUM] %s stale REPLY from %s at %v", q.self, m.SenderID, m.TimeStamp)
		return
	}
	q.flags[replyReceived][i] = true
	q.checkGrant()
}

func (q *QuorumTree) handleRelinquish(from string) {
	if q.head != nil && q.head.SenderID == from {
		q.head = nil
		q.replyToQueueHead()
		return
	}
	if !q.queue.Remove(from) {
		q.log.Printf("[QUORUM] %s erroneous RELINQUISH from %s", q.self, from)
	}
}

func (q *QuorumTree) handleInquire(i int) {
	from, _ := q.dir.ID(i)
	switch {
	case !q.flags[requestSent][i]:
		q.log.Printf("[QUORUM] %s erroneous INQUIRE from %s", q.self, from)
		q.send(from, protocol.QuorumRelinquish)
	case q.cs != nil && q.cs.held:
		// Answered by the RELINQUISH sent on release.
		q.log.Printf("[QUORUM] %s holds the section, deferring INQUIRE from %s", q.self, from)
	case !q.flags[replyReceived][i]:
		// Already yielded, or the REPLY is still in flight.
	default:
		q.flags[replyReceived][i] = false
		q.send(from, protocol.QuorumYield)
	}
}

func (q *QuorumTree) handleYield(from string) {
	if q.head == nil || q.head.SenderID != from {
		q.log.Printf("[QUORUM] %s erroneous YIELD from %s", q.self, from)
		return
	}
	yielded := *q.head
	q.head = nil
	q.queue.Push(yielded)
	q.replyToQueueHead()
}

func (q *QuorumTree) handleFailure(i int) {
	if i == q.me || q.flags[failedPeer][i] {
		return
	}
	id, _ := q.dir.ID(i)
	q.log.Printf("[QUORUM] %s marking %s failed", q.self, id)

	q.flags[failedPeer][i] = true
	wasRequested := q.flags[requestSent][i]
	q.flags[requestSent][i] = false
	q.flags[replyReceived][i] = false

	q.queue.Remove(id)
	if q.head != nil && q.head.SenderID == id {
		q.head = nil
		q.replyToQueueHead()
	}

	if wasRequested && q.selfRequest != nil && q.cs != nil && !q.cs.held {
		if !q.requestQuorum(i) {
			q.log.Printf("[QUORUM] %s subtree of %s cannot form a quorum", q.self, id)
		}
	}
	q.checkGrant()
}

// replyToQueueHead grants our REPLY to the oldest pending request.
func (q *QuorumTree) replyToQueueHead() {
	m, ok := q.queue.PopMin()
	if !ok {
		q.head = nil
		return
	}
	q.head = &m
	q.send(m.SenderID, protocol.QuorumReply)
}

// requestQuorum sends REQUEST to every live node of the subtree at i that
// has not been asked yet and reports whether the subtree can still form a
// quorum.
func (q *QuorumTree) requestQuorum(i int) bool {
	n := q.dir.Len()
	if i >= n {
		return true
	}
	l, r := peers.LeftChild(i), peers.RightChild(i)

	if q.flags[failedPeer][i] {
		okL := q.requestQuorum(l)
		okR := q.requestQuorum(r)
		return r < n && okL && okR
	}

	if !q.flags[requestSent][i] {
		q.flags[requestSent][i] = true
		id, _ := q.dir.ID(i)
		q.send(id, protocol.QuorumRequest)
	}
	okL := q.requestQuorum(l)
	okR := q.requestQuorum(r)
	if r < n {
		return okL || okR
	}
	return okL && okR
}

// checkGrant enters the section once we hold our own REPLY and a quorum.
func (q *QuorumTree) checkGrant() {
	if q.cs == nil || q.cs.held || q.selfRequest == nil {
		return
	}
	if !q.flags[replyReceived][q.me] || !quorumObtained(q.flags[replyReceived], q.flags[failedPeer], 0) {
		return
	}
	q.log.Printf("[QUORUM] %s obtained quorum", q.self)
	if !q.cs.grant() {
		q.log.Printf("[QUORUM] %s request was abandoned, releasing", q.self)
		q.releaseLocked()
	}
}

func (q *QuorumTree) releaseLocked() {
	for i, sent := range q.flags[requestSent] {
		if sent && i != q.me {
			id, _ := q.dir.ID(i)
			q.send(id, protocol.QuorumRelinquish)
		}
	}
	clear(q.flags[requestSent])
	clear(q.flags[replyReceived])
	q.selfRequest = nil
	q.cs = nil

	q.queue.Remove(q.self)
	if q.head != nil && q.head.SenderID == q.self {
		q.head = nil
		q.replyToQueueHead()
	}
}

func (q *QuorumTree) send(to string, kind protocol.QuorumKind) {
	ts := q.clk.Snapshot()
	if kind == protocol.QuorumRequest && q.selfRequest != nil {
		ts = q.selfRequest.Clone()
	}
	b, err := protocol.EncodeQuorum(protocol.QuorumMessage{SenderID: q.self, TimeStamp: ts, Kind: kind})
	if err != nil {
		q.log.Printf("[QUORUM] %s encode %v: %v", q.self, kind, err)
		return
	}
	q.out.push(to, b)
}

// quorumObtained evaluates the tree quorum predicate for the subtree at i.
// A live node needs its own REPLY plus a quorum in either subtree, or in
// both when it has no right child. A failed node is replaced by quorums of
// both subtrees, so a failed node missing a child blocks its path.
func quorumObtained(replied, failed []bool, i int) bool {
	n := len(replied)
	if i >= n {
		return true
	}
	l, r := peers.LeftChild(i), peers.RightChild(i)
	if failed[i] {
		return r < n && quorumObtained(replied, failed, l) && quorumObtained(replied, failed, r)
	}
	if !replied[i] {
		return false
	}
	if r < n {
		return quorumObtained(replied, failed, l) || quorumObtained(replied, failed, r)
	}
	return quorumObtained(replied, failed, l) && quorumObtained(replied, failed, r)
}

// Holding reports whether this node is inside the critical section.
func (q *QuorumTree) Holding() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cs != nil && q.cs.held
}

// Flags returns the REQUEST_SENT, REPLY_RECEIVED and FAILED flags for id.
func (q *QuorumTree) Flags(id string) (sent, replied, failed bool) {
	i, err := q.dir.Index(id)
	if err != nil {
		return false, false, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flags[requestSent][i], q.flags[replyReceived][i], q.flags[failedPeer][i]
}

// Granted returns the peer this node has sent its REPLY to.
func (q *QuorumTree) Granted() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return "", false
	}
	return q.head.SenderID, true
}

func (q *QuorumTree) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}
