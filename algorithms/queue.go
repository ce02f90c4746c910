package algorithms

import "github.com/distcodep7/dsmutex/protocol"

// requestQueue holds pending quorum requests, at most one per sender, and
// pops them in causal order. Queues stay as small as the peer set, so a
// linear scan is enough.
type requestQueue struct {
	items []protocol.QuorumMessage
}

func (q *requestQueue) Len() int { return len(q.items) }

func (q *requestQueue) Contains(sender string) bool {
	return q.indexOf(sender) >= 0
}

// Push adds m unless its sender is already queued.
func (q *requestQueue) Push(m protocol.QuorumMessage) bool {
	if q.Contains(m.SenderID) {
		return false
	}
	q.items = append(q.items, m)
	return true
}

func (q *requestQueue) PopMin() (protocol.QuorumMessage, bool) {
	if len(q.items) == 0 {
		return protocol.QuorumMessage{}, false
	}
	best := 0
	for i := 1; i < len(q.items); i++ {
		if q.items[i].Precedes(q.items[best]) {
			best = i
		}
	}
	m := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return m, true
}

func (q *requestQueue) Remove(sender string) bool {
	i := q.indexOf(sender)
	if i < 0 {
		return false
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	return true
}

func (q *requestQueue) indexOf(sender string) int {
	for i, m := range q.items {
		if m.SenderID == sender {
			return i
		}
	}
	return -1
}
