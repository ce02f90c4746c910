package algorithms

import "sync"

type outMsg struct {
	to      string
	payload []byte
}

// outbox queues messages produced under an engine lock so they can be sent
// after the lock is released. Only one goroutine drains at a time; a flush
// that finds another drainer returns and leaves its messages to it. This
// keeps per-destination order and lets synchronous or self-addressed
// deliveries re-enter the engine.
type outbox struct {
	transport Transport
	onFail    func(to string, err error)

	mu       sync.Mutex
	pending  []outMsg
	draining bool
}

func newOutbox(t Transport, onFail func(string, error)) *outbox {
	return &outbox{transport: t, onFail: onFail}
}

func (o *outbox) push(to string, payload []byte) {
	o.mu.Lock()
	o.pending = append(o.pending, outMsg{to: to, payload: payload})
	o.mu.Unlock()
}

// flush must not be called with the engine lock held.
func (o *outbox) flush() {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	for len(o.pending) > 0 {
		m := o.pending[0]
		o.pending = o.pending[1:]
		o.mu.Unlock()

		if err := o.transport.Send(m.to, m.payload); err != nil && o.onFail != nil {
			o.onFail(m.to, err)
		}

		o.mu.Lock()
	}
	o.draining = false
	o.mu.Unlock()
}
