package dsnet

import (
	"context"

	pb "github.com/distcodep7/dsmutex/proto"
)

// Handler consumes inbound payloads. Every algorithms.Engine is one.
type Handler interface {
	OnMessage(from string, payload []byte) error
}

// FailureHandler is told when the controller reports a peer gone.
type FailureHandler interface {
	PeerFailed(id string) error
}

// Serve feeds Inbound into h, one event at a time and in arrival order,
// until ctx is done or the node is closed.
func (n *Node) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-n.Inbound:
			if !ok {
				return nil
			}
			n.dispatch(h, ev)
		}
	}
}

func (n *Node) dispatch(h Handler, ev Event) {
	if ev.Type == pb.TypePeerDown {
		fh, ok := h.(FailureHandler)
		if !ok {
			return
		}
		n.log.Printf("[%s] peer %s is down", n.ID, ev.From)
		if err := fh.PeerFailed(ev.From); err != nil {
			n.log.Printf("[%s] PeerFailed(%s): %v", n.ID, ev.From, err)
		}
		return
	}
	if err := h.OnMessage(ev.From, ev.Payload); err != nil {
		n.log.Printf("[%s] handler for %s from %s failed: %v", n.ID, ev.Type, ev.From, err)
	}
}
