// Package dsnet connects a peer to the controller. A Node is the Transport
// an engine sends through, and Serve feeds what arrives back into the
// engine.
package dsnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/distcodep7/dsmutex/clock"
	"github.com/distcodep7/dsmutex/peers"
	pb "github.com/distcodep7/dsmutex/proto"
	"github.com/distcodep7/dsmutex/trace"
	"github.com/google/uuid"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

var ErrClosed = errors.New("dsnet: node closed")

const closeGrace = time.Second

type Logger interface {
	Printf(format string, v ...interface{})
}

type NoOpLogger struct{}

func (NoOpLogger) Printf(format string, v ...interface{}) {}

type Event struct {
	From        string
	To          string
	Type        string
	Payload     []byte
	VectorClock map[string]uint64
}

type Config struct {
	Peers          *peers.Directory
	ControllerAddr string

	// Trace, if set, receives SEND, RECV, ENTER and EXIT events.
	Trace *trace.Writer
	// InboxSize bounds Inbound. Defaults to 256.
	InboxSize int
	// MaxBackoff caps the wait between connection attempts. Defaults to
	// 500ms.
	MaxBackoff  time.Duration
	DialOptions []grpc.DialOption
	Logger      Logger
}

type Node struct {
	ID string

	// Inbound carries every envelope addressed to this node in arrival
	// order. It is closed by Close.
	Inbound chan Event

	dir   *peers.Directory
	clk   *clock.Vector
	trace *trace.Writer
	log   Logger

	conn   *grpc.ClientConn
	stream pb.NetworkController_StreamClient
	cancel context.CancelFunc
	sendMu sync.Mutex

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// NewNode connects to the controller and registers as cfg.Peers.Self(). It
// retries with randomized exponential backoff until the controller accepts
// the handshake or ctx is done.
func NewNode(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Peers == nil {
		return nil, errors.New("dsnet: Config.Peers is required")
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = NoOpLogger{}
	}

	clk, err := clock.NewVector(cfg.Peers.Len(), cfg.Peers.SelfIndex())
	if err != nil {
		return nil, err
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, cfg.DialOptions...)
	conn, err := grpc.NewClient(cfg.ControllerAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller at %s: %w", cfg.ControllerAddr, err)
	}

	n := &Node{
		ID:      cfg.Peers.Self(),
		Inbound: make(chan Event, cfg.InboxSize),
		dir:     cfg.Peers,
		clk:     clk,
		trace:   cfg.Trace,
		log:     cfg.Logger,
		conn:    conn,
		closed:  make(chan struct{}),
	}

	if err := n.connectWithBackoff(ctx, cfg.MaxBackoff, n.handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	n.wg.Add(1)
	go n.runRecvLoop()
	return n, nil
}

// handshake opens the stream and waits for the controller's ack.
func (n *Node) handshake() error {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := pb.NewNetworkControllerClient(n.conn).Stream(ctx)
	if err != nil {
		cancel()
		return err
	}
	if err := stream.Send(&pb.Envelope{Id: uuid.NewString(), From: n.ID, To: pb.CtrlID, Type: pb.TypeHandshake}); err != nil {
		cancel()
		return err
	}
	ack, err := stream.Recv()
	if err != nil {
		cancel()
		return err
	}
	if ack.Type != pb.TypeRegistered {
		cancel()
		return fmt.Errorf("expected %s, got %s", pb.TypeRegistered, ack.Type)
	}
	n.stream = stream
	n.cancel = cancel
	return nil
}

func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.sendMu.Lock()
		_ = n.stream.CloseSend()
		n.sendMu.Unlock()

		// Let the controller read what we sent before tearing the stream
		// down; it ends the stream once it sees our half-close.
		drained := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(closeGrace):
		}
		n.cancel()
		n.conn.Close()
		<-drained
		close(n.Inbound)
	})
}

// Send relays payload to peer to. It satisfies algorithms.Transport.
func (n *Node) Send(to string, payload []byte) error {
	select {
	case <-n.closed:
		return ErrClosed
	default:
	}
	if !n.dir.Contains(to) {
		return fmt.Errorf("%w: %q", peers.ErrUnknownPeer, to)
	}

	vec := n.vectorMap(n.clk.Advance())
	env := &pb.Envelope{
		Id:      uuid.NewString(),
		From:    n.ID,
		To:      to,
		Type:    messageType(payload),
		Payload: string(payload),
		Vector:  pb.VectorFromMap(vec),
	}
	n.record(trace.EvtTypeSend, env.Id, env.Type, n.ID, to, vec, env.Payload)

	n.sendMu.Lock()
	err := n.stream.Send(env)
	n.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("gRPC send to %s failed: %w", to, err)
	}
	return nil
}

// Record writes a local ENTER or EXIT event to the trace.
func (n *Node) Record(evt trace.EvtType) {
	n.record(evt, "", "", n.ID, "", n.vectorMap(n.clk.Advance()), "")
}

// Clock returns the node's current vector timestamp.
func (n *Node) Clock() clock.VectorStamp {
	return n.clk.Snapshot()
}

func (n *Node) runRecvLoop() {
	defer n.wg.Done()

	for {
		env, err := n.stream.Recv()
		if err == io.EOF || status.Code(err) == codes.Canceled {
			return
		}
		if err != nil {
			n.log.Printf("[%s] stream error: %v", n.ID, err)
			return
		}

		ev := Event{From: env.From, To: env.To, Type: env.Type, Payload: []byte(env.Payload), VectorClock: env.VectorMap()}
		switch env.Type {
		case pb.TypeStop:
			n.log.Printf("[%s] stopped by controller", n.ID)
			go n.Close()
			continue
		case pb.TypePeerDown:
		default:
			vec := n.merge(env)
			n.record(trace.EvtTypeRecv, env.Id, env.Type, env.From, env.To, vec, env.Payload)
		}

		select {
		case n.Inbound <- ev:
		case <-n.closed:
			// Keep reading until the controller ends the stream.
		}
	}
}

// merge folds the sender's clock into ours and counts the receive event.
func (n *Node) merge(env *pb.Envelope) map[string]uint64 {
	values := make([]uint64, n.dir.Len())
	for _, e := range env.Vector {
		if i, err := n.dir.Index(e.Node); err == nil {
			values[i] = e.Counter
		}
	}
	if err := n.clk.Merge(clock.VectorStamp{Values: values}); err != nil {
		n.log.Printf("[%s] clock merge: %v", n.ID, err)
	}
	return n.vectorMap(n.clk.Advance())
}

func (n *Node) vectorMap(s clock.VectorStamp) map[string]uint64 {
	m := make(map[string]uint64, len(s.Values))
	for i, v := range s.Values {
		if id, err := n.dir.ID(i); err == nil {
			m[id] = v
		}
	}
	return m
}

func (n *Node) record(evt trace.EvtType, msgID, msgType, from, to string, vc map[string]uint64, payload string) {
	if n.trace == nil {
		return
	}
	err := n.trace.Write(trace.TraceEvent{
		MessageID:   msgID,
		EvtType:     evt,
		MsgType:     msgType,
		From:        from,
		To:          to,
		VectorClock: vc,
		Payload:     payload,
	})
	if err != nil {
		n.log.Printf("[%s] trace: %v", n.ID, err)
	}
}
