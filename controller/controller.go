// Package controller is the relay every node streams its messages through.
// It routes envelopes by destination, can partition the network, injects
// drops, duplicates and delays, and tells the remaining nodes when one
// disconnects.
package controller

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pb "github.com/distcodep7/dsmutex/proto"
	"github.com/distcodep7/dsmutex/trace"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type sender interface {
	SendEnvelope(*pb.Envelope) error
}

type Node struct {
	id     string
	stream pb.NetworkController_StreamServer
	sendMu sync.Mutex
	alive  atomic.Bool
}

func (n *Node) SendEnvelope(env *pb.Envelope) error {
	if !n.alive.Load() {
		return fmt.Errorf("node %s is gone", n.id)
	}
	if n.stream == nil {
		return fmt.Errorf("node %s stream not initialized", n.id)
	}
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	return n.stream.Send(env)
}

// Config controls fault injection. Probabilities are in [0,1]; a reordered
// message is held back for a random delay in [ReorderMinDelay,
// ReorderMaxDelay].
type Config struct {
	DropProb        float64
	DupeProb        float64
	AsyncDuplicate  bool
	ReorderProb     float64
	ReorderMinDelay time.Duration
	ReorderMaxDelay time.Duration

	// Seed fixes the fault injection sequence. Zero seeds from the clock.
	Seed   int64
	Trace  *trace.Writer
	Logger Logger
}

type Server struct {
	pb.UnimplementedNetworkControllerServer

	mu      sync.Mutex
	nodes   map[string]sender
	blocked map[string]map[string]bool

	rng   *rand.Rand
	rngMu sync.Mutex

	cfg Config
	log Logger
}

func NewServer(cfg Config) *Server {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &Server{
		nodes:   make(map[string]sender),
		blocked: make(map[string]map[string]bool),
		rng:     rand.New(rand.NewSource(seed)),
		cfg:     cfg,
		log:     logger,
	}
}

// Stream serves one node. The first envelope must be its handshake.
func (s *Server) Stream(stream pb.NetworkController_StreamServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Type != pb.TypeHandshake || first.From == "" {
		return status.Errorf(codes.InvalidArgument, "expected %s, got %q from %q", pb.TypeHandshake, first.Type, first.From)
	}
	nodeID := first.From

	n := &Node{id: nodeID, stream: stream}
	n.alive.Store(true)
	s.mu.Lock()
	if _, dup := s.nodes[nodeID]; dup {
		s.mu.Unlock()
		return status.Errorf(codes.AlreadyExists, "node %s already registered", nodeID)
	}
	s.nodes[nodeID] = n
	s.mu.Unlock()

	s.log.Printf("[CTRL] Node Registered: %s", nodeID)
	if err := n.SendEnvelope(&pb.Envelope{Id: uuid.NewString(), From: pb.CtrlID, To: nodeID, Type: pb.TypeRegistered}); err != nil {
		s.removeNode(nodeID)
		return err
	}

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			s.removeNode(nodeID)
			return nil
		}
		if err != nil {
			s.removeNode(nodeID)
			return err
		}
		if msg.To == pb.CtrlID {
			continue
		}
		if msg.From != nodeID {
			s.log.Printf("[ERR] %s sent an envelope claiming to be from %s", nodeID, msg.From)
			continue
		}
		s.forward(msg)
	}
}

func (s *Server) forward(msg *pb.Envelope) {
	s.mu.Lock()
	if s.blocked[msg.From][msg.To] {
		s.mu.Unlock()
		s.log.Printf("[PARTITION] Dropped: %s -> %s", msg.From, msg.To)
		s.logDrop(msg)
		return
	}
	target, ok := s.nodes[msg.To]
	s.mu.Unlock()

	if !ok {
		s.log.Printf("[ERR] Unknown destination: %s", msg.To)
		s.logDrop(msg)
		return
	}

	skip, err := s.handleMessageEvents(msg, target)
	if err != nil {
		s.log.Printf("[EVNT ERR] %v", err)
	}
	if skip {
		return
	}
	if err := target.SendEnvelope(msg); err != nil {
		s.log.Printf("[ERR] send %s -> %s failed: %v", msg.From, msg.To, err)
	}
}

// removeNode forgets id and tells every remaining node it is gone.
func (s *Server) removeNode(id string) {
	s.mu.Lock()
	n, exists := s.nodes[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	if node, ok := n.(*Node); ok {
		node.alive.Store(false)
	}
	delete(s.nodes, id)
	remaining := make(map[string]sender, len(s.nodes))
	for k, v := range s.nodes {
		remaining[k] = v
	}
	s.mu.Unlock()

	s.log.Printf("[CTRL] Node Disconnected: %s", id)
	for to, target := range remaining {
		env := &pb.Envelope{Id: uuid.NewString(), From: id, To: to, Type: pb.TypePeerDown}
		if err := target.SendEnvelope(env); err != nil {
			s.log.Printf("[ERR] %s to %s failed: %v", pb.TypePeerDown, to, err)
		}
	}
}

// Nodes returns the registered node ids, sorted.
func (s *Server) Nodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WaitForNodes blocks until every id has registered or ctx is done.
func (s *Server) WaitForNodes(ctx context.Context, ids ...string) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		s.mu.Lock()
		missing := ""
		for _, id := range ids {
			if _, ok := s.nodes[id]; !ok {
				missing = id
				break
			}
		}
		s.mu.Unlock()
		if missing == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", missing, ctx.Err())
		case <-tick.C:
		}
	}
}

func (s *Server) BlockCommunication(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocked[a]; !exists {
		s.blocked[a] = make(map[string]bool)
	}
	s.blocked[a][b] = true
	s.log.Printf("[PARTITION] Blocked: %s -> %s", a, b)
}

func (s *Server) UnblockCommunication(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rules, exists := s.blocked[a]; exists {
		delete(rules, b)
		if len(rules) == 0 {
			delete(s.blocked, a)
		}
		s.log.Printf("[PARTITION] Unblocked: %s -> %s", a, b)
	}
}

// CreatePartition blocks every link between the two groups, both ways.
func (s *Server) CreatePartition(group1, group2 []string) {
	for _, a := range group1 {
		for _, b := range group2 {
			s.BlockCommunication(a, b)
			s.BlockCommunication(b, a)
		}
	}
}

// Serve runs s on lis until ctx is done.
func Serve(ctx context.Context, lis net.Listener, s *Server) error {
	grpcServer := grpc.NewServer()
	pb.RegisterNetworkControllerServer(grpcServer, s)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			grpcServer.Stop()
		case <-done:
		}
	}()

	s.log.Printf("[CTRL] listening on %s", lis.Addr())
	if err := grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("controller: %w", err)
	}
	return nil
}
