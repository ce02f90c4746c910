package controller

import (
	"bytes"
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	pb "github.com/distcodep7/dsmutex/proto"
	"github.com/distcodep7/dsmutex/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// fakeSender implements sender and captures sent messages
type fakeSender struct {
	sendCh chan *pb.Envelope
}

func (f *fakeSender) SendEnvelope(msg *pb.Envelope) error {
	f.sendCh <- msg
	return nil
}

func newFake() *fakeSender { return &fakeSender{sendCh: make(chan *pb.Envelope, 16)} }

func expectNone(t *testing.T, f *fakeSender) {
	t.Helper()
	select {
	case m := <-f.sendCh:
		t.Fatalf("unexpected send %+v", m)
	default:
	}
}

func TestBlockUnblock(t *testing.T) {
	s := NewServer(Config{})

	s.BlockCommunication("A", "B")
	if !s.blocked["A"]["B"] {
		t.Fatal("expected A -> B to be blocked")
	}
	s.UnblockCommunication("A", "B")
	if s.blocked["A"]["B"] {
		t.Fatal("expected A -> B to be unblocked")
	}
	if _, ok := s.blocked["A"]; ok {
		t.Fatal("empty rule set left behind")
	}
}

func TestCreatePartition(t *testing.T) {
	s := NewServer(Config{})
	g1 := []string{"A", "C"}
	g2 := []string{"B", "D"}
	s.CreatePartition(g1, g2)

	for _, x := range g1 {
		for _, y := range g2 {
			if !s.blocked[x][y] || !s.blocked[y][x] {
				t.Fatalf("expected %s <-> %s to be blocked", x, y)
			}
		}
	}
	if s.blocked["A"]["C"] {
		t.Fatal("nodes in the same group were separated")
	}
}

func TestForwardDropsWhenBlocked(t *testing.T) {
	var buf bytes.Buffer
	s := NewServer(Config{Trace: trace.NewWriter(&buf)})
	b := newFake()
	s.nodes["B"] = b
	s.BlockCommunication("A", "B")

	s.forward(&pb.Envelope{Id: "m1", From: "A", To: "B", Type: "REQUEST", Payload: "{}"})
	expectNone(t, b)

	events, err := trace.Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EvtType != trace.EvtTypeDrop || events[0].MessageID != "m1" {
		t.Fatalf("trace = %+v", events)
	}
}

func TestForwardUnknownDestination(t *testing.T) {
	s := NewServer(Config{})
	s.forward(&pb.Envelope{From: "X", To: "NonExistent", Type: "MSG"})
}

func TestForwardSelfAddressed(t *testing.T) {
	s := NewServer(Config{})
	a := newFake()
	s.nodes["A"] = a
	s.forward(&pb.Envelope{From: "A", To: "A", Payload: "TOKEN GRANTED"})
	select {
	case m := <-a.sendCh:
		if m.Payload != "TOKEN GRANTED" {
			t.Fatalf("got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("self-addressed envelope not delivered")
	}
}

func TestRemoveNodeAnnouncesPeerDown(t *testing.T) {
	s := NewServer(Config{})
	b, c := newFake(), newFake()
	s.nodes["A"] = newFake()
	s.nodes["B"] = b
	s.nodes["C"] = c

	s.removeNode("A")
	for _, f := range []*fakeSender{b, c} {
		select {
		case m := <-f.sendCh:
			if m.Type != pb.TypePeerDown || m.From != "A" {
				t.Fatalf("got %+v", m)
			}
		default:
			t.Fatal("remaining node not told about A")
		}
	}
	if got := s.Nodes(); len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Fatalf("Nodes() = %v", got)
	}
	s.removeNode("A")
	expectNone(t, b)
}

func TestWaitForNodes(t *testing.T) {
	s := NewServer(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.WaitForNodes(ctx, "A"); err == nil {
		t.Fatal("WaitForNodes returned before A registered")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.mu.Lock()
		s.nodes["A"] = newFake()
		s.mu.Unlock()
	}()
	if err := s.WaitForNodes(context.Background(), "A"); err != nil {
		t.Fatal(err)
	}
}

func dialServer(t *testing.T, s *Server) pb.NetworkControllerClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	pb.RegisterNetworkControllerServer(g, s)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return pb.NewNetworkControllerClient(conn)
}

func handshake(t *testing.T, client pb.NetworkControllerClient, id string) pb.NetworkController_StreamClient {
	t.Helper()
	stream, err := client.Stream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(&pb.Envelope{From: id, To: pb.CtrlID, Type: pb.TypeHandshake}); err != nil {
		t.Fatal(err)
	}
	ack, err := stream.Recv()
	if err != nil || ack.Type != pb.TypeRegistered {
		t.Fatalf("handshake ack %+v, %v", ack, err)
	}
	return stream
}

func TestStreamRelay(t *testing.T) {
	s := NewServer(Config{})
	client := dialServer(t, s)

	a := handshake(t, client, "A")
	b := handshake(t, client, "B")
	if err := s.WaitForNodes(context.Background(), "A", "B"); err != nil {
		t.Fatal(err)
	}

	if err := a.Send(&pb.Envelope{Id: "1", From: "A", To: "B", Type: "REQUEST", Payload: "hi"}); err != nil {
		t.Fatal(err)
	}
	got, err := b.Recv()
	if err != nil || got.Payload != "hi" || got.From != "A" {
		t.Fatalf("B got %+v, %v", got, err)
	}

	if err := a.CloseSend(); err != nil {
		t.Fatal(err)
	}
	down, err := b.Recv()
	if err != nil || down.Type != pb.TypePeerDown || down.From != "A" {
		t.Fatalf("B got %+v, %v", down, err)
	}
}

func TestStreamRejectsBadHandshake(t *testing.T) {
	s := NewServer(Config{})
	client := dialServer(t, s)

	stream, err := client.Stream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(&pb.Envelope{From: "A", To: "B", Type: "REQUEST"}); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Recv(); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("got %v, want InvalidArgument", err)
	}

	handshake(t, client, "A")
	dup, err := client.Stream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = dup.Send(&pb.Envelope{From: "A", To: pb.CtrlID, Type: pb.TypeHandshake})
	if _, err := dup.Recv(); status.Code(err) != codes.AlreadyExists {
		t.Fatalf("got %v, want AlreadyExists", err)
	}
}

func TestServeReturnsListenerError(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	lis.Close()

	before := runtime.NumGoroutine()
	if err := Serve(context.Background(), lis, NewServer(Config{})); err == nil {
		t.Fatal("Serve on a closed listener returned nil")
	}
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("%d goroutines left running, had %d", runtime.NumGoroutine(), before)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
