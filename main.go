// Command dsmutex runs every peer of one mutual exclusion algorithm in a
// single process, relayed through an in-process controller, and checks
// from the trace that no two peers were ever inside the critical section
// together.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/distcodep7/dsmutex/algorithms"
	"github.com/distcodep7/dsmutex/controller"
	"github.com/distcodep7/dsmutex/dsnet"
	"github.com/distcodep7/dsmutex/peers"
	"github.com/distcodep7/dsmutex/trace"
)

type scenario struct {
	algo      algorithms.Algorithm
	numNodes  int
	rounds    int
	work      time.Duration
	tracePath string
	verbose   bool
}

func main() {
	algoName := flag.String("algo", "quorum", "Algorithm to run: quorum, token, timestamp")
	numNodes := flag.Int("n", 5, "Number of nodes in the system")
	rounds := flag.Int("rounds", 3, "Critical sections entered by every node")
	work := flag.Duration("work", 10*time.Millisecond, "Time spent inside each critical section")
	tracePath := flag.String("trace", "trace_log.jsonl", "Trace file, truncated at start")
	timeout := flag.Duration("timeout", time.Minute, "Give up after this long")
	verbose := flag.Bool("v", false, "Log protocol and relay activity")
	flag.Parse()

	algo, err := algorithms.ParseAlgorithm(*algoName)
	if err != nil {
		log.Fatal(err)
	}
	if *numNodes < 1 || *rounds < 1 {
		log.Fatal("-n and -rounds must be positive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	s := scenario{algo: algo, numNodes: *numNodes, rounds: *rounds, work: *work, tracePath: *tracePath, verbose: *verbose}
	log.Printf("Starting %v with %d nodes, %d rounds each", algo, s.numNodes, s.rounds)
	if err := s.run(ctx); err != nil {
		log.Fatalf("❌ TEST FAILED: %v", err)
	}
}

func (s scenario) run(ctx context.Context) error {
	if err := os.Remove(s.tracePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	tw, err := trace.Open(s.tracePath)
	if err != nil {
		return err
	}

	var logger algorithms.Logger = algorithms.NoOpLogger{}
	if s.verbose {
		logger = log.Default()
	}

	ctrl := controller.NewServer(controller.Config{Trace: tw, Logger: logger})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srvCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	go func() {
		if err := controller.Serve(srvCtx, lis, ctrl); err != nil {
			log.Printf("[CTRL] %v", err)
		}
	}()

	ids := make([]string, s.numNodes)
	for i := range ids {
		ids[i] = fmt.Sprintf("N%d", i+1)
	}

	nodes := make([]*dsnet.Node, 0, len(ids))
	engines := make([]algorithms.Engine, 0, len(ids))
	defer func() {
		for _, n := range nodes {
			n.Close()
		}
	}()
	for _, id := range ids {
		dir, err := peers.NewDirectory(ids, id)
		if err != nil {
			return err
		}
		node, err := dsnet.NewNode(ctx, dsnet.Config{Peers: dir, ControllerAddr: lis.Addr().String(), Trace: tw, Logger: logger})
		if err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		nodes = append(nodes, node)
		engine, err := algorithms.New(s.algo, algorithms.Props{Peers: dir, Transport: node, Logger: logger})
		if err != nil {
			return err
		}
		engines = append(engines, engine)
		go node.Serve(ctx, engine)
	}
	if err := ctrl.WaitForNodes(ctx, ids...); err != nil {
		return err
	}

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for i := range ids {
		wg.Add(1)
		go func(node *dsnet.Node, engine algorithms.Engine) {
			defer wg.Done()
			if err := s.runNode(ctx, node, engine); err != nil {
				errs <- fmt.Errorf("node %s: %w", node.ID, err)
			}
		}(nodes[i], engines[i])
	}
	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	elapsed := time.Since(start)

	for _, n := range nodes {
		n.Close()
	}
	nodes = nil
	stopServer()
	if err := tw.Close(); err != nil {
		return err
	}

	events, err := trace.ReadFile(s.tracePath)
	if err != nil {
		return err
	}
	completed, err := trace.CheckExclusion(events)
	if err != nil {
		return err
	}
	if want := s.numNodes * s.rounds; completed != want {
		return fmt.Errorf("%d critical sections completed, want %d", completed, want)
	}
	log.Printf("✅ TEST PASSED: %d critical sections in %v, %d trace events", completed, elapsed.Round(time.Millisecond), len(events))
	return nil
}

func (s scenario) runNode(ctx context.Context, node *dsnet.Node, engine algorithms.Engine) error {
	for r := 0; r < s.rounds; r++ {
		if err := engine.RequestCriticalSection(ctx); err != nil {
			return err
		}
		node.Record(trace.EvtTypeEnter)
		time.Sleep(s.work)
		node.Record(trace.EvtTypeExit)
		if err := engine.ReleaseCriticalSection(); err != nil {
			return err
		}
	}
	return nil
}
