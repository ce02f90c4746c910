// Command node runs one peer against a controller started with
// cmd/controller. Start one process per id listed in -peers.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/distcodep7/dsmutex/algorithms"
	"github.com/distcodep7/dsmutex/dsnet"
	"github.com/distcodep7/dsmutex/peers"
	"github.com/distcodep7/dsmutex/trace"
)

func main() {
	id := flag.String("id", "", "This node's id")
	peerList := flag.String("peers", "", "Comma separated ids of every node, this one included")
	addr := flag.String("addr", "localhost:50051", "Controller address")
	algoName := flag.String("algo", "quorum", "Algorithm to run: quorum, token, timestamp")
	rounds := flag.Int("rounds", 3, "Critical sections to enter")
	work := flag.Duration("work", 100*time.Millisecond, "Time spent inside each critical section")
	tracePath := flag.String("trace", "", "Append trace events to this file")
	flag.Parse()

	algo, err := algorithms.ParseAlgorithm(*algoName)
	if err != nil {
		log.Fatal(err)
	}
	dir, err := peers.NewDirectory(strings.Split(*peerList, ","), *id)
	if err != nil {
		log.Fatal(err)
	}

	var tw *trace.Writer
	if *tracePath != "" {
		if tw, err = trace.Open(*tracePath); err != nil {
			log.Fatal(err)
		}
		defer tw.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := dsnet.NewNode(ctx, dsnet.Config{Peers: dir, ControllerAddr: *addr, Trace: tw, Logger: log.Default()})
	if err != nil {
		log.Fatal(err)
	}
	defer node.Close()

	engine, err := algorithms.New(algo, algorithms.Props{Peers: dir, Transport: node, Logger: log.Default()})
	if err != nil {
		log.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- node.Serve(ctx, engine) }()

	for r := 0; r < *rounds; r++ {
		if err := engine.RequestCriticalSection(ctx); err != nil {
			log.Printf("[%s] request failed: %v", *id, err)
			return
		}
		node.Record(trace.EvtTypeEnter)
		log.Printf("[%s] entered critical section (%d/%d)", *id, r+1, *rounds)
		time.Sleep(*work)
		node.Record(trace.EvtTypeExit)
		if err := engine.ReleaseCriticalSection(); err != nil {
			log.Printf("[%s] release failed: %v", *id, err)
			return
		}
	}
	log.Printf("[%s] done, still answering peers until interrupted", *id)

	// Other peers may still need our permission or the token.
	select {
	case <-ctx.Done():
	case err := <-served:
		if err != nil {
			log.Printf("[%s] %v", *id, err)
		}
	}
}
