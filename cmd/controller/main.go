// Command controller runs a standalone relay that nodes started with
// cmd/node connect to.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/distcodep7/dsmutex/controller"
	"github.com/distcodep7/dsmutex/trace"
)

func main() {
	addr := flag.String("addr", ":50051", "Address to listen on")
	drop := flag.Float64("drop", 0, "Probability of dropping a message")
	dupe := flag.Float64("dupe", 0, "Probability of duplicating a message")
	asyncDupe := flag.Bool("async-dupe", false, "Deliver duplicates from their own goroutine")
	reorder := flag.Float64("reorder", 0, "Probability of delaying a message")
	minDelay := flag.Duration("reorder-min", 0, "Minimum delay for a reordered message")
	maxDelay := flag.Duration("reorder-max", 50*time.Millisecond, "Maximum delay for a reordered message")
	seed := flag.Int64("seed", 0, "Fault injection seed, 0 for random")
	tracePath := flag.String("trace", "", "Append DROP events to this file")
	flag.Parse()

	var tw *trace.Writer
	if *tracePath != "" {
		var err error
		if tw, err = trace.Open(*tracePath); err != nil {
			log.Fatal(err)
		}
		defer tw.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	s := controller.NewServer(controller.Config{
		DropProb:        *drop,
		DupeProb:        *dupe,
		AsyncDuplicate:  *asyncDupe,
		ReorderProb:     *reorder,
		ReorderMinDelay: *minDelay,
		ReorderMaxDelay: *maxDelay,
		Seed:            *seed,
		Trace:           tw,
		Logger:          log.Default(),
	})
	if err := controller.Serve(ctx, lis, s); err != nil {
		log.Fatal(err)
	}
}
