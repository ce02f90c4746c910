package testutils

import (
	"context"
	"log"
	"net"
	"testing"

	"github.com/distcodep7/dsmutex/controller"
)

// StartTestServer runs a controller on a free loopback port for the length
// of the test and returns it with its address.
func StartTestServer(t *testing.T, cfg controller.Config) (*controller.Server, string) {
	t.Helper()
	s := controller.NewServer(cfg)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := controller.Serve(ctx, lis, s); err != nil {
			log.Printf("controller failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s, lis.Addr().String()
}
