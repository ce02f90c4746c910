// Package algorithms implements three distributed mutual exclusion
// engines behind one Engine contract: a tree quorum (Agrawal-El Abbadi),
// a token sink tree (Raymond) and timestamp multicast (Ricart-Agrawala).
package algorithms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/distcodep7/dsmutex/peers"
)

var (
	ErrSenderMismatch   = errors.New("algorithms: transport sender does not match message sender")
	ErrNotHolding       = errors.New("algorithms: critical section not held")
	ErrAlreadyRequested = errors.New("algorithms: critical section already requested")
	ErrAlreadyHeld      = errors.New("algorithms: critical section already held")
	ErrMissingProps     = errors.New("algorithms: peers and transport are required")
)

// Transport delivers a payload to a named peer. A nil error only means the
// payload left this node.
type Transport interface {
	Send(to string, payload []byte) error
}

type Logger interface {
	Printf(format string, v ...interface{})
}

type NoOpLogger struct{}

func (NoOpLogger) Printf(format string, v ...interface{}) {}

// Engine is one peer's view of a mutual exclusion protocol.
type Engine interface {
	// RequestCriticalSection blocks until this peer holds the critical
	// section or ctx is done.
	RequestCriticalSection(ctx context.Context) error
	ReleaseCriticalSection() error
	// CurrentHolder returns the peer this node believes holds the section.
	CurrentHolder() (string, bool)
	// OnMessage feeds an inbound payload from peer from into the engine.
	OnMessage(from string, payload []byte) error
}

// FailureAware engines can be told that a peer has gone away.
type FailureAware interface {
	PeerFailed(id string) error
}

// Props is everything an engine needs from the node hosting it.
type Props struct {
	Peers     *peers.Directory
	Transport Transport
	Logger    Logger
}

func (p Props) validate() (Props, error) {
	if p.Peers == nil || p.Transport == nil {
		return p, ErrMissingProps
	}
	if p.Logger == nil {
		p.Logger = NoOpLogger{}
	}
	return p, nil
}

type Algorithm int

const (
	Quorum Algorithm = iota + 1
	Token
	Timestamp
)

func (a Algorithm) String() string {
	switch a {
	case Quorum:
		return "quorum"
	case Token:
		return "token"
	case Timestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// ParseAlgorithm accepts the short names used on the command line as well
// as the authors' names of each algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quorum", "agrawal-el-abbadi", "aea":
		return Quorum, nil
	case "token", "raymond":
		return Token, nil
	case "timestamp", "ricart-agrawala", "ra":
		return Timestamp, nil
	default:
		return 0, fmt.Errorf("unknown algorithm %q", s)
	}
}

func New(a Algorithm, props Props) (Engine, error) {
	switch a {
	case Quorum:
		return NewQuorumTree(props)
	case Token:
		return NewTokenTree(props)
	case Timestamp:
		return NewTimestampMulticast(props)
	default:
		return nil, fmt.Errorf("unknown algorithm %v", a)
	}
}
