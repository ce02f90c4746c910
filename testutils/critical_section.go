package testutils

import (
	"fmt"
	"sync"
	"time"
)

// CriticalSection is a shared resource that notices when two nodes are
// inside it at once. It does not serialise callers itself.
type CriticalSection struct {
	mu         sync.Mutex
	occupant   string
	value      int
	violations []string
	order      []string
}

// Enter marks nodeID as inside. It returns an error if another node
// already is.
func (cs *CriticalSection) Enter(nodeID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.occupant != "" {
		v := fmt.Sprintf("%s entered while %s was inside", nodeID, cs.occupant)
		cs.violations = append(cs.violations, v)
		return fmt.Errorf("mutual exclusion violated: %s", v)
	}
	cs.occupant = nodeID
	cs.order = append(cs.order, nodeID)
	return nil
}

func (cs *CriticalSection) Exit(nodeID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.occupant == nodeID {
		cs.occupant = ""
	}
	cs.value++
}

// Work enters, runs f, holds the section for duration and exits.
func (cs *CriticalSection) Work(nodeID string, duration time.Duration, f func()) error {
	if err := cs.Enter(nodeID); err != nil {
		return err
	}
	defer cs.Exit(nodeID)
	if f != nil {
		f()
	}
	time.Sleep(duration)
	return nil
}

// Value is the number of completed critical sections.
func (cs *CriticalSection) Value() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.value
}

func (cs *CriticalSection) Violations() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.violations...)
}

// Order lists node ids in the order they entered.
func (cs *CriticalSection) Order() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.order...)
}
