package controller

import (
	"fmt"
	"time"

	pb "github.com/distcodep7/dsmutex/proto"
	"github.com/distcodep7/dsmutex/trace"
)

func isControlMsg(msg *pb.Envelope) bool {
	return msg.From == pb.CtrlID || msg.To == pb.CtrlID || msg.Type == pb.TypePeerDown
}

// probCheck returns true with probability p.
func (s *Server) probCheck(p float64) bool {
	if p <= 0 {
		return false
	}
	s.rngMu.Lock()
	r := s.rng.Float64()
	s.rngMu.Unlock()
	return r < p
}

// randIntn returns a non-negative pseudo-random int in [0,n).
func (s *Server) randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	s.rngMu.Lock()
	v := s.rng.Intn(n)
	s.rngMu.Unlock()
	return v
}

func (s *Server) logDrop(env *pb.Envelope) {
	err := s.cfg.Trace.Write(trace.TraceEvent{
		MessageID:   env.Id,
		EvtType:     trace.EvtTypeDrop,
		MsgType:     env.Type,
		From:        env.From,
		To:          env.To,
		VectorClock: env.VectorMap(),
		Payload:     env.Payload,
	})
	if err != nil {
		s.log.Printf("[ERR] Failed to write to trace: %v", err)
	}
}

func (s *Server) dropMessage(msg *pb.Envelope) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	s.log.Printf("[DROP] Dropped: %s -> %s", msg.From, msg.To)
	s.logDrop(msg)
	return nil
}

func (s *Server) duplicateMessage(msg *pb.Envelope, target sender) error {
	clone := msg.Clone()
	if s.cfg.AsyncDuplicate {
		go func() {
			if err := target.SendEnvelope(clone); err != nil {
				s.log.Printf("[DUPE ERR] %v", err)
				return
			}
			s.log.Printf("[DUPE] Duplicated: %s -> %s", clone.From, clone.To)
		}()
		return nil
	}
	if err := target.SendEnvelope(clone); err != nil {
		return err
	}
	s.log.Printf("[DUPE] Duplicated: %s -> %s", clone.From, clone.To)
	return nil
}

// reorderDelay picks a delay in [ReorderMinDelay, ReorderMaxDelay] with
// millisecond resolution.
func (s *Server) reorderDelay() (time.Duration, error) {
	lo, hi := s.cfg.ReorderMinDelay, s.cfg.ReorderMaxDelay
	if lo > hi {
		return 0, fmt.Errorf("ReorderMinDelay (%v) cannot be greater than ReorderMaxDelay (%v)", lo, hi)
	}
	span := int((hi - lo) / time.Millisecond)
	return lo + time.Duration(s.randIntn(span+1))*time.Millisecond, nil
}

// reorderMessage holds msg back for a random delay so later messages can
// overtake it. It reports whether the immediate send must be skipped.
func (s *Server) reorderMessage(msg *pb.Envelope, target sender) (bool, error) {
	d, err := s.reorderDelay()
	if err != nil {
		return false, err
	}
	clone := msg.Clone()
	go func() {
		s.log.Printf("[REORD] Delaying: %s -> %s for %v", clone.From, clone.To, d)
		time.Sleep(d)
		if err := target.SendEnvelope(clone); err != nil {
			s.log.Printf("[REORD ERR] failed send after delay: %v", err)
		}
	}()
	return true, nil
}

// handleMessageEvents applies fault injection to msg. It returns true if
// delivery must be skipped because the message was dropped or delayed.
func (s *Server) handleMessageEvents(msg *pb.Envelope, target sender) (bool, error) {
	if isControlMsg(msg) {
		return false, nil
	}

	if s.probCheck(s.cfg.DropProb) {
		if err := s.dropMessage(msg); err != nil {
			return false, fmt.Errorf("[DROP ERR] %v", err)
		}
		return true, nil
	}

	if s.probCheck(s.cfg.DupeProb) {
		if err := s.duplicateMessage(msg, target); err != nil {
			return false, fmt.Errorf("[DUPE ERR] %v", err)
		}
		return false, nil
	}

	if s.probCheck(s.cfg.ReorderProb) {
		skip, err := s.reorderMessage(msg, target)
		if err != nil {
			return false, fmt.Errorf("[REORD ERR] %v", err)
		}
		return skip, nil
	}

	return false, nil
}
