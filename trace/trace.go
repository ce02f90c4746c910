// Package trace records what nodes and the controller did as JSON lines so a
// run can be checked after the fact.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EvtType string

const (
	EvtTypeSend  EvtType = "SEND"
	EvtTypeRecv  EvtType = "RECV"
	EvtTypeDrop  EvtType = "DROP"
	EvtTypeEnter EvtType = "ENTER"
	EvtTypeExit  EvtType = "EXIT"
)

// TraceEvent is one line of a trace file.
type TraceEvent struct {
	ID          string            `json:"id"`
	MessageID   string            `json:"message_id,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	EvtType     EvtType           `json:"evt_type"`
	MsgType     string            `json:"msg_type,omitempty"`
	From        string            `json:"from"`
	To          string            `json:"to,omitempty"`
	VectorClock map[string]uint64 `json:"vector_clock,omitempty"`
	Payload     string            `json:"payload,omitempty"`
}

// Writer appends events to an io.Writer. It is safe for concurrent use, so
// one Writer can be shared by every node of an in-process run.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Open appends to the file at path, creating it if needed.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &Writer{enc: json.NewEncoder(f), c: f}, nil
}

// Write fills in ID and Timestamp when they are empty and appends ev.
func (w *Writer) Write(ev TraceEvent) error {
	if w == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(ev)
}

func (w *Writer) Close() error {
	if w == nil || w.c == nil {
		return nil
	}
	return w.c.Close()
}

// Read decodes every event in r, in file order.
func Read(r io.Reader) ([]TraceEvent, error) {
	var out []TraceEvent
	dec := json.NewDecoder(r)
	for {
		var ev TraceEvent
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("trace line %d: %w", len(out)+1, err)
		}
		out = append(out, ev)
	}
}

func ReadFile(path string) ([]TraceEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

var ErrOverlap = errors.New("trace: critical sections overlap")

// CheckExclusion replays ENTER and EXIT events in order and fails on the
// first ENTER while another node is inside, or on an EXIT by a node that is
// not inside. It returns the number of completed sections.
func CheckExclusion(events []TraceEvent) (int, error) {
	holder := ""
	completed := 0
	for _, ev := range events {
		switch ev.EvtType {
		case EvtTypeEnter:
			if holder != "" {
				return completed, fmt.Errorf("%w: %s entered while %s inside (event %s)", ErrOverlap, ev.From, holder, ev.ID)
			}
			holder = ev.From
		case EvtTypeExit:
			if holder != ev.From {
				return completed, fmt.Errorf("%w: %s exited while %q inside (event %s)", ErrOverlap, ev.From, holder, ev.ID)
			}
			holder = ""
			completed++
		}
	}
	return completed, nil
}
