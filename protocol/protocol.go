// Package protocol is the wire codec for the three mutual exclusion
// protocols. Quorum and timestamp messages are JSON objects; token
// messages are bare strings.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/distcodep7/dsmutex/clock"
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("protocol: malformed payload")

// QuorumMessage is exchanged by the tree quorum engine.
type QuorumMessage struct {
	SenderID  string
	TimeStamp clock.VectorStamp
	Kind      QuorumKind
}

// Precedes reports whether m is ordered before other in a request queue.
// Causally earlier wins; concurrent or equal stamps go to the smaller
// sender id.
func (m QuorumMessage) Precedes(other QuorumMessage) bool {
	o, err := m.TimeStamp.Compare(other.TimeStamp)
	if err != nil {
		o = clock.Concurrent
	}
	switch o {
	case clock.LessThan:
		return true
	case clock.GreaterThan:
		return false
	default:
		return m.SenderID < other.SenderID
	}
}

func (m QuorumMessage) String() string {
	return fmt.Sprintf("%s from %s at %v", m.Kind, m.SenderID, m.TimeStamp)
}

type wireStamp struct {
	Array string `json:"Array"`
	ID    int    `json:"ID"`
}

type wireMessage struct {
	SenderID  string          `json:"SenderID"`
	TimeStamp json.RawMessage `json:"TimeStamp"`
	Message   string          `json:"Message"`
}

func EncodeQuorum(m QuorumMessage) ([]byte, error) {
	if _, ok := quorumKindNames[m.Kind]; !ok {
		return nil, fmt.Errorf("protocol: cannot encode %v", m.Kind)
	}
	ts, err := json.Marshal(wireStamp{Array: m.TimeStamp.String(), ID: m.TimeStamp.Owner})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal timestamp: %w", err)
	}
	return json.Marshal(wireMessage{SenderID: m.SenderID, TimeStamp: ts, Message: m.Kind.String()})
}

// DecodeQuorum parses a quorum message. TimeStamp may be an object or a
// string holding the same object as JSON text.
func DecodeQuorum(b []byte) (QuorumMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return QuorumMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.SenderID == "" {
		return QuorumMessage{}, fmt.Errorf("%w: missing SenderID", ErrMalformed)
	}
	kind, err := ParseQuorumKind(w.Message)
	if err != nil {
		return QuorumMessage{}, err
	}
	ts, err := decodeStamp(w.TimeStamp)
	if err != nil {
		return QuorumMessage{}, err
	}
	return QuorumMessage{SenderID: w.SenderID, TimeStamp: ts, Kind: kind}, nil
}

func decodeStamp(raw json.RawMessage) (clock.VectorStamp, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return clock.VectorStamp{}, fmt.Errorf("%w: missing TimeStamp", ErrMalformed)
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return clock.VectorStamp{}, fmt.Errorf("%w: TimeStamp: %v", ErrMalformed, err)
		}
		raw = []byte(inner)
	}
	var ws wireStamp
	if err := json.Unmarshal(raw, &ws); err != nil {
		return clock.VectorStamp{}, fmt.Errorf("%w: TimeStamp: %v", ErrMalformed, err)
	}
	values, err := parseArray(ws.Array)
	if err != nil {
		return clock.VectorStamp{}, err
	}
	if ws.ID < 0 || ws.ID >= len(values) {
		return clock.VectorStamp{}, fmt.Errorf("%w: TimeStamp owner %d outside [0,%d)", ErrMalformed, ws.ID, len(values))
	}
	return clock.VectorStamp{Owner: ws.ID, Values: values}, nil
}

// parseArray reads "[v0, v1, ...]".
func parseArray(s string) ([]uint64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("%w: bad vector %q", ErrMalformed, s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return nil, fmt.Errorf("%w: empty vector", ErrMalformed)
	}
	parts := strings.Split(body, ",")
	out := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: vector element %d: %v", ErrMalformed, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// TimestampMessage is exchanged by the Ricart-Agrawala engine.
type TimestampMessage struct {
	SenderID  string
	TimeStamp uint64
	Kind      TimestampKind
}

type wireTimestamp struct {
	SenderID  string `json:"SenderID"`
	TimeStamp string `json:"TimeStamp"`
	Message   string `json:"Message"`
}

func EncodeTimestamp(m TimestampMessage) ([]byte, error) {
	if m.Kind != TimestampRequest && m.Kind != TimestampReply {
		return nil, fmt.Errorf("protocol: cannot encode %v", m.Kind)
	}
	return json.Marshal(wireTimestamp{
		SenderID:  m.SenderID,
		TimeStamp: strconv.FormatUint(m.TimeStamp, 10),
		Message:   m.Kind.String(),
	})
}

func DecodeTimestamp(b []byte) (TimestampMessage, error) {
	var w wireTimestamp
	if err := json.Unmarshal(b, &w); err != nil {
		return TimestampMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.SenderID == "" {
		return TimestampMessage{}, fmt.Errorf("%w: missing SenderID", ErrMalformed)
	}
	kind, err := ParseTimestampKind(w.Message)
	if err != nil {
		return TimestampMessage{}, err
	}
	ts, err := strconv.ParseUint(strings.TrimSpace(w.TimeStamp), 10, 64)
	if err != nil {
		return TimestampMessage{}, fmt.Errorf("%w: TimeStamp: %v", ErrMalformed, err)
	}
	return TimestampMessage{SenderID: w.SenderID, TimeStamp: ts, Kind: kind}, nil
}

func EncodeToken(m TokenMessage) ([]byte, error) {
	if m != TokenRequested && m != TokenGranted {
		return nil, fmt.Errorf("protocol: cannot encode %v", m)
	}
	return []byte(m.String()), nil
}

func DecodeToken(b []byte) (TokenMessage, error) {
	switch s := strings.TrimSpace(string(b)); s {
	case "TOKEN REQUESTED":
		return TokenRequested, nil
	case "TOKEN GRANTED":
		return TokenGranted, nil
	default:
		return 0, fmt.Errorf("%w: unknown token message %q", ErrMalformed, s)
	}
}
