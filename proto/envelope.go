// Package proto defines the envelope exchanged between nodes and the
// controller and the bidirectional gRPC stream that carries it. Envelopes
// travel as google.protobuf.Struct messages so the stock protobuf codec can
// serialize them.
package proto

import (
	"errors"
	"fmt"
	"math"
	"sort"

	structpb "google.golang.org/protobuf/types/known/structpb"
)

var ErrBadEnvelope = errors.New("proto: bad envelope")

// Addresses and envelope types the relay and the nodes agree on.
const (
	CtrlID = "CTRL"

	TypeHandshake  = "HANDSHAKE"
	TypeRegistered = "REGISTERED"
	TypePeerDown   = "PEER_DOWN"
	TypeStop       = "STOP"
)

// Envelope is one relayed message. Payload is opaque to the relay.
type Envelope struct {
	Id      string
	From    string
	To      string
	Type    string
	Payload string
	Vector  []*VectorClockEntry
}

type VectorClockEntry struct {
	Node    string
	Counter uint64
}

func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Vector = make([]*VectorClockEntry, len(e.Vector))
	for i, v := range e.Vector {
		entry := *v
		c.Vector[i] = &entry
	}
	return &c
}

// VectorMap returns the vector clock keyed by node.
func (e *Envelope) VectorMap() map[string]uint64 {
	m := make(map[string]uint64, len(e.Vector))
	for _, v := range e.Vector {
		m[v.Node] = v.Counter
	}
	return m
}

// VectorFromMap builds sorted clock entries from m.
func VectorFromMap(m map[string]uint64) []*VectorClockEntry {
	out := make([]*VectorClockEntry, 0, len(m))
	for node, c := range m {
		out = append(out, &VectorClockEntry{Node: node, Counter: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

func (e *Envelope) ToStruct() (*structpb.Struct, error) {
	vec := make(map[string]any, len(e.Vector))
	for _, v := range e.Vector {
		vec[v.Node] = v.Counter
	}
	return structpb.NewStruct(map[string]any{
		"id":      e.Id,
		"from":    e.From,
		"to":      e.To,
		"type":    e.Type,
		"payload": e.Payload,
		"vector":  vec,
	})
}

func EnvelopeFromStruct(s *structpb.Struct) (*Envelope, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil struct", ErrBadEnvelope)
	}
	f := s.GetFields()
	e := &Envelope{
		Id:      f["id"].GetStringValue(),
		From:    f["from"].GetStringValue(),
		To:      f["to"].GetStringValue(),
		Type:    f["type"].GetStringValue(),
		Payload: f["payload"].GetStringValue(),
	}
	if e.From == "" {
		return nil, fmt.Errorf("%w: missing from", ErrBadEnvelope)
	}
	for node, v := range f["vector"].GetStructValue().GetFields() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue < 0 || n.NumberValue != math.Trunc(n.NumberValue) {
			return nil, fmt.Errorf("%w: vector entry %q is not a counter", ErrBadEnvelope, node)
		}
		e.Vector = append(e.Vector, &VectorClockEntry{Node: node, Counter: uint64(n.NumberValue)})
	}
	sort.Slice(e.Vector, func(i, j int) bool { return e.Vector[i].Node < e.Vector[j].Node })
	return e, nil
}
