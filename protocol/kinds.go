package protocol

import "fmt"

// QuorumKind tags a tree quorum message.
type QuorumKind int

const (
	QuorumRequest QuorumKind = iota + 1
	QuorumReply
	QuorumRelinquish
	QuorumInquire
	QuorumYield
	QuorumFailure
)

var quorumKindNames = map[QuorumKind]string{
	QuorumRequest:    "REQUEST",
	QuorumReply:      "REPLY",
	QuorumRelinquish: "RELINQUISH",
	QuorumInquire:    "INQUIRE",
	QuorumYield:      "YIELD",
	QuorumFailure:    "FAILURE",
}

func (k QuorumKind) String() string {
	if s, ok := quorumKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("QuorumKind(%d)", int(k))
}

func ParseQuorumKind(s string) (QuorumKind, error) {
	for k, name := range quorumKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown quorum message %q", ErrMalformed, s)
}

// TimestampKind tags a Ricart-Agrawala message.
type TimestampKind int

const (
	TimestampRequest TimestampKind = iota + 1
	TimestampReply
)

func (k TimestampKind) String() string {
	switch k {
	case TimestampRequest:
		return "REQUEST"
	case TimestampReply:
		return "REPLY"
	default:
		return fmt.Sprintf("TimestampKind(%d)", int(k))
	}
}

func ParseTimestampKind(s string) (TimestampKind, error) {
	switch s {
	case "REQUEST":
		return TimestampRequest, nil
	case "REPLY":
		return TimestampReply, nil
	default:
		return 0, fmt.Errorf("%w: unknown timestamp message %q", ErrMalformed, s)
	}
}

// TokenMessage is the whole payload of a token tree message. The sender is
// only known from the transport.
type TokenMessage int

const (
	TokenRequested TokenMessage = iota + 1
	TokenGranted
)

func (m TokenMessage) String() string {
	switch m {
	case TokenRequested:
		return "TOKEN REQUESTED"
	case TokenGranted:
		return "TOKEN GRANTED"
	default:
		return fmt.Sprintf("TokenMessage(%d)", int(m))
	}
}
