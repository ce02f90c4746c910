package dsnet

import (
	"encoding/json"
	"strings"
)

// messageType names a payload for envelopes and traces: the Message field
// of a JSON payload, or the payload itself when it is a short control
// string.
func messageType(payload []byte) string {
	var base struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(payload, &base); err == nil && base.Message != "" {
		return base.Message
	}
	s := strings.TrimSpace(string(payload))
	if s == "" || len(s) > 32 || strings.ContainsAny(s, "{[\"") {
		return "RAW"
	}
	return s
}
