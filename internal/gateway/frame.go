package gateway

import (
	"encoding/json"
	"log"
)

// Frame is the JSON envelope exchanged on every websocket path. Control
// metadata travels in Data, bulk bytes in Payload; the remaining fields are
// optional per-type extensions (request_system_stats carries hostId and
// terminalId at the top level).
type Frame struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	HostID     string          `json:"hostId,omitempty"`
	TerminalID string          `json:"terminalId,omitempty"`
	Encoding   string          `json:"encoding,omitempty"`
}

// NewFrame returns a bare frame carrying only a type.
func NewFrame(t string) Frame {
	return Frame{Type: t}
}

// DataFrame marshals v into the frame's data field.
func DataFrame(t string, v interface{}) Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("[gateway] marshal %s data: %v", t, err)
		return Frame{Type: t}
	}
	return Frame{Type: t, Data: b}
}

// PayloadFrame marshals v into the frame's payload field.
func PayloadFrame(t string, v interface{}) Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("[gateway] marshal %s payload: %v", t, err)
		return Frame{Type: t}
	}
	return Frame{Type: t, Payload: b}
}
