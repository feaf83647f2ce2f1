// Package terminal bridges a client connection to an interactive exec
// stream inside a sandbox container.
package terminal

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Event names sent by the client.
const (
	EventAttach     = "attach-terminal"
	EventInput      = "terminal-input"
	EventResize     = "terminal-resize"
	EventDisconnect = "disconnect"
)

// Event names sent by the server.
const (
	EventOutput       = "terminal-output"
	EventDisconnected = "terminal-disconnected"
	EventError        = "error"
)

// Event is one JSON text frame exchanged with a terminal client.
type Event struct {
	Name        string `json:"event"`
	ContainerID string `json:"containerId,omitempty"`
	Data        string `json:"data,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`
	Cols        uint16 `json:"cols,omitempty"`
	Message     string `json:"message,omitempty"`
}

// DecodeEvent parses a client frame. Frames without an event name are
// rejected.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid event frame: %w", err)
	}
	if ev.Name == "" {
		return Event{}, fmt.Errorf("invalid event frame: missing event name")
	}
	return ev, nil
}

// Encode serializes the event as a JSON text frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Output builds a terminal-output event.
func Output(data string) Event {
	return Event{Name: EventOutput, Data: data}
}

// Disconnected builds a terminal-disconnected event.
func Disconnected() Event {
	return Event{Name: EventDisconnected}
}

// Error builds an error event.
func Error(message string) Event {
	return Event{Name: EventError, Message: message}
}

// splitUTF8 splits p before a trailing incomplete UTF-8 sequence so that a
// multi-byte character cut across two reads is emitted whole.
func splitUTF8(p []byte) (complete, rest []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return p, nil
		}
		return p[:i], p[i:]
	}
	return p, nil
}
