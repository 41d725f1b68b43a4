// Package protocol defines the tunnel message format exchanged between the
// two endpoints of a tunnel.
package protocol

import "errors"

// Event identifies the kind of socket lifecycle notification a Message carries.
type Event string

// Tunnel events.
const (
	EventConnection Event = "connection" // open a new downstream connection
	EventData       Event = "data"       // payload bytes for an existing connection
	EventClose      Event = "close"      // terminal close of a connection
	EventError      Event = "error"      // downstream socket error
	EventEnd        Event = "end"        // graceful half-close (no more data)
	EventTimeout    Event = "timeout"    // downstream connection went idle
)

// ErrUnknownEvent is returned when a message carries an event value outside
// the set above.
var ErrUnknownEvent = errors.New("unknown tunnel event")

// Message is the sole unit of communication between tunnel endpoints.
// The JSON field names are the wire format and must not change.
type Message struct {
	TunnelID string `json:"tunnelId"`
	ClientID int    `json:"clientId"`
	Event    Event  `json:"event"`
	Arg      []byte `json:"arg,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Valid reports whether the event value is one of the defined tunnel events.
func (e Event) Valid() bool {
	switch e {
	case EventConnection, EventData, EventClose, EventError, EventEnd, EventTimeout:
		return true
	}
	return false
}
