package types

import (
	"fmt"
	"time"
)

// Payload is the decoded body of a wire event.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value at key rendered as a string, or "" when absent.
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; ids are integral.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(t)
	}
}

// PacketType distinguishes events from acknowledgements on the wire.
type PacketType string

const (
	PacketEvent PacketType = "event"
	PacketAck   PacketType = "ack"
)

// Packet is a single frame on the wire.
type Packet struct {
	Type      PacketType `json:"type" msgpack:"type"`
	Event     string     `json:"event,omitempty" msgpack:"event,omitempty"`
	Data      Payload    `json:"data,omitempty" msgpack:"data,omitempty"`
	AckID     uint64     `json:"ack_id,omitempty" msgpack:"ack_id,omitempty"`
	Room      string     `json:"room,omitempty" msgpack:"room,omitempty"`
	Timestamp time.Time  `json:"timestamp" msgpack:"timestamp"`
}

// Event is an inbound event as seen by handlers.
type Event struct {
	Name    string
	Payload Payload
	ConnID  string
	// Feature is set on routed deliveries to the feature whose route matched.
	Feature string
}

// Handler handles an inbound event. Returned errors are logged by the caller.
type Handler func(evt Event) error

// AckFunc receives the acknowledgement payload for an emitted event.
type AckFunc func(data Payload)

// HandlerID identifies a transport-level handler registration.
type HandlerID uint64

// Conn abstracts a packet-oriented connection for testability.
type Conn interface {
	WritePacket(p Packet) error
	ReadPacket() (Packet, error)
	Close() error
}

// State is the lifecycle state of a transport connection.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ClientInfo holds metadata about a relay client.
type ClientInfo struct {
	ID          string            `json:"id"`
	ConnectedAt time.Time         `json:"connected_at"`
	Channels    []string          `json:"channels"`
	Params      map[string]string `json:"params,omitempty"`
}
