// Package bridge relays packets between relay instances so that a room
// spans every node behind a load balancer.
package bridge

import "github.com/orchestra-mcp/realtime/src/types"

// Bridge defines the interface for cross-instance packet broadcasting.
type Bridge interface {
	// Publish sends a packet to all other instances via the bridge.
	Publish(p types.Packet) error

	// Start begins listening for packets from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// BroadcastTarget is implemented by the hub to receive packets from the bridge.
type BroadcastTarget interface {
	BroadcastToLocal(p types.Packet)
}
