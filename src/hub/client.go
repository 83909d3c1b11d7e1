package hub

import (
	"sync"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/samber/lo"
)

// Client wraps a relay connection and manages packet flow.
type Client struct {
	ID          string
	conn        types.Conn
	hub         *Hub
	Send        chan types.Packet
	params      map[string]string
	connectedAt time.Time
	channels    map[string]bool
	mu          sync.RWMutex
	done        chan struct{}
	closed      bool
}

// NewClient creates a client for conn. params are the handshake query
// values, e.g. user_id and role.
func NewClient(id string, conn types.Conn, h *Hub, params map[string]string) *Client {
	if params == nil {
		params = map[string]string{}
	}
	return &Client{
		ID:          id,
		conn:        conn,
		hub:         h,
		Send:        make(chan types.Packet, 256),
		params:      params,
		connectedAt: time.Now(),
		channels:    make(map[string]bool),
		done:        make(chan struct{}),
	}
}

// Param returns a handshake parameter.
func (c *Client) Param(key string) string { return c.params[key] }

// Info returns metadata about this client.
func (c *Client) Info() types.ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	channels := lo.Keys(c.channels)
	return types.ClientInfo{
		ID:          c.ID,
		ConnectedAt: c.connectedAt,
		Channels:    channels,
		Params:      c.params,
	}
}

// InRoom reports whether the client is subscribed to room.
func (c *Client) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[room]
}

// AddChannel adds a room subscription.
func (c *Client) AddChannel(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[room] = true
}

// RemoveChannel removes a room subscription.
func (c *Client) RemoveChannel(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, room)
}

// Deliver queues a packet without blocking. It returns false when the
// client is closed or its buffer is full.
func (c *Client) Deliver(p types.Packet) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- p:
		return true
	default:
		return false
	}
}

// ReadPump reads packets from the connection and routes them to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		p, err := c.conn.ReadPacket()
		if err != nil {
			return
		}
		p.Timestamp = time.Now()
		select {
		case c.hub.incoming <- inbound{client: c, packet: p}:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump writes packets from the send channel to the connection.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for {
		select {
		case p, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.conn.WritePacket(p); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		close(c.Send)
	}
}
