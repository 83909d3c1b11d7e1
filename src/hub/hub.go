// Package hub is the relay side of the wire protocol: it owns client
// connections and room membership and fans packets out to rooms.
package hub

import (
	"sync"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// MessageBridge publishes packets to other relay instances.
// Defined here to avoid circular imports with the bridge package.
type MessageBridge interface {
	Publish(p types.Packet) error
	Available() bool
}

// PacketHandler handles an inbound packet from a client.
type PacketHandler func(c *Client, p types.Packet) error

// Options configures relay behaviour.
type Options struct {
	// AdminRoles are role handshake values auto-joined to admin_room.
	AdminRoles []string
	// MaxConnections rejects registrations beyond this count; 0 is unlimited.
	MaxConnections int
}

// Hub manages client connections and room subscriptions.
type Hub struct {
	opts     Options
	clients  map[string]*Client
	channels map[string]map[string]bool // room -> set of clientIDs

	register   chan *Client
	unregister chan *Client
	incoming   chan inbound
	broadcast  chan broadcastMsg
	localCast  chan broadcastMsg // packets from bridge, no re-publish

	handlers  map[string]PacketHandler
	onConnect []func(string)
	onDisconn []func(string)

	bridge MessageBridge
	mu     sync.RWMutex
	logger zerolog.Logger
	done   chan struct{}
	once   sync.Once
}

type inbound struct {
	client *Client
	packet types.Packet
}

type broadcastMsg struct {
	room    string
	packet  types.Packet
	exclude string
}

// New creates a Hub with the relay handlers registered.
func New(logger zerolog.Logger, opts Options) *Hub {
	h := &Hub{
		opts:       opts,
		clients:    make(map[string]*Client),
		channels:   make(map[string]map[string]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan inbound, 256),
		broadcast:  make(chan broadcastMsg, 256),
		localCast:  make(chan broadcastMsg, 256),
		handlers:   make(map[string]PacketHandler),
		logger:     logger.With().Str("component", "hub").Logger(),
		done:       make(chan struct{}),
	}
	h.registerRelayHandlers()
	return h
}

// SetBridge attaches a cross-instance bridge. Published packets are also
// forwarded to other instances.
func (h *Hub) SetBridge(b MessageBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// BroadcastToLocal delivers a packet from the bridge to local subscribers
// only. It does not re-publish, preventing loops between instances.
func (h *Hub) BroadcastToLocal(p types.Packet) {
	select {
	case h.localCast <- broadcastMsg{room: p.Room, packet: p}:
	case <-h.done:
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case in := <-h.incoming:
			h.handlePacket(in.client, in.packet)
		case bm := <-h.broadcast:
			h.publishToBridge(bm.packet)
			h.broadcastToRoom(bm.room, bm.packet, bm.exclude)
		case bm := <-h.localCast:
			h.broadcastToRoom(bm.room, bm.packet, bm.exclude)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

// closeAll stops every client's pumps, which closes their connections.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.Close()
	}
}

// Stop halts the hub event loop and closes all clients.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// Register queues a client for registration.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.opts.MaxConnections > 0 && len(h.clients) >= h.opts.MaxConnections {
		h.mu.Unlock()
		h.logger.Warn().Str("client_id", c.ID).Msg("connection limit reached, rejecting")
		c.Close()
		return
	}
	h.clients[c.ID] = c
	h.mu.Unlock()

	h.logger.Info().Str("client_id", c.ID).Msg("client registered")

	// Session rooms are joined at handshake from the connection params.
	if uid := c.Param("user_id"); uid != "" {
		h.subscribe("user_"+uid, c.ID)
	}
	if lo.Contains(h.opts.AdminRoles, c.Param("role")) {
		h.subscribe(AdminRoom, c.ID)
	}

	h.mu.RLock()
	callbacks := append([]func(string){}, h.onConnect...)
	h.mu.RUnlock()
	for _, cb := range callbacks {
		cb(c.ID)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)

	// Remove from all room subscriptions.
	for room, subs := range h.channels {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.channels, room)
		}
	}
	callbacks := append([]func(string){}, h.onDisconn...)
	h.mu.Unlock()

	c.Close()
	h.logger.Info().Str("client_id", c.ID).Msg("client unregistered")

	for _, cb := range callbacks {
		cb(c.ID)
	}
}
