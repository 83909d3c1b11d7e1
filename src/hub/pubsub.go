package hub

import (
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
)

func (h *Hub) handlePacket(c *Client, p types.Packet) {
	h.mu.RLock()
	handler, ok := h.handlers[p.Event]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug().Str("event", p.Event).Str("client_id", c.ID).Msg("no handler")
		return
	}
	if err := handler(c, p); err != nil {
		h.logger.Error().Err(err).Str("event", p.Event).Str("client_id", c.ID).Msg("handler error")
	}
}

func (h *Hub) broadcastToRoom(room string, p types.Packet, exclude string) {
	h.mu.RLock()
	subs, ok := h.channels[room]
	if !ok {
		h.mu.RUnlock()
		return
	}
	// Copy subscribers to avoid holding the lock during sends.
	targets := make([]*Client, 0, len(subs))
	for id := range subs {
		if id == exclude {
			continue
		}
		if client, exists := h.clients[id]; exists {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.Deliver(p) {
			h.logger.Warn().Str("client_id", client.ID).Str("room", room).Msg("send buffer full, dropping")
		}
	}
}

// publishToBridge forwards a packet to the bridge if one is attached.
func (h *Hub) publishToBridge(p types.Packet) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(p); err != nil {
		h.logger.Error().Err(err).Str("room", p.Room).Msg("bridge publish failed")
	}
}

// emit fans an event out to a room from inside the hub loop.
func (h *Hub) emit(room, event string, data types.Payload, exclude string) {
	p := types.Packet{Type: types.PacketEvent, Event: event, Data: data, Room: room, Timestamp: time.Now()}
	h.publishToBridge(p)
	h.broadcastToRoom(room, p, exclude)
}

// Publish sends an event to every subscriber of room, on this and other
// relay instances.
func (h *Hub) Publish(room, event string, data types.Payload) {
	p := types.Packet{Type: types.PacketEvent, Event: event, Data: data, Room: room, Timestamp: time.Now()}
	select {
	case h.broadcast <- broadcastMsg{room: room, packet: p}:
	case <-h.done:
	}
}

// Subscribe adds a client to a room.
func (h *Hub) Subscribe(room, clientID string) bool {
	return h.subscribe(room, clientID)
}

func (h *Hub) subscribe(room, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[clientID]
	if !ok {
		return false
	}
	if h.channels[room] == nil {
		h.channels[room] = make(map[string]bool)
	}
	h.channels[room][clientID] = true
	c.AddChannel(room)
	return true
}

// Unsubscribe removes a client from a room.
func (h *Hub) Unsubscribe(room, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[room]
	if !ok {
		return false
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.channels, room)
	}
	if c, ok := h.clients[clientID]; ok {
		c.RemoveChannel(room)
	}
	return true
}

// SendToClient sends an event directly to one client.
func (h *Hub) SendToClient(clientID, event string, data types.Payload) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return client.Deliver(types.Packet{Type: types.PacketEvent, Event: event, Data: data, Timestamp: time.Now()})
}
