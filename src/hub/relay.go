package hub

import (
	"errors"
	"time"

	"github.com/orchestra-mcp/realtime/src/types"
)

// AdminRoom is joined at handshake by clients with an admin role.
const AdminRoom = "admin_room"

// Relay replies.
const (
	EventRoomLeft             = "room_left"
	EventNotificationRead     = "notification_read"
	EventUserJoinedCounseling = "user_joined_counseling"
	EventUserLeftCounseling   = "user_left_counseling"
	EventReadNotification     = "read_notification"
)

var errMissingRoom = errors.New("missing room")

func (h *Hub) registerRelayHandlers() {
	h.handlers[types.EventJoin] = h.roomHandler(func(p types.Packet) string { return p.Data.String("room") }, true)
	h.handlers[types.EventLeave] = h.roomHandler(func(p types.Packet) string { return p.Data.String("room") }, false)
	h.handlers[types.EventJoinInquiryRoom] = h.roomHandler(inquiryRoom, true)
	h.handlers[types.EventLeaveInquiryRoom] = h.roomHandler(inquiryRoom, false)
	h.handlers[types.EventJoinCounselingRoom] = h.counselingHandler(true)
	h.handlers[types.EventLeaveCounselingRoom] = h.counselingHandler(false)
	h.handlers[types.EventPing] = h.handlePing

	for _, e := range []string{types.EventTypingIndicator, types.EventStudentTyping, types.EventAdminTyping} {
		h.handlers[e] = h.handleTyping
	}
	for _, e := range []string{types.EventChatMessageDelivered, types.EventChatMessageRead, types.EventMessageStatus} {
		h.handlers[e] = h.handleMessageStatus
	}
	h.handlers[types.EventStaffStatus] = h.handleStaffStatus
	h.handlers[EventReadNotification] = h.handleReadNotification
}

func inquiryRoom(p types.Packet) string {
	if id := p.Data.String("inquiry_id"); id != "" {
		return "inquiry_" + id
	}
	return ""
}

func counselingRoom(p types.Packet) string {
	if id := p.Data.String("session_id"); id != "" {
		return "counseling_" + id
	}
	return ""
}

// roomHandler joins or leaves the room named by the packet and replies
// with room_joined or room_left.
func (h *Hub) roomHandler(roomOf func(types.Packet) string, join bool) PacketHandler {
	return func(c *Client, p types.Packet) error {
		room := roomOf(p)
		if room == "" {
			h.reply(c, p, types.EventRoomJoined, types.Payload{"room": "", "status": "error", "message": errMissingRoom.Error()})
			return errMissingRoom
		}
		if join {
			h.subscribe(room, c.ID)
			h.logger.Debug().Str("client_id", c.ID).Str("room", room).Msg("joined room")
			h.reply(c, p, types.EventRoomJoined, types.Payload{"room": room, "status": "success"})
			return nil
		}
		h.Unsubscribe(room, c.ID)
		h.logger.Debug().Str("client_id", c.ID).Str("room", room).Msg("left room")
		h.reply(c, p, EventRoomLeft, types.Payload{"room": room, "status": "success"})
		return nil
	}
}

// counselingHandler joins or leaves a counseling room and tells the room.
func (h *Hub) counselingHandler(join bool) PacketHandler {
	inner := h.roomHandler(counselingRoom, join)
	return func(c *Client, p types.Packet) error {
		if err := inner(c, p); err != nil {
			return err
		}
		event := EventUserJoinedCounseling
		if !join {
			event = EventUserLeftCounseling
		}
		h.emit(counselingRoom(p), event, types.Payload{
			"session_id": p.Data.String("session_id"),
			"user_id":    c.Param("user_id"),
			"role":       c.Param("role"),
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		}, c.ID)
		return nil
	}
}

// reply acks the packet when it asked for one and sends event to c.
func (h *Hub) reply(c *Client, p types.Packet, event string, data types.Payload) {
	if p.AckID != 0 {
		c.Deliver(types.Packet{Type: types.PacketAck, AckID: p.AckID, Data: data, Timestamp: time.Now()})
	}
	c.Deliver(types.Packet{Type: types.PacketEvent, Event: event, Data: data, Timestamp: time.Now()})
}

func (h *Hub) handlePing(c *Client, p types.Packet) error {
	if p.AckID == 0 {
		return nil
	}
	c.Deliver(types.Packet{
		Type:      types.PacketAck,
		AckID:     p.AckID,
		Data:      types.Payload{"timestamp": p.Data["timestamp"]},
		Timestamp: time.Now(),
	})
	return nil
}

// handleTyping relays typing state to the inquiry room as user_typing,
// excluding the sender.
func (h *Hub) handleTyping(c *Client, p types.Packet) error {
	room := inquiryRoom(p)
	if room == "" {
		return errors.New("typing without inquiry_id")
	}
	data := p.Data.Clone()
	if data.String("user_id") == "" {
		data["user_id"] = c.Param("user_id")
	}
	data["source_event"] = p.Event
	h.emit(room, types.EventUserTyping, data, c.ID)
	return nil
}

// handleMessageStatus relays delivery and read receipts as
// message_status_update to the sender's user room, or to the inquiry
// room when the sender is unknown.
func (h *Hub) handleMessageStatus(c *Client, p types.Packet) error {
	status := p.Data.String("status")
	switch p.Event {
	case types.EventChatMessageDelivered:
		status = "delivered"
	case types.EventChatMessageRead:
		status = "read"
	}
	messageID := p.Data.String("message_id")
	if messageID == "" || status == "" {
		return errors.New("message status without message_id or status")
	}

	room := inquiryRoom(p)
	if sender := p.Data.String("sender_id"); sender != "" {
		room = "user_" + sender
	}
	if room == "" {
		return errors.New("message status without target room")
	}
	h.emit(room, types.EventMessageStatusUpdate, types.Payload{
		"message_id": p.Data["message_id"],
		"inquiry_id": p.Data["inquiry_id"],
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}, c.ID)
	return nil
}

// handleStaffStatus relays presence to admin_room.
func (h *Hub) handleStaffStatus(c *Client, p types.Packet) error {
	status := p.Data.String("status")
	if status == "" {
		return errors.New("staff status without status")
	}
	h.emit(AdminRoom, types.EventStaffStatusUpdate, types.Payload{
		"user_id":   c.Param("user_id"),
		"office_id": c.Param("office_id"),
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, "")
	return nil
}

func (h *Hub) handleReadNotification(c *Client, p types.Packet) error {
	uid := c.Param("user_id")
	if uid == "" {
		return nil
	}
	h.emit("user_"+uid, EventNotificationRead, types.Payload{"notification_id": p.Data["notification_id"]}, "")
	return nil
}
