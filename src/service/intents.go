package service

import (
	"fmt"

	"github.com/orchestra-mcp/realtime/src/rooms"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Feature names used by the outbound intents.
const (
	FeatureChat         = "chat"
	FeatureCounseling   = "counseling"
	FeaturePresence     = "presence"
	FeatureNotification = "notification"
)

// InquiryRoom returns the room name for an inquiry conversation.
func InquiryRoom(inquiryID string) string { return "inquiry_" + inquiryID }

// CounselingRoom returns the room name for a counseling session.
func CounselingRoom(sessionID string) string { return "counseling_" + sessionID }

// SendTyping reports the local user's typing state in an inquiry. role
// selects student_typing or admin_typing; any other role uses
// typing_indicator.
func (s *Session) SendTyping(role, inquiryID, userID string, typing bool) error {
	event := types.EventTypingIndicator
	payload := types.Payload{"inquiry_id": inquiryID, "is_typing": typing, "user_id": userID}
	switch role {
	case "student":
		event = types.EventStudentTyping
		payload["student_id"] = userID
	case "admin":
		event = types.EventAdminTyping
	}
	return s.EmitAs(FeatureChat, event, payload, nil)
}

// MarkDelivered acknowledges delivery of a chat message to its sender.
func (s *Session) MarkDelivered(inquiryID, messageID, senderID string) error {
	return s.EmitAs(FeatureChat, types.EventChatMessageDelivered, receipt(inquiryID, messageID, senderID), nil)
}

// MarkRead acknowledges that a chat message was read.
func (s *Session) MarkRead(inquiryID, messageID, senderID string) error {
	return s.EmitAs(FeatureChat, types.EventChatMessageRead, receipt(inquiryID, messageID, senderID), nil)
}

func receipt(inquiryID, messageID, senderID string) types.Payload {
	p := types.Payload{"inquiry_id": inquiryID, "message_id": messageID}
	if senderID != "" {
		p["sender_id"] = senderID
	}
	return p
}

// SetMessageStatus reports a delivered or read status for a message.
func (s *Session) SetMessageStatus(messageID, status string) error {
	if status != "delivered" && status != "read" {
		return fmt.Errorf("message status %q: must be delivered or read", status)
	}
	return s.EmitAs(FeatureChat, types.EventMessageStatus, types.Payload{"message_id": messageID, "status": status}, nil)
}

// SetStaffStatus publishes the staff member's presence status.
func (s *Session) SetStaffStatus(status string) error {
	return s.EmitAs(FeaturePresence, types.EventStaffStatus, types.Payload{"status": status}, nil)
}

// JoinInquiry tracks the inquiry room using join_inquiry_room.
func (s *Session) JoinInquiry(inquiryID string) error {
	if !s.router.Active(FeatureChat) {
		return fmt.Errorf("join inquiry %s: %w", inquiryID, ErrCapability)
	}
	s.rooms.Join(InquiryRoom(inquiryID),
		rooms.WithEvents(types.EventJoinInquiryRoom, types.EventLeaveInquiryRoom),
		rooms.WithPayload(types.Payload{"inquiry_id": inquiryID}))
	return nil
}

// LeaveInquiry untracks the inquiry room.
func (s *Session) LeaveInquiry(inquiryID string) bool {
	return s.rooms.Leave(InquiryRoom(inquiryID))
}

// JoinCounseling tracks the counseling session room.
func (s *Session) JoinCounseling(sessionID string) error {
	if !s.router.Active(FeatureCounseling) {
		return fmt.Errorf("join counseling %s: %w", sessionID, ErrCapability)
	}
	s.rooms.Join(CounselingRoom(sessionID),
		rooms.WithEvents(types.EventJoinCounselingRoom, types.EventLeaveCounselingRoom),
		rooms.WithPayload(types.Payload{"session_id": sessionID}))
	return nil
}

// LeaveCounseling untracks the counseling session room.
func (s *Session) LeaveCounseling(sessionID string) bool {
	return s.rooms.Leave(CounselingRoom(sessionID))
}
