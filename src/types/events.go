package types

// Lifecycle wire events.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventReconnect    = "reconnect"
	EventConnectError = "connect_error"
)

// Outbound wire events.
const (
	EventJoin                 = "join"
	EventLeave                = "leave"
	EventJoinInquiryRoom      = "join_inquiry_room"
	EventLeaveInquiryRoom     = "leave_inquiry_room"
	EventJoinCounselingRoom   = "join_counseling_room"
	EventLeaveCounselingRoom  = "leave_counseling_room"
	EventChatMessageDelivered = "chat_message_delivered"
	EventChatMessageRead      = "chat_message_read"
	EventTypingIndicator      = "typing_indicator"
	EventStudentTyping        = "student_typing"
	EventAdminTyping          = "admin_typing"
	EventStaffStatus          = "staff_status"
	EventMessageStatus        = "message_status"
	EventPing                 = "ping"
)

// Inbound wire events the relay produces itself.
const (
	EventRoomJoined          = "room_joined"
	EventUserTyping          = "user_typing"
	EventMessageStatusUpdate = "message_status_update"
	EventStaffStatusUpdate   = "staff_status_update"
)

// Notifications published for lifecycle changes.
const (
	NotifyConnected    = "socket:connected"
	NotifyDisconnected = "socket:disconnected"
	NotifyReconnected  = "socket:reconnected"
	NotifyError        = "socket:error"
	NotifyHealthCheck  = "socket:health_check"
)

// DisconnectClient is the reason reported when the client closes the connection.
const DisconnectClient = "client"

// DisconnectTransport is the reason reported when the socket drops.
const DisconnectTransport = "transport close"
