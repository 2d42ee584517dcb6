package channel

// ── Event name constants ──────────────────────────────────────────────────────
// Single source of truth for all wire event names. The server side uses the
// same strings; keep both in sync.
const (
	// Session lifecycle — client → server.
	EventJoinChatRoom = "join_chat_room"

	// Messaging.
	EventSendMessage        = "send_message"         // out
	EventReceiveMessage     = "receive_message"      // in
	EventMessageSeen        = "message_seen"         // out
	EventMessageSeenReceipt = "message_seen_receipt" // in

	// Typing and presence.
	EventTypingStart   = "typing_start"   // out
	EventTypingStop    = "typing_stop"    // out
	EventPartnerTyping = "partner_typing" // in
	EventUserStatus    = "user_status"    // in

	// Call signaling.
	EventCallUser     = "call_user"     // out: offer to callee
	EventReceiveCall  = "receive_call"  // in: offer from caller
	EventAnswerCall   = "answer_call"   // out: answer to caller
	EventCallAnswered = "call_answered" // in: answer from callee
	EventICECandidate = "ice_candidate" // both directions
	EventEndCall      = "end_call"      // out
	EventCallEnded    = "call_ended"    // in
	EventRejectCall   = "reject_call"   // out
	EventCallRejected = "call_rejected" // in

	// Server-side failures surfaced to the client.
	EventError = "error" // in

	// Local pseudo-event fired by Conn after every (re)connect so sessions can
	// re-join their room. Never sent on the wire.
	EventConnected = "connect"
)

// ── Payload structs ───────────────────────────────────────────────────────────
// Every wire event has a fixed payload shape enforced at compile time.

// SessionDescription mirrors the W3C RTCSessionDescriptionInit shape so this
// package does not import pion/webrtc. The call package converts.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Caller identifies the initiating party of a call offer.
type Caller struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
}

// JoinChatRoomPayload opens the logical room for a conversation pair.
type JoinChatRoomPayload struct {
	User1ID string `json:"user1Id"`
	User2ID string `json:"user2Id"`
}

// SendMessagePayload is an outbound message draft. The server assigns the id
// and echoes the full message back via receive_message.
type SendMessagePayload struct {
	SenderID   string  `json:"senderId"`
	ReceiverID string  `json:"receiverId"`
	Content    string  `json:"content"`
	CreatedAt  string  `json:"createdAt"` // RFC 3339
	Type       string  `json:"type"`      // text | image | file | audio
	FileName   string  `json:"fileName,omitempty"`
	Duration   float64 `json:"duration,omitempty"` // seconds, audio only
}

// TypingPayload is shared by typing_start and typing_stop.
type TypingPayload struct {
	ReceiverID string `json:"receiverId"`
}

// PartnerTypingPayload reports the remote party's typing state.
type PartnerTypingPayload struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

// UserStatusPayload reports a presence change for any user.
type UserStatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"` // "online" | "offline"
}

// MessageSeenPayload acknowledges that a partner message became visible.
type MessageSeenPayload struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// MessageSeenReceiptPayload flows back to the original sender.
type MessageSeenReceiptPayload struct {
	MessageID string `json:"messageId"`
	SeenBy    string `json:"seenBy"`
}

// CallUserPayload carries the offer from caller to callee.
type CallUserPayload struct {
	CalleeID string             `json:"calleeId"`
	Offer    SessionDescription `json:"offer"`
	Caller   Caller             `json:"caller"`
	IsVideo  bool               `json:"isVideo"`
}

// ReceiveCallPayload is the inbound side of call_user.
type ReceiveCallPayload struct {
	Offer   SessionDescription `json:"offer"`
	Caller  Caller             `json:"caller"`
	IsVideo bool               `json:"isVideo"`
}

// AnswerCallPayload carries the answer from callee to caller.
type AnswerCallPayload struct {
	CallerID string             `json:"callerId"`
	Answer   SessionDescription `json:"answer"`
}

// CallAnsweredPayload is the inbound side of answer_call.
type CallAnsweredPayload struct {
	Answer SessionDescription `json:"answer"`
}

// ICECandidatePayload carries one trickle candidate. TargetUserID is set on
// the outbound leg only; the server strips it before relaying.
type ICECandidatePayload struct {
	TargetUserID string           `json:"targetUserId,omitempty"`
	Candidate    ICECandidateInit `json:"candidate"`
}

// EndCallPayload terminates a call in either direction.
type EndCallPayload struct {
	PartnerID string `json:"partnerId"`
}

// RejectCallPayload declines an incoming offer.
type RejectCallPayload struct {
	CallerID string `json:"callerId"`
}

// ErrorPayload is a generic server-side failure report.
type ErrorPayload struct {
	Message string `json:"message"`
}
