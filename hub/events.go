package hub

import "chatserver/types"

// Frame is the websocket envelope in both directions.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client -> server frame types.
const (
	FrameJoinChannel      = "join_channel"
	FrameLeaveChannel     = "leave_channel"
	FrameSendMessage      = "send_message"
	FrameStartTyping      = "start_typing"
	FrameOpenConversation = "open_conversation"
)

// Server -> client frame types.
const (
	FrameMessageReceived   = "message_received"
	FrameMessageEdited     = "message_edited"
	FrameMessageDeleted    = "message_deleted"
	FrameUserJoinedChannel = "user_joined_channel"
	FrameUserLeftChannel   = "user_left_channel"
	FrameUserTyping        = "user_typing"
	FrameSessionRevoked    = "session_revoked"
	FrameReplayComplete    = "replay_complete"
	FrameError             = "error"
)

type MessagePayload struct {
	Message types.Message `json:"message"`
}

type ChannelUserPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

type TypingPayload struct {
	Target string `json:"target"`
	UserID string `json:"user_id"`
}

type ReplayCompletePayload struct {
	RoomID string `json:"room_id"`
	UpToID string `json:"up_to_id,omitempty"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}
