package types

import "time"

// Capability is a bit in a role's permission set. Permissions are resolved
// once when the role row is loaded, never re-interpreted per request.
type Capability uint8

const (
	CapCreateChannels Capability = 1 << iota
	CapDeleteChannels
	CapModifyChannels
	CapBanUsers
	CapDeleteMessages
	CapManageUsers
)

type Role struct {
	ID           int
	Name         string
	Capabilities Capability
}

func (r Role) Has(c Capability) bool {
	return r.Capabilities&c != 0
}

type UserData struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
	RoleID      int    `json:"role_id"`
}

type Session struct {
	ID            string
	UserID        string
	TokenFamilyID string
	InterfaceType string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Revoked       bool
}

func (s Session) Live(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPrivate  bool   `json:"is_private"`
	MaxMembers int    `json:"max_members"`
	Archived   bool   `json:"archived"`
}

type ChannelMembership struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Muted     bool   `json:"muted"`
}

// Conversation participants are stored in canonical sorted order so the
// (ParticipantA, ParticipantB) pair is unique regardless of who wrote first.
type Conversation struct {
	ID           string `json:"id"`
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
}

const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
	MessageTypeJoin   = "join"
	MessageTypeLeave  = "leave"
)

type Message struct {
	ID             string     `json:"id"`
	SenderID       string     `json:"sender_id"`
	SenderName     string     `json:"sender_name,omitempty"`
	ChannelID      string     `json:"channel_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Content        string     `json:"content"`
	Type           string     `json:"type"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
	ClientMsgID    string     `json:"client_msg_id,omitempty"`
}

// RoomID returns the room a message belongs to: exactly one of ChannelID or
// ConversationID is set.
func (m Message) RoomID() string {
	if m.ChannelID != "" {
		return m.ChannelID
	}
	return m.ConversationID
}
