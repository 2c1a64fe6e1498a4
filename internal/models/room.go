package models

import (
	"time"

	"gorm.io/datatypes"
)

// Room visibility modes.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Message types understood by the synchronizer. Unknown types are carried
// through untouched for forward compatibility.
const (
	MessageTypeText  = "text"
	MessageTypeCode  = "code"
	MessageTypePoll  = "poll"
	MessageTypeLink  = "link"
	MessageTypeQuote = "quote"
)

// Participant roles, derived from Room.OwnerID rather than stored.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Room is a bounded chat channel with a lifecycle and a visibility mode.
// JoinCode and PasswordHash are set only for private rooms. Rooms are never
// hard-deleted by the engine; termination and expiry flip Active to false.
type Room struct {
	ID           string     `gorm:"primaryKey;size:64" json:"id"`
	Name         string     `gorm:"size:255;not null" json:"name"`
	Visibility   string     `gorm:"size:16;default:public;index" json:"visibility"`
	OwnerID      string     `gorm:"size:64;index" json:"owner_id"`
	JoinCode     string     `gorm:"size:32;index" json:"join_code,omitempty"`
	PasswordHash string     `gorm:"size:128" json:"-"`
	Active       bool       `gorm:"not null;default:true;index" json:"active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName maps Room onto the backing store's rooms table.
func (Room) TableName() string { return "rooms" }

// Private reports whether joining requires credentials.
func (r Room) Private() bool { return r.Visibility == VisibilityPrivate }

// Participant is a user's membership record in a room, unique per
// (room, user) pair. LastActivity is refreshed by the presence tracker and
// interpreted by peers as an online/offline heuristic.
type Participant struct {
	RoomID       string    `gorm:"primaryKey;size:64" json:"room_id"`
	UserID       string    `gorm:"primaryKey;size:64" json:"user_id"`
	JoinedAt     time.Time `json:"joined_at"`
	LastActivity time.Time `gorm:"index" json:"last_activity"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName maps Participant onto the room_participants table.
func (Participant) TableName() string { return "room_participants" }

// Role derives the participant's role from the owning room.
func (p Participant) Role(room Room) string {
	if room.OwnerID == p.UserID {
		return RoleOwner
	}
	return RoleMember
}

// Message is a single chat entry within a room, ordered by CreatedAt.
// Deleting tombstones the row (Deleted=true) so the ordered sequence keeps
// its length and positions under concurrent pagination. CorrelationID is the
// client-generated id used to reconcile an optimistic local entry with its
// server-confirmed echo.
type Message struct {
	ID            string            `gorm:"primaryKey;size:64" json:"id"`
	RoomID        string            `gorm:"size:64;index:idx_messages_room_created" json:"room_id"`
	AuthorID      string            `gorm:"size:64;index" json:"author_id"`
	Content       string            `gorm:"type:text" json:"content"`
	Type          string            `gorm:"size:32;default:text" json:"type"`
	Metadata      datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CorrelationID string            `gorm:"size:64;index" json:"correlation_id,omitempty"`
	Deleted       bool              `gorm:"not null;default:false" json:"deleted"`
	CreatedAt     time.Time         `gorm:"index:idx_messages_room_created" json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// TableName maps Message onto the messages table.
func (Message) TableName() string { return "messages" }
