package feed

import (
	"encoding/json"
	"time"
)

// Event types carried on the change feed.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Logical tables watched by the engine.
const (
	TableRooms        = "rooms"
	TableParticipants = "room_participants"
	TableMessages     = "messages"
)

// Event is a single change notification for a row in the external store.
// Row is kept raw so unknown fields added by newer producers pass through
// untouched; consumers decode only the fields they understand. Delivery is
// at least once, so every application of an Event must be idempotent.
type Event struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	RoomID string          `json:"room_id"`
	Row    json.RawMessage `json:"row"`
	Source string          `json:"source,omitempty"`
	SentAt time.Time       `json:"sent_at"`
}

// DecodeRow unmarshals the event's row into dst, ignoring unknown fields.
func (e Event) DecodeRow(dst any) error {
	return json.Unmarshal(e.Row, dst)
}
