package store

import (
	"sort"

	"github.com/noah-isme/roomlive/internal/models"
)

// RoomView is an immutable room snapshot with its derived fields: live
// participant count and the denormalized most recent message for list views.
type RoomView struct {
	models.Room
	ParticipantCount int
	LastMessage      *models.Message
	Joined           bool
}

// Room returns a snapshot view of one room.
func (s *Store) Room(id string) (RoomView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		return RoomView{}, false
	}
	return s.viewLocked(room), true
}

// Rooms returns snapshot views of every cached room, newest first.
func (s *Store) Rooms() []RoomView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]RoomView, 0, len(s.rooms))
	for _, room := range s.rooms {
		views = append(views, s.viewLocked(room))
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// JoinedRooms returns snapshot views of the rooms the local user has
// confirmed membership in.
func (s *Store) JoinedRooms() []RoomView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]RoomView, 0, len(s.joined))
	for id := range s.joined {
		if room, ok := s.rooms[id]; ok {
			views = append(views, s.viewLocked(room))
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// Joined reports whether the local user holds confirmed membership in a room.
func (s *Store) Joined(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.joined[roomID]
	return ok
}

// Participants returns a copied membership list for a room, ordered by join time.
func (s *Store) Participants(roomID string) []models.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := s.participants[roomID]
	list := make([]models.Participant, 0, len(byUser))
	for _, p := range byUser {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].UserID < list[j].UserID
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	return list
}

// Participant returns a single membership row if cached.
func (s *Store) Participant(roomID, userID string) (models.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[roomID][userID]
	return p, ok
}

// Messages returns a copy of a room's ordered message sequence, tombstones
// included so consumer indexes stay stable.
func (s *Store) Messages(roomID string) []StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[roomID]
	out := make([]StoredMessage, len(list))
	copy(out, list)
	return out
}

// Message looks a message up by id across a room's sequence.
func (s *Store) Message(roomID, id string) (StoredMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages[roomID] {
		if m.ID == id {
			return m, true
		}
	}
	return StoredMessage{}, false
}

// viewLocked assembles the derived fields; callers hold at least a read lock.
func (s *Store) viewLocked(room models.Room) RoomView {
	view := RoomView{Room: room, ParticipantCount: len(s.participants[room.ID])}
	if _, ok := s.joined[room.ID]; ok {
		view.Joined = true
	}

	list := s.messages[room.ID]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].Deleted && list[i].State == StateConfirmed {
			msg := list[i].Message
			view.LastMessage = &msg
			break
		}
	}
	return view
}
