// Package store holds the in-memory entity cache every other component reads
// from and mutates through. All mutation funnels through named reducer
// operations so conflict resolution stays centralized and replayable in tests;
// nothing outside this package touches the maps directly.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/roomlive/internal/feed"
	"github.com/noah-isme/roomlive/internal/models"
	"github.com/noah-isme/roomlive/internal/observability"
)

// MessageState tags a stored message as optimistic or server-confirmed.
type MessageState int

const (
	// StatePending marks an optimistic local entry awaiting its echo.
	StatePending MessageState = iota
	// StateConfirmed marks a row acknowledged by the external store.
	StateConfirmed
)

// StoredMessage is a message plus its reconciliation state. Pending entries
// are keyed by CorrelationID until the confirmed echo replaces them in place.
type StoredMessage struct {
	models.Message
	State MessageState
}

// Store is a constructor-injected entity cache. Multiple independent
// instances can run side by side; no global state is shared.
type Store struct {
	mu           sync.RWMutex
	rooms        map[string]models.Room
	participants map[string]map[string]models.Participant
	messages     map[string][]StoredMessage
	joined       map[string]struct{}
	logger       zerolog.Logger
}

// New constructs an empty entity store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		rooms:        make(map[string]models.Room),
		participants: make(map[string]map[string]models.Participant),
		messages:     make(map[string][]StoredMessage),
		joined:       make(map[string]struct{}),
		logger:       logger.With().Str("component", "entity_store").Logger(),
	}
}

// newerOrEqual implements the last-write-wins comparison: an incoming row is
// applied unless its updated-at is strictly older than the cached one. Rows
// without timestamps resolve by arrival order.
func newerOrEqual(incoming, existing time.Time) bool {
	if incoming.IsZero() || existing.IsZero() {
		return true
	}
	return !incoming.Before(existing)
}

// ApplyRoom upserts a room, last write wins by updated-at.
func (s *Store) ApplyRoom(room models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rooms[room.ID]; ok && !newerOrEqual(room.UpdatedAt, existing.UpdatedAt) {
		return
	}
	s.rooms[room.ID] = room
}

// RemoveRoom handles a room delete event. Rooms are never hard-dropped while
// joined: the row is kept and marked inactive so viewers get a terminate
// signal instead of a vanishing entity.
func (s *Store) RemoveRoom(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return
	}
	if _, joined := s.joined[id]; joined {
		room.Active = false
		s.rooms[id] = room
		return
	}
	delete(s.rooms, id)
	delete(s.participants, id)
	delete(s.messages, id)
}

// EvictRoom drops every trace of a room, used when the backing store reports
// the entity gone (self-healing against stale local state).
func (s *Store) EvictRoom(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, id)
	delete(s.participants, id)
	delete(s.messages, id)
	delete(s.joined, id)
}

// ApplyParticipant upserts a membership row, last write wins by updated-at.
func (s *Store) ApplyParticipant(p models.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser, ok := s.participants[p.RoomID]
	if !ok {
		byUser = make(map[string]models.Participant)
		s.participants[p.RoomID] = byUser
	}
	if existing, ok := byUser[p.UserID]; ok && !newerOrEqual(p.UpdatedAt, existing.UpdatedAt) {
		return
	}
	byUser[p.UserID] = p
}

// RemoveParticipant drops a single membership row.
func (s *Store) RemoveParticipant(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byUser, ok := s.participants[roomID]; ok {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(s.participants, roomID)
		}
	}
}

// ClearParticipants drops all membership rows for a room, as happens on
// termination.
func (s *Store) ClearParticipants(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.participants, roomID)
}

// MarkJoined records confirmed local membership in a room.
func (s *Store) MarkJoined(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.joined[roomID] = struct{}{}
}

// MarkLeft clears local membership.
func (s *Store) MarkLeft(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.joined, roomID)
}

// InsertPending adds an optimistic local message awaiting its confirmed echo.
// The entry keeps chronological position by its provisional created-at.
func (s *Store) InsertPending(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertSorted(msg.RoomID, StoredMessage{Message: msg, State: StatePending})
}

// ApplyMessage reconciles a confirmed row into the ordered sequence:
//  1. a row with a known id updates in place (last write wins by updated-at);
//  2. a row matching a pending entry's correlation id replaces it in place,
//     keeping the index stable so the UI neither duplicates nor reorders;
//  3. otherwise the row is inserted in chronological position.
func (s *Store) ApplyMessage(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[m.RoomID]
	for i := range list {
		if list[i].ID == m.ID && list[i].State == StateConfirmed {
			if !newerOrEqual(m.UpdatedAt, list[i].UpdatedAt) {
				return
			}
			// Tombstones never resurrect.
			if list[i].Deleted {
				m.Deleted = true
			}
			list[i] = StoredMessage{Message: m, State: StateConfirmed}
			return
		}
	}

	if m.CorrelationID != "" {
		for i := range list {
			if list[i].State == StatePending && list[i].CorrelationID == m.CorrelationID {
				list[i] = StoredMessage{Message: m, State: StateConfirmed}
				return
			}
		}
	}

	s.insertSorted(m.RoomID, StoredMessage{Message: m, State: StateConfirmed})
}

// TombstoneMessage flips the deleted flag without disturbing position or
// sequence length.
func (s *Store) TombstoneMessage(roomID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[roomID]
	for i := range list {
		if list[i].ID == id {
			list[i].Deleted = true
			return
		}
	}
}

// DropPending removes an optimistic entry whose write failed.
func (s *Store) DropPending(roomID, correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[roomID]
	for i := range list {
		if list[i].State == StatePending && list[i].CorrelationID == correlationID {
			s.messages[roomID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// insertSorted keeps the room's sequence ordered by created-at ascending,
// ties broken by id for cross-client determinism. Duplicate confirmed ids are
// ignored, which makes replay under at-least-once delivery idempotent.
func (s *Store) insertSorted(roomID string, entry StoredMessage) {
	list := s.messages[roomID]
	for i := range list {
		if list[i].ID == entry.ID && list[i].State == entry.State {
			return
		}
	}

	idx := sort.Search(len(list), func(i int) bool {
		if list[i].CreatedAt.Equal(entry.CreatedAt) {
			return list[i].ID > entry.ID
		}
		return list[i].CreatedAt.After(entry.CreatedAt)
	})

	list = append(list, StoredMessage{})
	copy(list[idx+1:], list[idx:])
	list[idx] = entry
	s.messages[roomID] = list
}

// ResetRoom atomically replaces a room's cached state from a resync fetch.
func (s *Store) ResetRoom(room models.Room, participants []models.Participant, messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[room.ID] = room

	byUser := make(map[string]models.Participant, len(participants))
	for _, p := range participants {
		byUser[p.UserID] = p
	}
	s.participants[room.ID] = byUser

	list := make([]StoredMessage, 0, len(messages))
	for _, m := range messages {
		list = append(list, StoredMessage{Message: m, State: StateConfirmed})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	s.messages[room.ID] = list
}

// ApplyEvent dispatches a change-feed event to the matching reducer. A failed
// application is returned for logging and the event dropped; one room's bad
// event must not corrupt the rest of the cache.
func (s *Store) ApplyEvent(ev feed.Event) error {
	switch ev.Table {
	case feed.TableRooms:
		var room models.Room
		if err := ev.DecodeRow(&room); err != nil {
			return fmt.Errorf("decode room row: %w", err)
		}
		if ev.Type == feed.EventDelete {
			s.RemoveRoom(room.ID)
		} else {
			s.ApplyRoom(room)
		}
	case feed.TableParticipants:
		var p models.Participant
		if err := ev.DecodeRow(&p); err != nil {
			return fmt.Errorf("decode participant row: %w", err)
		}
		if ev.Type == feed.EventDelete {
			s.RemoveParticipant(p.RoomID, p.UserID)
		} else {
			s.ApplyParticipant(p)
		}
	case feed.TableMessages:
		var m models.Message
		if err := ev.DecodeRow(&m); err != nil {
			return fmt.Errorf("decode message row: %w", err)
		}
		if ev.Type == feed.EventDelete {
			// Deletes tombstone; the id never leaves the ordered sequence.
			s.TombstoneMessage(m.RoomID, m.ID)
		} else {
			s.ApplyMessage(m)
		}
	default:
		return fmt.Errorf("unknown table %q", ev.Table)
	}

	observability.FeedEvents().WithLabelValues(ev.Table, ev.Type).Inc()
	return nil
}
