package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/roomlive/internal/feed"
	"github.com/noah-isme/roomlive/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(zerolog.Nop())
}

func messageEvent(t *testing.T, eventType string, msg models.Message) feed.Event {
	t.Helper()
	row, err := json.Marshal(msg)
	require.NoError(t, err)
	return feed.Event{Type: eventType, Table: feed.TableMessages, RoomID: msg.RoomID, Row: row}
}

func TestApplyMessageConvergesRegardlessOfDeliveryOrder(t *testing.T) {
	base := time.Now().UTC()
	older := models.Message{ID: "m1", RoomID: "r1", Content: "draft", CreatedAt: base, UpdatedAt: base}
	newer := models.Message{ID: "m1", RoomID: "r1", Content: "final", CreatedAt: base, UpdatedAt: base.Add(time.Second)}

	inOrder := newTestStore(t)
	inOrder.ApplyMessage(older)
	inOrder.ApplyMessage(newer)

	reversed := newTestStore(t)
	reversed.ApplyMessage(newer)
	reversed.ApplyMessage(older)

	for _, s := range []*Store{inOrder, reversed} {
		list := s.Messages("r1")
		require.Len(t, list, 1)
		require.Equal(t, "final", list[0].Content)
	}
}

func TestApplyMessageIsIdempotentUnderDuplicateDelivery(t *testing.T) {
	s := newTestStore(t)
	msg := models.Message{ID: "m1", RoomID: "r1", Content: "hello", CreatedAt: time.Now().UTC()}

	s.ApplyMessage(msg)
	s.ApplyMessage(msg)
	s.ApplyMessage(msg)

	require.Len(t, s.Messages("r1"), 1)
}

func TestPendingEchoMergeKeepsIndexAndLength(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	s.ApplyMessage(models.Message{ID: "m1", RoomID: "r1", Content: "before", CreatedAt: base.Add(-time.Minute)})
	s.InsertPending(models.Message{ID: "pending-c1", RoomID: "r1", Content: "hello", CorrelationID: "c1", CreatedAt: base})

	list := s.Messages("r1")
	require.Len(t, list, 2)
	require.Equal(t, StatePending, list[1].State)

	echo := models.Message{ID: "m2", RoomID: "r1", Content: "hello", CorrelationID: "c1", CreatedAt: base, UpdatedAt: base}
	s.ApplyMessage(echo)

	list = s.Messages("r1")
	require.Len(t, list, 2, "echo must replace the pending entry, not append")
	require.Equal(t, "m2", list[1].ID)
	require.Equal(t, StateConfirmed, list[1].State)
}

func TestTombstonePreservesPositionAndLength(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i, id := range []string{"m1", "m2", "m3"} {
		s.ApplyMessage(models.Message{ID: id, RoomID: "r1", Content: id, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}

	before := s.Messages("r1")
	s.TombstoneMessage("r1", "m2")
	after := s.Messages("r1")

	require.Len(t, after, len(before))
	require.Equal(t, "m2", after[1].ID)
	require.True(t, after[1].Deleted)
	require.False(t, after[0].Deleted)
	require.False(t, after[2].Deleted)
}

func TestDeleteEventTombstonesInsteadOfRemoving(t *testing.T) {
	s := newTestStore(t)
	msg := models.Message{ID: "m1", RoomID: "r1", Content: "bye", CreatedAt: time.Now().UTC()}
	s.ApplyMessage(msg)

	require.NoError(t, s.ApplyEvent(messageEvent(t, feed.EventDelete, msg)))

	list := s.Messages("r1")
	require.Len(t, list, 1)
	require.True(t, list[0].Deleted)
}

func TestTombstoneNeverResurrects(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	s.ApplyMessage(models.Message{ID: "m1", RoomID: "r1", Content: "hello", CreatedAt: base, UpdatedAt: base})
	s.TombstoneMessage("r1", "m1")

	// A late update event with a newer timestamp but no deleted flag.
	s.ApplyMessage(models.Message{ID: "m1", RoomID: "r1", Content: "edited", CreatedAt: base, UpdatedAt: base.Add(time.Second)})

	list := s.Messages("r1")
	require.Len(t, list, 1)
	require.True(t, list[0].Deleted)
	require.Equal(t, "edited", list[0].Content)
}

func TestMessagesKeptInChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	s.ApplyMessage(models.Message{ID: "m3", RoomID: "r1", CreatedAt: base.Add(2 * time.Second)})
	s.ApplyMessage(models.Message{ID: "m1", RoomID: "r1", CreatedAt: base})
	s.ApplyMessage(models.Message{ID: "m2", RoomID: "r1", CreatedAt: base.Add(time.Second)})

	list := s.Messages("r1")
	require.Equal(t, []string{"m1", "m2", "m3"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestApplyParticipantLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	newer := models.Participant{RoomID: "r1", UserID: "u1", LastActivity: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute)}
	older := models.Participant{RoomID: "r1", UserID: "u1", LastActivity: base, UpdatedAt: base}

	s.ApplyParticipant(newer)
	s.ApplyParticipant(older)

	p, ok := s.Participant("r1", "u1")
	require.True(t, ok)
	require.Equal(t, newer.LastActivity, p.LastActivity)
}

func TestRoomViewDerivesCountAndLastMessage(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	s.ApplyRoom(models.Room{ID: "r1", Name: "General", Active: true, CreatedAt: base})
	s.ApplyParticipant(models.Participant{RoomID: "r1", UserID: "u1"})
	s.ApplyParticipant(models.Participant{RoomID: "r1", UserID: "u2"})
	s.ApplyMessage(models.Message{ID: "m1", RoomID: "r1", Content: "first", CreatedAt: base})
	s.ApplyMessage(models.Message{ID: "m2", RoomID: "r1", Content: "latest", CreatedAt: base.Add(time.Second)})
	s.TombstoneMessage("r1", "m2")

	view, ok := s.Room("r1")
	require.True(t, ok)
	require.Equal(t, 2, view.ParticipantCount)
	require.NotNil(t, view.LastMessage)
	require.Equal(t, "m1", view.LastMessage.ID, "tombstoned message must not surface as last message")
}

func TestRemoveRoomKeepsJoinedRoomsAsInactive(t *testing.T) {
	s := newTestStore(t)
	s.ApplyRoom(models.Room{ID: "r1", Name: "General", Active: true})
	s.MarkJoined("r1")

	s.RemoveRoom("r1")

	view, ok := s.Room("r1")
	require.True(t, ok, "joined rooms stay visible so the UI can navigate away")
	require.False(t, view.Active)

	s.ApplyRoom(models.Room{ID: "r2", Name: "Other", Active: true})
	s.RemoveRoom("r2")
	_, ok = s.Room("r2")
	require.False(t, ok)
}

func TestResetRoomReplacesCachedState(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	s.ApplyRoom(models.Room{ID: "r1", Name: "Stale", Active: true})
	s.InsertPending(models.Message{ID: "pending-c9", RoomID: "r1", CorrelationID: "c9", CreatedAt: base})

	s.ResetRoom(
		models.Room{ID: "r1", Name: "Fresh", Active: true, UpdatedAt: base},
		[]models.Participant{{RoomID: "r1", UserID: "u1"}},
		[]models.Message{
			{ID: "m2", RoomID: "r1", CreatedAt: base.Add(time.Second)},
			{ID: "m1", RoomID: "r1", CreatedAt: base},
		},
	)

	view, ok := s.Room("r1")
	require.True(t, ok)
	require.Equal(t, "Fresh", view.Name)
	require.Equal(t, 1, view.ParticipantCount)

	list := s.Messages("r1")
	require.Len(t, list, 2)
	require.Equal(t, "m1", list[0].ID)
	require.Equal(t, StateConfirmed, list[0].State)
}

func TestApplyEventRejectsUnknownTable(t *testing.T) {
	s := newTestStore(t)
	err := s.ApplyEvent(feed.Event{Type: feed.EventInsert, Table: "votes", RoomID: "r1", Row: []byte(`{}`)})
	require.Error(t, err)
}

func TestDropPendingRemovesFailedOptimisticEntry(t *testing.T) {
	s := newTestStore(t)
	s.InsertPending(models.Message{ID: "pending-c1", RoomID: "r1", CorrelationID: "c1", CreatedAt: time.Now().UTC()})

	s.DropPending("r1", "c1")

	require.Empty(t, s.Messages("r1"))
}
