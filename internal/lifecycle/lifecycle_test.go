package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/roomlive/internal/apperr"
	"github.com/noah-isme/roomlive/internal/models"
	"github.com/noah-isme/roomlive/internal/store"
)

type stubRoomRepo struct {
	rooms map[string]models.Room
}

func (s *stubRoomRepo) Create(ctx context.Context, room *models.Room) error {
	s.rooms[room.ID] = *room
	return nil
}

func (s *stubRoomRepo) GetByID(ctx context.Context, id string) (models.Room, error) {
	room, ok := s.rooms[id]
	if !ok {
		return models.Room{}, apperr.NotFound("room", id)
	}
	return room, nil
}

func (s *stubRoomRepo) GetByJoinCode(ctx context.Context, code string) (models.Room, error) {
	for _, room := range s.rooms {
		if room.JoinCode == code {
			return room, nil
		}
	}
	return models.Room{}, apperr.NotFound("room with join code", code)
}

func (s *stubRoomRepo) ListActive(ctx context.Context, limit, offset int) ([]models.Room, error) {
	var out []models.Room
	for _, room := range s.rooms {
		if room.Active {
			out = append(out, room)
		}
	}
	return out, nil
}

func (s *stubRoomRepo) Update(ctx context.Context, room *models.Room) error {
	s.rooms[room.ID] = *room
	return nil
}

func (s *stubRoomRepo) SetActive(ctx context.Context, id string, active bool) (models.Room, error) {
	room, ok := s.rooms[id]
	if !ok {
		return models.Room{}, apperr.NotFound("room", id)
	}
	if room.Active == active {
		return models.Room{}, apperr.Conflict("room %q already active=%v", id, active)
	}
	room.Active = active
	room.UpdatedAt = time.Now().UTC()
	s.rooms[id] = room
	return room, nil
}

func (s *stubRoomRepo) SetExpiry(ctx context.Context, id string, expiresAt *time.Time) (models.Room, error) {
	room, ok := s.rooms[id]
	if !ok {
		return models.Room{}, apperr.NotFound("room", id)
	}
	room.ExpiresAt = expiresAt
	room.UpdatedAt = time.Now().UTC()
	s.rooms[id] = room
	return room, nil
}

type stubPublisher struct {
	published []string
}

func (s *stubPublisher) Publish(ctx context.Context, roomID, table, eventType string, row any) error {
	s.published = append(s.published, table+"/"+eventType)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *stubRoomRepo, *stubPublisher) {
	t.Helper()
	entityStore := store.New(zerolog.Nop())
	repo := &stubRoomRepo{rooms: make(map[string]models.Room)}
	publisher := &stubPublisher{}
	manager := NewManager(entityStore, repo, publisher, Options{
		ExpiryThreshold: 30 * time.Second,
		ExtendIncrement: 30 * time.Minute,
	}, zerolog.Nop())
	return manager, entityStore, repo, publisher
}

func drainSignals(m *Manager) []Signal {
	var out []Signal
	for {
		select {
		case sig := <-m.Signals():
			out = append(out, sig)
		default:
			return out
		}
	}
}

func TestExpiryTransitionFiresExactlyOnce(t *testing.T) {
	manager, entityStore, _, _ := newTestManager(t)
	now := time.Now().UTC()
	manager.nowFn = func() time.Time { return now }

	expired := now.Add(-time.Second)
	entityStore.ApplyRoom(models.Room{ID: "r1", Name: "General", Active: true, ExpiresAt: &expired})
	manager.Watch("r1")

	manager.tick()
	manager.tick()
	manager.tick()

	signals := drainSignals(manager)
	require.Len(t, signals, 1)
	require.Equal(t, PhaseExpired, signals[0].Phase)

	view, ok := entityStore.Room("r1")
	require.True(t, ok)
	require.False(t, view.Active)
	require.Empty(t, entityStore.Participants("r1"))
}

func TestExpiringSoonFiresInsideThreshold(t *testing.T) {
	manager, entityStore, _, _ := newTestManager(t)
	now := time.Now().UTC()
	manager.nowFn = func() time.Time { return now }

	deadline := now.Add(10 * time.Second)
	entityStore.ApplyRoom(models.Room{ID: "r1", Active: true, ExpiresAt: &deadline})
	manager.Watch("r1")

	manager.tick()
	manager.tick()

	signals := drainSignals(manager)
	require.Len(t, signals, 1)
	require.Equal(t, PhaseExpiringSoon, signals[0].Phase)
	require.Equal(t, PhaseExpiringSoon, manager.Phase("r1"))
}

func TestRoomWithoutDeadlineNeverSelfExpires(t *testing.T) {
	manager, entityStore, _, _ := newTestManager(t)
	now := time.Now().UTC()
	manager.nowFn = func() time.Time { return now }

	entityStore.ApplyRoom(models.Room{ID: "r1", Active: true})
	manager.Watch("r1")

	for i := 0; i < 5; i++ {
		now = now.Add(time.Hour)
		manager.tick()
	}

	require.Empty(t, drainSignals(manager))
	require.Equal(t, PhaseActive, manager.Phase("r1"))
}

func TestInactiveRoomObservedViaFeedTerminates(t *testing.T) {
	manager, entityStore, _, _ := newTestManager(t)
	manager.nowFn = func() time.Time { return time.Now().UTC() }

	entityStore.ApplyRoom(models.Room{ID: "r1", Active: false})
	manager.Watch("r1")

	manager.tick()
	manager.tick()

	signals := drainSignals(manager)
	require.Len(t, signals, 1)
	require.Equal(t, PhaseTerminated, signals[0].Phase)
}

func TestExtendIsOwnerOnly(t *testing.T) {
	manager, entityStore, repo, _ := newTestManager(t)
	now := time.Now().UTC()
	manager.nowFn = func() time.Time { return now }

	deadline := now.Add(10 * time.Second)
	room := models.Room{ID: "r1", OwnerID: "owner", Active: true, ExpiresAt: &deadline}
	repo.rooms["r1"] = room
	entityStore.ApplyRoom(room)

	_, err := manager.Extend(context.Background(), "r1", "intruder")
	require.ErrorIs(t, err, apperr.ErrAuthorization)
	require.Equal(t, deadline, *repo.rooms["r1"].ExpiresAt)
}

func TestExtendClearsExpiringSoon(t *testing.T) {
	manager, entityStore, repo, publisher := newTestManager(t)
	now := time.Now().UTC()
	manager.nowFn = func() time.Time { return now }

	deadline := now.Add(10 * time.Second)
	room := models.Room{ID: "r1", OwnerID: "owner", Active: true, ExpiresAt: &deadline}
	repo.rooms["r1"] = room
	entityStore.ApplyRoom(room)
	manager.Watch("r1")

	manager.tick()
	require.Equal(t, PhaseExpiringSoon, manager.Phase("r1"))

	updated, err := manager.Extend(context.Background(), "r1", "owner")
	require.NoError(t, err)
	require.True(t, updated.ExpiresAt.After(deadline))
	require.Equal(t, PhaseActive, manager.Phase("r1"))
	require.Contains(t, publisher.published, "rooms/update")

	view, ok := entityStore.Room("r1")
	require.True(t, ok)
	require.Equal(t, updated.ExpiresAt.Unix(), view.ExpiresAt.Unix())
}

func TestExtendRejectsInactiveRoom(t *testing.T) {
	manager, entityStore, repo, _ := newTestManager(t)
	manager.nowFn = func() time.Time { return time.Now().UTC() }

	room := models.Room{ID: "r1", OwnerID: "owner", Active: false}
	repo.rooms["r1"] = room
	entityStore.ApplyRoom(room)

	_, err := manager.Extend(context.Background(), "r1", "owner")
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestBackgroundRoomsTickAtLowerCadence(t *testing.T) {
	manager, entityStore, _, _ := newTestManager(t)
	now := time.Now().UTC()
	manager.nowFn = func() time.Time { return now }
	manager.backgroundTick = time.Minute

	expired := now.Add(-time.Second)
	entityStore.ApplyRoom(models.Room{ID: "bg", Active: true, ExpiresAt: &expired})

	// First tick sweeps background rooms, immediately afterwards they wait.
	manager.tick()
	require.Equal(t, PhaseExpired, manager.Phase("bg"))

	later := now.Add(30 * time.Second)
	manager.nowFn = func() time.Time { return later }
	entityStore.ApplyRoom(models.Room{ID: "bg2", Active: true, ExpiresAt: &expired, UpdatedAt: later})
	manager.tick()
	require.Equal(t, PhaseActive, manager.Phase("bg2"), "background sweep should not run again within the interval")

	afterInterval := now.Add(2 * time.Minute)
	manager.nowFn = func() time.Time { return afterInterval }
	manager.tick()
	require.Equal(t, PhaseExpired, manager.Phase("bg2"))
}

func TestDirectoryOnlyRoomsTerminateSilently(t *testing.T) {
	manager, entityStore, _, _ := newTestManager(t)
	now := time.Now().UTC()
	manager.nowFn = func() time.Time { return now }

	// A list entry the user never entered goes inactive on the feed.
	entityStore.ApplyRoom(models.Room{ID: "listed", Active: false})
	// A room joined earlier but currently backgrounded does the same.
	entityStore.ApplyRoom(models.Room{ID: "joined", Active: false})
	entityStore.MarkJoined("joined")

	manager.tick()

	require.Equal(t, PhaseTerminated, manager.Phase("listed"))
	require.Equal(t, PhaseTerminated, manager.Phase("joined"))

	signals := drainSignals(manager)
	require.Len(t, signals, 1, "navigation signals are for rooms the user is in")
	require.Equal(t, "joined", signals[0].RoomID)
}
