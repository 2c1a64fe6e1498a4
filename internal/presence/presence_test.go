package presence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/roomlive/internal/identity"
	"github.com/noah-isme/roomlive/internal/models"
	"github.com/noah-isme/roomlive/internal/store"
)

type stubParticipantRepo struct {
	touches  []time.Time
	touchErr error
	noRows   bool
}

func (s *stubParticipantRepo) Upsert(ctx context.Context, participant *models.Participant) error {
	return nil
}

func (s *stubParticipantRepo) Get(ctx context.Context, roomID, userID string) (models.Participant, bool, error) {
	return models.Participant{}, false, nil
}

func (s *stubParticipantRepo) ListByRoom(ctx context.Context, roomID string) ([]models.Participant, error) {
	return nil, nil
}

func (s *stubParticipantRepo) CountByRoom(ctx context.Context, roomID string) (int64, error) {
	return 0, nil
}

func (s *stubParticipantRepo) Delete(ctx context.Context, roomID, userID string) (bool, error) {
	return false, nil
}

func (s *stubParticipantRepo) DeleteByRoom(ctx context.Context, roomID string) (int64, error) {
	return 0, nil
}

func (s *stubParticipantRepo) TouchActivity(ctx context.Context, roomID, userID string, at time.Time) (bool, error) {
	if s.touchErr != nil {
		return false, s.touchErr
	}
	if s.noRows {
		return false, nil
	}
	s.touches = append(s.touches, at)
	return true, nil
}

type stubPublisher struct {
	published int
}

func (s *stubPublisher) Publish(ctx context.Context, roomID, table, eventType string, row any) error {
	s.published++
	return nil
}

func newTracker(t *testing.T, redisClient *redis.Client) (*Tracker, *stubParticipantRepo, *store.Store) {
	t.Helper()
	repo := &stubParticipantRepo{}
	entityStore := store.New(zerolog.Nop())
	tracker := NewTracker(repo, entityStore, &stubPublisher{}, redisClient, "roomlive:presence",
		identity.Static("u1"), 30*time.Second, 60*time.Second, zerolog.Nop())
	return tracker, repo, entityStore
}

func TestTouchDebouncesWithinInterval(t *testing.T) {
	tracker, repo, _ := newTracker(t, nil)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	tracker.nowFn = func() time.Time { return now }

	require.NoError(t, tracker.Touch(context.Background(), "r1"))
	now = base.Add(10 * time.Second)
	require.NoError(t, tracker.Touch(context.Background(), "r1"))
	now = base.Add(29 * time.Second)
	require.NoError(t, tracker.Touch(context.Background(), "r1"))
	require.Len(t, repo.touches, 1, "calls inside the debounce window must not write")

	now = base.Add(31 * time.Second)
	require.NoError(t, tracker.Touch(context.Background(), "r1"))
	require.Len(t, repo.touches, 2)
}

func TestTouchDebouncesPerRoom(t *testing.T) {
	tracker, repo, _ := newTracker(t, nil)

	require.NoError(t, tracker.Touch(context.Background(), "r1"))
	require.NoError(t, tracker.Touch(context.Background(), "r2"))
	require.Len(t, repo.touches, 2)
}

func TestTouchRetriesAfterWriteFailure(t *testing.T) {
	tracker, repo, _ := newTracker(t, nil)
	repo.touchErr = fmt.Errorf("backend down")

	require.Error(t, tracker.Touch(context.Background(), "r1"))

	repo.touchErr = nil
	require.NoError(t, tracker.Touch(context.Background(), "r1"))
	require.Len(t, repo.touches, 1, "a failed write must not consume the debounce window")
}

func TestTouchWithoutMembershipRowDoesNotConsumeWindow(t *testing.T) {
	tracker, repo, _ := newTracker(t, nil)
	repo.noRows = true

	require.NoError(t, tracker.Touch(context.Background(), "r1"))
	require.Empty(t, repo.touches)

	// Once the membership row exists the very next call writes; a zero-row
	// update must not have stamped the debounce window.
	repo.noRows = false
	require.NoError(t, tracker.Touch(context.Background(), "r1"))
	require.Len(t, repo.touches, 1)
}

func TestTouchUpdatesStoreAndPublishes(t *testing.T) {
	tracker, _, entityStore := newTracker(t, nil)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tracker.nowFn = func() time.Time { return base }
	entityStore.ApplyParticipant(models.Participant{RoomID: "r1", UserID: "u1", JoinedAt: base.Add(-time.Hour)})

	require.NoError(t, tracker.Touch(context.Background(), "r1"))

	p, ok := entityStore.Participant("r1", "u1")
	require.True(t, ok)
	require.Equal(t, base, p.LastActivity)
}

func TestOnlineUsesRedisFreshnessKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tracker, _, entityStore := newTracker(t, client)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := base
	tracker.nowFn = func() time.Time { return now }
	entityStore.ApplyParticipant(models.Participant{RoomID: "r1", UserID: "u1"})

	require.NoError(t, tracker.Touch(context.Background(), "r1"))
	require.True(t, tracker.Online(context.Background(), "r1", "u1"))

	mr.FastForward(61 * time.Second)
	now = base.Add(61 * time.Second)
	require.False(t, tracker.Online(context.Background(), "r1", "u1"))
}

func TestOnlineFallsBackToStoreActivity(t *testing.T) {
	tracker, _, entityStore := newTracker(t, nil)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tracker.nowFn = func() time.Time { return base }

	entityStore.ApplyParticipant(models.Participant{RoomID: "r1", UserID: "u2", LastActivity: base.Add(-30 * time.Second)})
	entityStore.ApplyParticipant(models.Participant{RoomID: "r1", UserID: "u3", LastActivity: base.Add(-5 * time.Minute)})

	require.True(t, tracker.Online(context.Background(), "r1", "u2"))
	require.False(t, tracker.Online(context.Background(), "r1", "u3"))
	require.False(t, tracker.Online(context.Background(), "r1", "unknown"))
}

func TestOnlineParticipantsFiltersStale(t *testing.T) {
	tracker, _, entityStore := newTracker(t, nil)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	tracker.nowFn = func() time.Time { return base }

	entityStore.ApplyParticipant(models.Participant{RoomID: "r1", UserID: "u2", JoinedAt: base, LastActivity: base})
	entityStore.ApplyParticipant(models.Participant{RoomID: "r1", UserID: "u3", JoinedAt: base, LastActivity: base.Add(-time.Hour)})

	online := tracker.OnlineParticipants(context.Background(), "r1")
	require.Len(t, online, 1)
	require.Equal(t, "u2", online[0].UserID)
}

func TestStopFlushesFinalWriteAndIgnoresFailure(t *testing.T) {
	tracker, repo, _ := newTracker(t, nil)

	require.NoError(t, tracker.Touch(context.Background(), "r1"))
	require.NoError(t, tracker.Touch(context.Background(), "r2"))
	require.Len(t, repo.touches, 2)

	repo.touchErr = fmt.Errorf("backend down")
	tracker.Stop(context.Background())

	repo.touchErr = nil
	tracker.Stop(context.Background())
	require.Len(t, repo.touches, 2, "stop clears debounce state before flushing")
}
