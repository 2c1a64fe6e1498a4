// Package presence keeps the local user's activity timestamps fresh and
// answers whether other participants look alive. Writes are debounced so a
// busy UI cannot flood the store; reads prefer a short-lived Redis key and
// fall back to the replicated last-activity column when Redis is unavailable.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/roomlive/internal/feed"
	"github.com/noah-isme/roomlive/internal/identity"
	"github.com/noah-isme/roomlive/internal/models"
	"github.com/noah-isme/roomlive/internal/observability"
	"github.com/noah-isme/roomlive/internal/repository"
	"github.com/noah-isme/roomlive/internal/store"
)

type eventPublisher interface {
	Publish(ctx context.Context, roomID, table, eventType string, row any) error
}

// Tracker debounces last-activity writes for the local user and derives
// online state for everyone else.
type Tracker struct {
	participants repository.ParticipantRepository
	store        *store.Store
	publisher    eventPublisher
	redis        *redis.Client
	keyBase      string
	local        identity.Identity
	interval     time.Duration
	freshness    time.Duration
	logger       zerolog.Logger

	mu        sync.Mutex
	lastWrite map[string]time.Time

	nowFn func() time.Time
}

// NewTracker builds a Tracker. redisClient may be nil; freshness checks then
// rely on the replicated participant rows alone.
func NewTracker(participants repository.ParticipantRepository, entityStore *store.Store, publisher eventPublisher, redisClient *redis.Client, keyBase string, local identity.Identity, interval, freshness time.Duration, logger zerolog.Logger) *Tracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if freshness <= 0 {
		freshness = 2 * interval
	}
	return &Tracker{
		participants: participants,
		store:        entityStore,
		publisher:    publisher,
		redis:        redisClient,
		keyBase:      keyBase,
		local:        local,
		interval:     interval,
		freshness:    freshness,
		logger:       logger.With().Str("component", "presence").Logger(),
		lastWrite:    make(map[string]time.Time),
		nowFn:        time.Now,
	}
}

// Touch records activity in a room. Calls inside the debounce window are
// absorbed without any I/O, so the UI can invoke this on every keystroke.
func (t *Tracker) Touch(ctx context.Context, roomID string) error {
	now := t.nowFn().UTC()

	t.mu.Lock()
	last, seen := t.lastWrite[roomID]
	if seen && now.Sub(last) < t.interval {
		t.mu.Unlock()
		return nil
	}
	t.lastWrite[roomID] = now
	t.mu.Unlock()

	wrote, err := t.write(ctx, roomID, now)
	if err != nil || !wrote {
		// Roll back the debounce stamp so the next Touch retries. A zero-row
		// update means the membership row is gone; that is not an error, but
		// it must not consume the window or count as a presence write.
		t.mu.Lock()
		if t.lastWrite[roomID].Equal(now) {
			if seen {
				t.lastWrite[roomID] = last
			} else {
				delete(t.lastWrite, roomID)
			}
		}
		t.mu.Unlock()
	}
	return err
}

func (t *Tracker) write(ctx context.Context, roomID string, now time.Time) (bool, error) {
	wrote, err := t.participants.TouchActivity(ctx, roomID, t.local.UserID, now)
	if err != nil {
		return false, fmt.Errorf("touch activity: %w", err)
	}
	if !wrote {
		t.logger.Debug().Str("room_id", roomID).Msg("no membership row to touch")
		return false, nil
	}

	if current, ok := t.store.Participant(roomID, t.local.UserID); ok {
		current.LastActivity = now
		current.UpdatedAt = now
		t.store.ApplyParticipant(current)
		if t.publisher != nil {
			if err := t.publisher.Publish(ctx, roomID, feed.TableParticipants, feed.EventUpdate, current); err != nil {
				t.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to publish presence update")
			}
		}
	}

	t.markFresh(ctx, roomID, t.local.UserID)
	observability.PresenceWrites().Inc()
	return true, nil
}

func (t *Tracker) markFresh(ctx context.Context, roomID, userID string) {
	if t.redis == nil {
		return
	}
	if err := t.redis.Set(ctx, t.key(roomID, userID), "1", t.freshness).Err(); err != nil {
		t.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to set presence key")
	}
}

// Online reports whether a participant showed activity within the freshness
// window. The Redis key wins when present since it sees writes from every
// client immediately; otherwise the replicated last-activity column decides.
func (t *Tracker) Online(ctx context.Context, roomID, userID string) bool {
	if t.redis != nil {
		n, err := t.redis.Exists(ctx, t.key(roomID, userID)).Result()
		if err == nil && n > 0 {
			return true
		}
		if err != nil {
			t.logger.Debug().Err(err).Msg("presence key lookup failed, falling back to store")
		}
	}

	participant, ok := t.store.Participant(roomID, userID)
	if !ok {
		return false
	}
	return t.nowFn().UTC().Sub(participant.LastActivity) <= t.freshness
}

// OnlineParticipants filters a room's membership down to currently fresh
// entries, sorted the way the store returns them.
func (t *Tracker) OnlineParticipants(ctx context.Context, roomID string) []models.Participant {
	var online []models.Participant
	for _, p := range t.store.Participants(roomID) {
		if t.Online(ctx, roomID, p.UserID) {
			online = append(online, p)
		}
	}
	return online
}

// Forget drops the debounce state for a room, typically after leaving it.
func (t *Tracker) Forget(roomID string) {
	t.mu.Lock()
	delete(t.lastWrite, roomID)
	t.mu.Unlock()
}

// Stop flushes one final activity write per touched room. Failures are
// logged and ignored; teardown must not block on a flaky backend.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	rooms := make([]string, 0, len(t.lastWrite))
	for roomID := range t.lastWrite {
		rooms = append(rooms, roomID)
	}
	t.lastWrite = make(map[string]time.Time)
	t.mu.Unlock()

	now := t.nowFn().UTC()
	for _, roomID := range rooms {
		if _, err := t.write(ctx, roomID, now); err != nil {
			t.logger.Warn().Err(err).Str("room_id", roomID).Msg("final presence write failed")
		}
	}
}

func (t *Tracker) key(roomID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", t.keyBase, roomID, userID)
}
