// Package lifecycle drives room expiry. One centralized scheduler ticks every
// cached room instead of each view running its own countdown, so all views of
// a room agree on its phase and a transition fires exactly once per client.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/roomlive/internal/apperr"
	"github.com/noah-isme/roomlive/internal/feed"
	"github.com/noah-isme/roomlive/internal/models"
	"github.com/noah-isme/roomlive/internal/observability"
	"github.com/noah-isme/roomlive/internal/repository"
	"github.com/noah-isme/roomlive/internal/store"
)

// Phase is a room's position in its lifecycle state machine.
type Phase string

const (
	PhaseActive       Phase = "active"
	PhaseExpiringSoon Phase = "expiring_soon"
	PhaseExpired      Phase = "expired"
	PhaseTerminated   Phase = "terminated"
)

// Terminal reports whether no further transitions can occur.
func (p Phase) Terminal() bool { return p == PhaseExpired || p == PhaseTerminated }

// Signal notifies the embedding UI of a phase change it must act on:
// ExpiringSoon drives countdown warnings, Expired/Terminated drive navigation
// away from the room.
type Signal struct {
	RoomID    string
	Phase     Phase
	Remaining time.Duration
}

const signalBufferSize = 32

type eventPublisher interface {
	Publish(ctx context.Context, roomID, table, eventType string, row any) error
}

// Manager owns the expiry scheduler and the per-room phase machine.
type Manager struct {
	store     *store.Store
	rooms     repository.RoomRepository
	publisher eventPublisher
	logger    zerolog.Logger

	threshold      time.Duration
	extendBy       time.Duration
	foregroundTick time.Duration
	backgroundTick time.Duration

	mu        sync.Mutex
	phases    map[string]Phase
	watched   map[string]struct{}
	lastSweep time.Time

	signals chan Signal
	nowFn   func() time.Time
}

// Options carries the scheduler's tunables, normally sourced from config.
type Options struct {
	ExpiryThreshold time.Duration
	ExtendIncrement time.Duration
	ForegroundTick  time.Duration
	BackgroundTick  time.Duration
}

// NewManager constructs the lifecycle manager. It does not start ticking
// until Run is called.
func NewManager(entityStore *store.Store, rooms repository.RoomRepository, publisher eventPublisher, opts Options, logger zerolog.Logger) *Manager {
	if opts.ExpiryThreshold <= 0 {
		opts.ExpiryThreshold = 30 * time.Second
	}
	if opts.ExtendIncrement <= 0 {
		opts.ExtendIncrement = 30 * time.Minute
	}
	if opts.ForegroundTick <= 0 {
		opts.ForegroundTick = time.Second
	}
	if opts.BackgroundTick <= 0 {
		opts.BackgroundTick = time.Minute
	}

	return &Manager{
		store:          entityStore,
		rooms:          rooms,
		publisher:      publisher,
		logger:         logger.With().Str("component", "lifecycle_manager").Logger(),
		threshold:      opts.ExpiryThreshold,
		extendBy:       opts.ExtendIncrement,
		foregroundTick: opts.ForegroundTick,
		backgroundTick: opts.BackgroundTick,
		phases:         make(map[string]Phase),
		watched:        make(map[string]struct{}),
		signals:        make(chan Signal, signalBufferSize),
		nowFn:          time.Now,
	}
}

// Signals delivers phase transitions to the embedding UI.
func (m *Manager) Signals() <-chan Signal { return m.signals }

// Watch promotes a room to the 1 Hz foreground cadence while it is on screen.
func (m *Manager) Watch(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[roomID] = struct{}{}
}

// Unwatch demotes a room back to the background cadence. Safe to call for
// rooms that were never watched.
func (m *Manager) Unwatch(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, roomID)
}

// Run ticks until the context is cancelled. Errors inside a tick are logged
// and deferred to the next tick, never propagated.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.foregroundTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick recomputes time-remaining for foreground rooms every call and for
// background rooms once per background interval.
func (m *Manager) tick() {
	now := m.nowFn()

	m.mu.Lock()
	sweepBackground := m.lastSweep.IsZero() || now.Sub(m.lastSweep) >= m.backgroundTick
	if sweepBackground {
		m.lastSweep = now
	}
	watched := make(map[string]struct{}, len(m.watched))
	for id := range m.watched {
		watched[id] = struct{}{}
	}
	m.mu.Unlock()

	for _, view := range m.store.Rooms() {
		if _, foreground := watched[view.ID]; !foreground && !sweepBackground {
			continue
		}
		m.evaluate(view, now)
	}
}

func (m *Manager) evaluate(view store.RoomView, now time.Time) {
	m.mu.Lock()
	phase, known := m.phases[view.ID]
	m.mu.Unlock()
	if known && phase.Terminal() {
		return
	}

	if !view.Active {
		m.transition(view.ID, PhaseTerminated, 0)
		m.store.ClearParticipants(view.ID)
		return
	}

	// A room without a deadline never transitions on its own.
	if view.ExpiresAt == nil {
		m.setPhase(view.ID, PhaseActive)
		return
	}

	remaining := view.ExpiresAt.Sub(now)
	switch {
	case remaining <= 0:
		stamped := view.Room
		stamped.Active = false
		stamped.UpdatedAt = now
		m.store.ApplyRoom(stamped)
		m.store.ClearParticipants(view.ID)
		m.transition(view.ID, PhaseExpired, 0)
	case remaining <= m.threshold:
		if phase != PhaseExpiringSoon {
			m.transition(view.ID, PhaseExpiringSoon, remaining)
		}
	default:
		m.setPhase(view.ID, PhaseActive)
	}
}

// MarkTerminated records an explicit owner-initiated termination, firing the
// terminal signal without waiting for the next expiry evaluation.
func (m *Manager) MarkTerminated(roomID string) {
	m.mu.Lock()
	phase := m.phases[roomID]
	m.mu.Unlock()
	if phase.Terminal() {
		return
	}
	m.transition(roomID, PhaseTerminated, 0)
}

// Extend pushes a room's deadline out by the configured increment. Owner-only.
// Clearing the threshold also resets an ExpiringSoon room back to Active.
func (m *Manager) Extend(ctx context.Context, roomID, callerID string) (models.Room, error) {
	view, ok := m.store.Room(roomID)
	var current models.Room
	if ok {
		current = view.Room
	} else {
		fetched, err := m.rooms.GetByID(ctx, roomID)
		if err != nil {
			return models.Room{}, err
		}
		current = fetched
	}

	if current.OwnerID != callerID {
		return models.Room{}, apperr.Authorization("extend room %q: caller is not the owner", roomID)
	}
	if !current.Active {
		return models.Room{}, apperr.Conflict("extend room %q: room is no longer active", roomID)
	}

	now := m.nowFn()
	baseline := now
	if current.ExpiresAt != nil && current.ExpiresAt.After(now) {
		baseline = *current.ExpiresAt
	}
	deadline := baseline.Add(m.extendBy)

	updated, err := m.rooms.SetExpiry(ctx, roomID, &deadline)
	if err != nil {
		return models.Room{}, err
	}

	m.store.ApplyRoom(updated)
	if deadline.Sub(now) > m.threshold {
		m.setPhase(roomID, PhaseActive)
	}

	if err := m.publisher.Publish(ctx, roomID, feed.TableRooms, feed.EventUpdate, updated); err != nil {
		m.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to publish room extension")
	}

	return updated, nil
}

// Phase returns the room's current phase, defaulting to Active for rooms the
// scheduler has not evaluated yet.
func (m *Manager) Phase(roomID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if phase, ok := m.phases[roomID]; ok {
		return phase
	}
	return PhaseActive
}

// TimeRemaining computes the countdown for a room, zero when expired or
// deadline-free.
func (m *Manager) TimeRemaining(roomID string) time.Duration {
	view, ok := m.store.Room(roomID)
	if !ok || view.ExpiresAt == nil {
		return 0
	}
	remaining := view.ExpiresAt.Sub(m.nowFn())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (m *Manager) setPhase(roomID string, phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases[roomID] = phase
}

// transition moves a room to a new phase exactly once and emits the signal.
func (m *Manager) transition(roomID string, phase Phase, remaining time.Duration) {
	m.mu.Lock()
	if m.phases[roomID] == phase {
		m.mu.Unlock()
		return
	}
	m.phases[roomID] = phase
	_, watched := m.watched[roomID]
	m.mu.Unlock()

	observability.LifecycleTransitions().WithLabelValues(string(phase)).Inc()
	m.logger.Info().Str("room_id", roomID).Str("phase", string(phase)).Msg("room phase transition")

	// Signals drive navigation in the embedding UI; phase changes on
	// directory entries the user never entered stay internal.
	if !watched && !m.store.Joined(roomID) {
		return
	}

	select {
	case m.signals <- Signal{RoomID: roomID, Phase: phase, Remaining: remaining}:
	default:
		m.logger.Warn().Str("room_id", roomID).Msg("dropping lifecycle signal for slow consumer")
	}
}
