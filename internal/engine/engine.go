// Package engine wires the change feed, the entity store, and the domain
// services into one embeddable client. The embedding application constructs
// an Engine, enters rooms, and reads every entity through the store's
// snapshots while the engine keeps them converged in the background.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/roomlive/internal/apperr"
	"github.com/noah-isme/roomlive/internal/chat"
	"github.com/noah-isme/roomlive/internal/config"
	"github.com/noah-isme/roomlive/internal/database"
	"github.com/noah-isme/roomlive/internal/feed"
	"github.com/noah-isme/roomlive/internal/identity"
	"github.com/noah-isme/roomlive/internal/lifecycle"
	"github.com/noah-isme/roomlive/internal/membership"
	"github.com/noah-isme/roomlive/internal/models"
	"github.com/noah-isme/roomlive/internal/observability"
	"github.com/noah-isme/roomlive/internal/presence"
	"github.com/noah-isme/roomlive/internal/repository"
	"github.com/noah-isme/roomlive/internal/store"
)

// Engine is the composition root of the sync client.
type Engine struct {
	cfg    config.Config
	logger zerolog.Logger
	local  identity.Identity

	db    *gorm.DB
	redis *redis.Client
	nc    *nats.Conn

	store        *store.Store
	feed         *feed.Client
	rooms        repository.RoomRepository
	participants repository.ParticipantRepository
	messages     repository.MessageRepository

	lifecycle  *lifecycle.Manager
	membership *membership.Controller
	chat       *chat.Synchronizer
	presence   *presence.Tracker

	mu     sync.Mutex
	subs   map[string]*feed.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects the backing services and assembles the engine. The token
// identifies the local user for every subsequent operation.
func New(cfg config.Config, token string, logger zerolog.Logger) (*Engine, error) {
	local, err := identity.FromToken(token, cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.AutoMigrate(&models.Room{}, &models.Participant{}, &models.Message{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, caching and presence keys disabled")
		redisClient = nil
	}

	nc, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	feedClient, err := feed.NewClient(nc, cfg.FeedSubjectBase, local.UserID, cfg.FeedBufferSize, logger)
	if err != nil {
		return nil, fmt.Errorf("build feed client: %w", err)
	}

	engine := assemble(cfg, local, logger,
		store.New(logger), feedClient, feedClient,
		repository.NewRoomRepository(db),
		repository.NewParticipantRepository(db),
		repository.NewMessageRepository(db),
		redisClient)
	engine.db = db
	engine.redis = redisClient
	engine.nc = nc
	return engine, nil
}

// assemble builds the service graph from already-constructed parts. Split
// out so tests can inject in-memory repositories.
func assemble(cfg config.Config, local identity.Identity, logger zerolog.Logger,
	entityStore *store.Store, feedClient *feed.Client, publisher eventBus,
	rooms repository.RoomRepository, participants repository.ParticipantRepository,
	messages repository.MessageRepository, redisClient *redis.Client) *Engine {

	validate := validator.New(validator.WithRequiredStructEnabled())
	log := logger.With().Str("component", "engine").Logger()

	lifecycleManager := lifecycle.NewManager(entityStore, rooms, publisher, lifecycle.Options{
		ExpiryThreshold: cfg.ExpiryThreshold,
		ExtendIncrement: cfg.ExtendIncrement,
		ForegroundTick:  cfg.ForegroundTick,
		BackgroundTick:  cfg.BackgroundTick,
	}, logger)

	return &Engine{
		cfg:          cfg,
		logger:       log,
		local:        local,
		store:        entityStore,
		feed:         feedClient,
		rooms:        rooms,
		participants: participants,
		messages:     messages,
		lifecycle:    lifecycleManager,
		membership: membership.NewController(rooms, participants, entityStore, publisher,
			lifecycleManager, local, validate, logger),
		chat: chat.NewSynchronizer(messages, entityStore, publisher, redisClient,
			cfg.AppName+":chat", local, validate, logger),
		presence: presence.NewTracker(participants, entityStore, publisher, redisClient,
			cfg.AppName+":presence", local, cfg.PresenceInterval, cfg.PresenceFreshness, logger),
		subs: make(map[string]*feed.Subscription),
	}
}

type eventBus interface {
	Publish(ctx context.Context, roomID, table, eventType string, row any) error
}

// Init starts the background loops. Call Dispose to stop them.
func (e *Engine) Init(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		cancel()
		return
	}
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.lifecycle.Run(runCtx)
	}()

	if e.feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.watchStale(runCtx)
		}()
	}
}

// Dispose stops background work, flushes presence, and releases connections.
func (e *Engine) Dispose(ctx context.Context) {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	subs := e.subs
	e.subs = make(map[string]*feed.Subscription)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	e.wg.Wait()

	e.presence.Stop(ctx)
	if e.nc != nil {
		e.nc.Close()
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to close redis client")
		}
	}
}

// Membership exposes room creation, join, leave, and terminate.
func (e *Engine) Membership() *membership.Controller { return e.membership }

// Chat exposes message sending, editing, history, and polls.
func (e *Engine) Chat() *chat.Synchronizer { return e.chat }

// Presence exposes activity tracking and freshness queries.
func (e *Engine) Presence() *presence.Tracker { return e.presence }

// Lifecycle exposes phase queries, extension, and transition signals.
func (e *Engine) Lifecycle() *lifecycle.Manager { return e.lifecycle }

// Store exposes read-only snapshots of every replicated entity.
func (e *Engine) Store() *store.Store { return e.store }

// Identity returns the authenticated local user.
func (e *Engine) Identity() identity.Identity { return e.local }

// EnterRoom joins a room, loads its current state, and begins applying its
// change feed. Entering a room the user already joined refreshes the local
// snapshot without side effects.
func (e *Engine) EnterRoom(ctx context.Context, roomID string, creds *membership.Credentials) error {
	if err := e.membership.Join(ctx, roomID, creds); err != nil {
		return err
	}
	if err := e.syncRoom(ctx, roomID); err != nil {
		return err
	}

	e.lifecycle.Watch(roomID)
	if err := e.presence.Touch(ctx, roomID); err != nil {
		e.logger.Warn().Err(err).Str("room_id", roomID).Msg("initial presence write failed")
	}

	if e.feed == nil {
		return nil
	}

	e.mu.Lock()
	if _, active := e.subs[roomID]; active {
		e.mu.Unlock()
		return nil
	}
	sub, err := e.feed.Subscribe(roomID)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("subscribe room %q: %w", roomID, err)
	}
	e.subs[roomID] = sub
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drain(roomID, sub.Events())
	}()
	return nil
}

// LeaveRoom leaves a room and tears down its feed subscription.
func (e *Engine) LeaveRoom(ctx context.Context, roomID string) error {
	if err := e.membership.Leave(ctx, roomID); err != nil {
		return err
	}
	e.detach(roomID)
	return nil
}

// TerminateRoom permanently closes an owned room and tears down its feed.
func (e *Engine) TerminateRoom(ctx context.Context, roomID string) error {
	if err := e.membership.Terminate(ctx, roomID); err != nil {
		return err
	}
	e.detach(roomID)
	return nil
}

func (e *Engine) detach(roomID string) {
	e.mu.Lock()
	sub := e.subs[roomID]
	delete(e.subs, roomID)
	e.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	e.lifecycle.Unwatch(roomID)
	e.presence.Forget(roomID)
}

// ListRooms refreshes the active-room directory into the store and returns
// the merged view.
func (e *Engine) ListRooms(ctx context.Context, limit int) ([]store.RoomView, error) {
	rooms, err := e.rooms.ListActive(ctx, limit, 0)
	if err != nil {
		return nil, err
	}
	for _, room := range rooms {
		e.store.ApplyRoom(room)
	}
	return e.store.Rooms(), nil
}

// drain applies a room's feed events until the subscription channel closes.
func (e *Engine) drain(roomID string, events <-chan feed.Event) {
	for ev := range events {
		if err := e.store.ApplyEvent(ev); err != nil {
			e.logger.Warn().Err(err).
				Str("room_id", roomID).
				Str("table", ev.Table).
				Str("type", ev.Type).
				Msg("failed to apply feed event")
			observability.FeedEventsDropped().WithLabelValues("apply_error").Inc()
		}
	}
}

// syncRoom replaces a room's local state with the authoritative rows.
func (e *Engine) syncRoom(ctx context.Context, roomID string) error {
	room, err := e.rooms.GetByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			e.store.EvictRoom(roomID)
		}
		return err
	}
	participants, err := e.participants.ListByRoom(ctx, roomID)
	if err != nil {
		return err
	}
	messages, err := e.messages.ListByRoom(ctx, roomID, time.Time{}, 0)
	if err != nil {
		return err
	}
	e.store.ResetRoom(room, participants, messages)
	return nil
}

// Resync rebuilds a room's state after the feed reports a gap. Retries with
// a fixed backoff; when every attempt fails the subscription is declared
// stale so the caller can surface a reconnect.
func (e *Engine) Resync(ctx context.Context, roomID string) error {
	retries := e.cfg.ResyncMaxRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := e.cfg.ResyncBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if lastErr = e.syncRoom(ctx, roomID); lastErr == nil {
			observability.Resyncs().Inc()
			return nil
		}
		e.logger.Warn().Err(lastErr).
			Str("room_id", roomID).
			Int("attempt", attempt+1).
			Msg("resync attempt failed")
	}
	return fmt.Errorf("resync room %q: %w: %w", roomID, apperr.ErrStaleSubscription, lastErr)
}

// watchStale resyncs every entered room whenever the feed connection drops
// events or reconnects.
func (e *Engine) watchStale(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.feed.Stale():
		}

		e.mu.Lock()
		rooms := make([]string, 0, len(e.subs))
		for roomID := range e.subs {
			rooms = append(rooms, roomID)
		}
		e.mu.Unlock()

		for _, roomID := range rooms {
			if err := e.Resync(ctx, roomID); err != nil {
				e.logger.Error().Err(err).Str("room_id", roomID).Msg("room left stale after resync attempts")
			}
		}
	}
}
