// Package membership enforces who may enter, leave and end a room, keeping
// the optimistic local view and the external store in step.
package membership

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/roomlive/internal/apperr"
	"github.com/noah-isme/roomlive/internal/feed"
	"github.com/noah-isme/roomlive/internal/identity"
	"github.com/noah-isme/roomlive/internal/models"
	"github.com/noah-isme/roomlive/internal/repository"
	"github.com/noah-isme/roomlive/internal/store"
)

type eventPublisher interface {
	Publish(ctx context.Context, roomID, table, eventType string, row any) error
}

type terminator interface {
	MarkTerminated(roomID string)
}

// CreateRoomRequest carries the parameters for a new room.
type CreateRoomRequest struct {
	Name       string        `validate:"required,min=1,max=255"`
	Visibility string        `validate:"omitempty,oneof=public private"`
	Password   string        `validate:"omitempty,min=4,max=72"`
	TTL        time.Duration `validate:"omitempty,min=0"`
}

// Credentials carries what a caller presents when joining a private room.
type Credentials struct {
	Password string
}

// Controller mutates membership on behalf of the local user.
type Controller struct {
	rooms        repository.RoomRepository
	participants repository.ParticipantRepository
	store        *store.Store
	publisher    eventPublisher
	terminator   terminator
	local        identity.Identity
	validate     *validator.Validate
	logger       zerolog.Logger
	tracer       trace.Tracer
	nowFn        func() time.Time
}

// NewController constructs the membership controller for one local user.
func NewController(rooms repository.RoomRepository, participants repository.ParticipantRepository, entityStore *store.Store, publisher eventPublisher, term terminator, local identity.Identity, validate *validator.Validate, logger zerolog.Logger) *Controller {
	return &Controller{
		rooms:        rooms,
		participants: participants,
		store:        entityStore,
		publisher:    publisher,
		terminator:   term,
		local:        local,
		validate:     validate,
		logger:       logger.With().Str("component", "membership_controller").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/roomlive/internal/membership"),
		nowFn:        time.Now,
	}
}

// CreateRoom creates a room owned by the local user; the owner is implicitly
// its first participant. Private rooms get a join code and a bcrypt password
// hash, public rooms carry neither.
func (c *Controller) CreateRoom(ctx context.Context, req CreateRoomRequest) (models.Room, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPublic
	}
	if err := c.validate.Struct(req); err != nil {
		return models.Room{}, err
	}
	if req.Visibility == models.VisibilityPrivate && req.Password == "" {
		return models.Room{}, apperr.Authorization("private room requires a password")
	}

	now := c.nowFn().UTC()
	room := models.Room{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Visibility: req.Visibility,
		OwnerID:    c.local.UserID,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.TTL > 0 {
		deadline := now.Add(req.TTL)
		room.ExpiresAt = &deadline
	}
	if room.Private() {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return models.Room{}, err
		}
		room.PasswordHash = string(hash)
		room.JoinCode = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}

	if err := c.rooms.Create(ctx, &room); err != nil {
		return models.Room{}, err
	}

	owner := models.Participant{RoomID: room.ID, UserID: c.local.UserID, JoinedAt: now, LastActivity: now, UpdatedAt: now}
	if err := c.participants.Upsert(ctx, &owner); err != nil {
		return models.Room{}, err
	}

	c.store.ApplyRoom(room)
	c.store.ApplyParticipant(owner)
	c.store.MarkJoined(room.ID)

	c.publishEvent(ctx, room.ID, feed.TableRooms, feed.EventInsert, room)
	c.publishEvent(ctx, room.ID, feed.TableParticipants, feed.EventInsert, owner)

	return room, nil
}

// Join adds the local user to a room. Public rooms admit on sight; private
// rooms require the password, checked before any mutation. A join for an
// already-held membership is a no-op success.
func (c *Controller) Join(ctx context.Context, roomID string, creds *Credentials) error {
	ctx, span := c.tracer.Start(ctx, "membership.join", trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.String("user.id", c.local.UserID),
	))
	defer span.End()

	room, err := c.resolveRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.Active {
		return apperr.Conflict("join room %q: room is no longer active", roomID)
	}

	if _, exists, err := c.participants.Get(ctx, roomID, c.local.UserID); err != nil {
		return err
	} else if exists {
		c.store.MarkJoined(roomID)
		return nil
	}

	if room.Private() {
		// Feed events never carry the password hash, so a cached copy may be
		// missing it; refetch from the store of record before comparing.
		if room.PasswordHash == "" {
			room, err = c.rooms.GetByID(ctx, roomID)
			if err != nil {
				return err
			}
		}
		if creds == nil || bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(creds.Password)) != nil {
			return apperr.Authorization("join room %q: wrong password", roomID)
		}
	}

	now := c.nowFn().UTC()
	participant := models.Participant{RoomID: roomID, UserID: c.local.UserID, JoinedAt: now, LastActivity: now, UpdatedAt: now}

	// Optimistic local insert; rolled back if the store refuses the write.
	c.store.ApplyParticipant(participant)
	c.store.MarkJoined(roomID)

	if err := c.participants.Upsert(ctx, &participant); err != nil {
		c.store.RemoveParticipant(roomID, c.local.UserID)
		c.store.MarkLeft(roomID)
		span.RecordError(err)
		return err
	}

	c.publishEvent(ctx, roomID, feed.TableParticipants, feed.EventInsert, participant)
	return nil
}

// JoinByCode resolves a private room through its join code, then joins it.
func (c *Controller) JoinByCode(ctx context.Context, code string, creds *Credentials) (models.Room, error) {
	room, err := c.rooms.GetByJoinCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return models.Room{}, err
	}
	c.store.ApplyRoom(room)
	if err := c.Join(ctx, room.ID, creds); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// Leave removes the local user's own membership row. The owner leaving does
// not terminate the room; ownership lives on the room entity, not on
// participant presence.
func (c *Controller) Leave(ctx context.Context, roomID string) error {
	participant, cached := c.store.Participant(roomID, c.local.UserID)

	c.store.RemoveParticipant(roomID, c.local.UserID)
	c.store.MarkLeft(roomID)

	existed, err := c.participants.Delete(ctx, roomID, c.local.UserID)
	if err != nil {
		if cached {
			c.store.ApplyParticipant(participant)
			c.store.MarkJoined(roomID)
		}
		return err
	}
	if !existed {
		return nil
	}

	c.publishEvent(ctx, roomID, feed.TableParticipants, feed.EventDelete,
		models.Participant{RoomID: roomID, UserID: c.local.UserID})
	return nil
}

// Terminate ends a room. Only the owner may do so; anyone else is rejected
// before any state is touched. Terminating an already-terminated room reports
// a conflict the caller can treat as a success no-op.
func (c *Controller) Terminate(ctx context.Context, roomID string) error {
	ctx, span := c.tracer.Start(ctx, "membership.terminate", trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.String("user.id", c.local.UserID),
	))
	defer span.End()

	room, err := c.resolveRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != c.local.UserID {
		return apperr.Authorization("terminate room %q: caller is not the owner", roomID)
	}

	updated, err := c.rooms.SetActive(ctx, roomID, false)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if _, err := c.participants.DeleteByRoom(ctx, roomID); err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to clear participants of terminated room")
	}

	c.store.ApplyRoom(updated)
	c.store.ClearParticipants(roomID)
	c.store.MarkLeft(roomID)
	if c.terminator != nil {
		c.terminator.MarkTerminated(roomID)
	}

	c.publishEvent(ctx, roomID, feed.TableRooms, feed.EventUpdate, updated)
	return nil
}

// resolveRoom prefers the local cache and falls back to the store of record.
// A room the backing store no longer knows is evicted locally.
func (c *Controller) resolveRoom(ctx context.Context, roomID string) (models.Room, error) {
	if view, ok := c.store.Room(roomID); ok {
		return view.Room, nil
	}

	room, err := c.rooms.GetByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			c.store.EvictRoom(roomID)
		}
		return models.Room{}, err
	}
	c.store.ApplyRoom(room)
	return room, nil
}

func (c *Controller) publishEvent(ctx context.Context, roomID, table, eventType string, row any) {
	if err := c.publisher.Publish(ctx, roomID, table, eventType, row); err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID).Str("table", table).Msg("failed to publish membership event")
	}
}
