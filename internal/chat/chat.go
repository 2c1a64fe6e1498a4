// Package chat synchronizes a room's message sequence: local sends, edits and
// tombstone deletes flow through the external store and come back as feed
// echoes that confirm the optimistic entries in place.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/roomlive/internal/apperr"
	"github.com/noah-isme/roomlive/internal/feed"
	"github.com/noah-isme/roomlive/internal/identity"
	"github.com/noah-isme/roomlive/internal/models"
	"github.com/noah-isme/roomlive/internal/observability"
	"github.com/noah-isme/roomlive/internal/repository"
	"github.com/noah-isme/roomlive/internal/store"
)

const lastMessageTTL = 30 * time.Minute

type eventPublisher interface {
	Publish(ctx context.Context, roomID, table, eventType string, row any) error
}

// SendRequest carries a new message from the embedding UI.
type SendRequest struct {
	RoomID   string            `validate:"required"`
	Content  string            `validate:"required"`
	Type     string            `validate:"omitempty,oneof=text code poll link quote"`
	Metadata datatypes.JSONMap `validate:"-"`
}

// Synchronizer appends, edits and tombstones messages for the local user.
type Synchronizer struct {
	messages  repository.MessageRepository
	store     *store.Store
	publisher eventPublisher
	redis     *redis.Client
	cacheKey  string
	local     identity.Identity
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	nowFn     func() time.Time
}

// NewSynchronizer constructs the message synchronizer. redisClient may be nil;
// the last-message cache is then skipped.
func NewSynchronizer(messages repository.MessageRepository, entityStore *store.Store, publisher eventPublisher, redisClient *redis.Client, cacheBase string, local identity.Identity, validate *validator.Validate, logger zerolog.Logger) *Synchronizer {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	cacheKey := ""
	if cacheBase != "" {
		cacheKey = cacheBase + ":last"
	}

	return &Synchronizer{
		messages:  messages,
		store:     entityStore,
		publisher: publisher,
		redis:     redisClient,
		cacheKey:  cacheKey,
		local:     local,
		validate:  validate,
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "message_synchronizer").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/roomlive/internal/chat"),
		nowFn:     time.Now,
	}
}

// Send appends a message. The optimistic entry enters the local sequence
// immediately under a client-generated correlation id; the confirmed row
// replaces it in place, so the sequence length never flickers.
func (s *Synchronizer) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	req.RoomID = strings.TrimSpace(req.RoomID)
	if err := s.validate.Struct(req); err != nil {
		return models.Message{}, err
	}
	if !s.store.Joined(req.RoomID) {
		return models.Message{}, apperr.Authorization("send to room %q: not a participant", req.RoomID)
	}

	clean := strings.TrimSpace(s.sanitizer.Sanitize(req.Content))
	if clean == "" {
		return models.Message{}, fmt.Errorf("message content empty after sanitization")
	}

	messageType := req.Type
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	correlationID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.room_id", req.RoomID),
		attribute.String("chat.type", messageType),
		attribute.String("correlation_id", correlationID),
	))
	defer span.End()

	now := s.nowFn().UTC()
	pending := models.Message{
		ID:            "pending-" + correlationID,
		RoomID:        req.RoomID,
		AuthorID:      s.local.UserID,
		Content:       clean,
		Type:          messageType,
		Metadata:      req.Metadata,
		CorrelationID: correlationID,
		CreatedAt:     now,
	}
	s.store.InsertPending(pending)

	confirmed := pending
	confirmed.ID = uuid.NewString()
	confirmed.UpdatedAt = now
	if err := s.messages.Save(ctx, &confirmed); err != nil {
		s.store.DropPending(req.RoomID, correlationID)
		span.RecordError(err)
		return models.Message{}, err
	}

	// The feed echo will arrive too, but applying the confirmed row here makes
	// the local view converge without waiting; the echo then no-ops.
	s.store.ApplyMessage(confirmed)
	s.cacheLastMessage(ctx, confirmed)
	s.publishEvent(ctx, req.RoomID, feed.EventInsert, confirmed)

	observability.MessagesSent().WithLabelValues(messageType).Inc()
	return confirmed, nil
}

// Edit replaces a message's content. Author-only; the id and chronological
// position are preserved.
func (s *Synchronizer) Edit(ctx context.Context, roomID, messageID, content string) (models.Message, error) {
	current, err := s.resolveMessage(ctx, roomID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if current.AuthorID != s.local.UserID {
		return models.Message{}, apperr.Authorization("edit message %q: caller is not the author", messageID)
	}
	if current.Deleted {
		return models.Message{}, apperr.Conflict("edit message %q: message is deleted", messageID)
	}

	clean := strings.TrimSpace(s.sanitizer.Sanitize(content))
	if clean == "" {
		return models.Message{}, fmt.Errorf("message content empty after sanitization")
	}

	updated, err := s.messages.UpdateContent(ctx, messageID, clean)
	if err != nil {
		return models.Message{}, err
	}

	s.store.ApplyMessage(updated)
	s.publishEvent(ctx, roomID, feed.EventUpdate, updated)
	return updated, nil
}

// Delete tombstones a message. Author-only; the id never leaves the ordered
// sequence, so peer pagination stays stable.
func (s *Synchronizer) Delete(ctx context.Context, roomID, messageID string) error {
	current, err := s.resolveMessage(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if current.AuthorID != s.local.UserID {
		return apperr.Authorization("delete message %q: caller is not the author", messageID)
	}
	if current.Deleted {
		return nil
	}

	tombstone, err := s.messages.MarkDeleted(ctx, messageID)
	if err != nil {
		return err
	}

	s.store.TombstoneMessage(roomID, messageID)
	s.publishEvent(ctx, roomID, feed.EventUpdate, tombstone)
	return nil
}

// History loads older messages from the store of record into the local
// sequence and returns the room's refreshed snapshot.
func (s *Synchronizer) History(ctx context.Context, roomID string, before time.Time, limit int) ([]store.StoredMessage, error) {
	messages, err := s.messages.ListByRoom(ctx, roomID, before, limit)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		s.store.ApplyMessage(m)
	}
	return s.store.Messages(roomID), nil
}

func (s *Synchronizer) resolveMessage(ctx context.Context, roomID, messageID string) (models.Message, error) {
	if cached, ok := s.store.Message(roomID, messageID); ok {
		return cached.Message, nil
	}
	return s.messages.GetByID(ctx, messageID)
}

func (s *Synchronizer) cacheLastMessage(ctx context.Context, message models.Message) {
	if s.redis == nil || s.cacheKey == "" {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal message for cache")
		return
	}

	key := fmt.Sprintf("%s:%s", s.cacheKey, message.RoomID)
	if err := s.redis.Set(ctx, key, payload, lastMessageTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache last message")
	}
}

// LastMessage returns the cached most recent message for a room list entry,
// or nil when the cache misses.
func (s *Synchronizer) LastMessage(ctx context.Context, roomID string) *models.Message {
	if s.redis == nil || s.cacheKey == "" {
		return nil
	}

	key := fmt.Sprintf("%s:%s", s.cacheKey, roomID)
	result, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return nil
	}

	var message models.Message
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		s.logger.Warn().Err(err).Msg("failed to unmarshal cached message")
		return nil
	}

	return &message
}

func (s *Synchronizer) publishEvent(ctx context.Context, roomID, eventType string, row any) {
	if err := s.publisher.Publish(ctx, roomID, feed.TableMessages, eventType, row); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to publish message event")
	}
}
