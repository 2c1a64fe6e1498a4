package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/roomlive/internal/apperr"
	"github.com/noah-isme/roomlive/internal/models"
)

// MessageRepository persists chat messages in the external store.
type MessageRepository interface {
	Save(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id string) (models.Message, error)
	ListByRoom(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error)
	LatestByRoom(ctx context.Context, roomID string) (models.Message, error)
	UpdateContent(ctx context.Context, id, content string) (models.Message, error)
	UpdateMetadata(ctx context.Context, id string, metadata datatypes.JSONMap) (models.Message, error)
	MarkDeleted(ctx context.Context, id string) (models.Message, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Save(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *messageRepository) GetByID(ctx context.Context, id string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).First(&message, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Message{}, apperr.NotFound("message", id)
	}
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) ListByRoom(ctx context.Context, roomID string, before time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.Message
	if err := query.Order("created_at DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *messageRepository) LatestByRoom(ctx context.Context, roomID string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND deleted = ?", roomID, false).
		Order("created_at DESC").
		First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Message{}, apperr.NotFound("latest message for room", roomID)
	}
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) UpdateContent(ctx context.Context, id, content string) (models.Message, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND deleted = ?", id, false).
		Update("content", content)
	if result.Error != nil {
		return models.Message{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.Message{}, apperr.NotFound("message", id)
	}

	return r.GetByID(ctx, id)
}

func (r *messageRepository) UpdateMetadata(ctx context.Context, id string, metadata datatypes.JSONMap) (models.Message, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		Update("metadata", metadata)
	if result.Error != nil {
		return models.Message{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.Message{}, apperr.NotFound("message", id)
	}

	return r.GetByID(ctx, id)
}

// MarkDeleted tombstones the message: the row keeps its id and timestamps so
// clients preserve ordering, only the deleted flag flips.
func (r *messageRepository) MarkDeleted(ctx context.Context, id string) (models.Message, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND deleted = ?", id, false).
		Update("deleted", true)
	if result.Error != nil {
		return models.Message{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.Message{}, apperr.NotFound("message", id)
	}

	return r.GetByID(ctx, id)
}
