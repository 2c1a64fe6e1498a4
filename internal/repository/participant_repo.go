package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/roomlive/internal/models"
)

// ParticipantRepository persists room membership rows in the external store.
type ParticipantRepository interface {
	Upsert(ctx context.Context, participant *models.Participant) error
	Get(ctx context.Context, roomID, userID string) (models.Participant, bool, error)
	ListByRoom(ctx context.Context, roomID string) ([]models.Participant, error)
	CountByRoom(ctx context.Context, roomID string) (int64, error)
	Delete(ctx context.Context, roomID, userID string) (bool, error)
	DeleteByRoom(ctx context.Context, roomID string) (int64, error)
	TouchActivity(ctx context.Context, roomID, userID string, at time.Time) (bool, error)
}

type participantRepository struct {
	db *gorm.DB
}

// NewParticipantRepository constructs a participant repository backed by GORM.
func NewParticipantRepository(db *gorm.DB) ParticipantRepository {
	return &participantRepository{db: db}
}

// Upsert inserts the membership row or refreshes it if the (room, user) pair
// already exists, keeping join idempotent under races.
func (r *participantRepository) Upsert(ctx context.Context, participant *models.Participant) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_activity", "updated_at"}),
		}).
		Create(participant).Error
}

func (r *participantRepository) Get(ctx context.Context, roomID, userID string) (models.Participant, bool, error) {
	var participant models.Participant
	err := r.db.WithContext(ctx).
		First(&participant, "room_id = ? AND user_id = ?", roomID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Participant{}, false, nil
	}
	if err != nil {
		return models.Participant{}, false, err
	}
	return participant, true, nil
}

func (r *participantRepository) ListByRoom(ctx context.Context, roomID string) ([]models.Participant, error) {
	var participants []models.Participant
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Find(&participants).Error
	if err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *participantRepository) CountByRoom(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("room_id = ?", roomID).
		Count(&count).Error
	return count, err
}

// Delete removes the membership row and reports whether a row existed.
func (r *participantRepository) Delete(ctx context.Context, roomID, userID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&models.Participant{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteByRoom clears all membership rows when a room is terminated.
func (r *participantRepository) DeleteByRoom(ctx context.Context, roomID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Delete(&models.Participant{})
	return result.RowsAffected, result.Error
}

// TouchActivity refreshes the activity stamps and reports whether a
// membership row was actually updated.
func (r *participantRepository) TouchActivity(ctx context.Context, roomID, userID string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Updates(map[string]interface{}{"last_activity": at, "updated_at": at})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
