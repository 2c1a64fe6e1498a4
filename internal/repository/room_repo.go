package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/roomlive/internal/apperr"
	"github.com/noah-isme/roomlive/internal/models"
)

// RoomRepository persists rooms in the external relational store.
type RoomRepository interface {
	Create(ctx context.Context, room *models.Room) error
	GetByID(ctx context.Context, id string) (models.Room, error)
	GetByJoinCode(ctx context.Context, code string) (models.Room, error)
	ListActive(ctx context.Context, limit, offset int) ([]models.Room, error)
	Update(ctx context.Context, room *models.Room) error
	SetActive(ctx context.Context, id string, active bool) (models.Room, error)
	SetExpiry(ctx context.Context, id string, expiresAt *time.Time) (models.Room, error)
}

type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository constructs a room repository backed by GORM.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) Create(ctx context.Context, room *models.Room) error {
	return r.db.WithContext(ctx).Create(room).Error
}

func (r *roomRepository) GetByID(ctx context.Context, id string) (models.Room, error) {
	var room models.Room
	err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Room{}, apperr.NotFound("room", id)
	}
	if err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (r *roomRepository) GetByJoinCode(ctx context.Context, code string) (models.Room, error) {
	var room models.Room
	err := r.db.WithContext(ctx).First(&room, "join_code = ? AND active = ?", code, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Room{}, apperr.NotFound("room with join code", code)
	}
	if err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (r *roomRepository) ListActive(ctx context.Context, limit, offset int) ([]models.Room, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var rooms []models.Room
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}

	return rooms, nil
}

func (r *roomRepository) Update(ctx context.Context, room *models.Room) error {
	result := r.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", room.ID).Updates(room)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperr.NotFound("room", room.ID)
	}
	return nil
}

// SetActive flips the active flag and returns the refreshed row. Flipping a
// room that is already in the requested state reports a conflict so callers
// can treat double-termination as a no-op.
func (r *roomRepository) SetActive(ctx context.Context, id string, active bool) (models.Room, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Room{}).
		Where("id = ? AND active = ?", id, !active).
		Update("active", active)
	if result.Error != nil {
		return models.Room{}, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return models.Room{}, err
		}
		return models.Room{}, apperr.Conflict("room %q already active=%v", id, active)
	}

	return r.GetByID(ctx, id)
}

func (r *roomRepository) SetExpiry(ctx context.Context, id string, expiresAt *time.Time) (models.Room, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Room{}).
		Where("id = ?", id).
		Update("expires_at", expiresAt)
	if result.Error != nil {
		return models.Room{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.Room{}, apperr.NotFound("room", id)
	}

	return r.GetByID(ctx, id)
}
