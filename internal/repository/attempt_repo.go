package repository

import (
	"context"

	"github.com/buildrelay/buildrelay/internal/domain"
	"gorm.io/gorm"
)

// AttemptRepository persists delivery attempt records. Long-term retention
// is the storage collaborator's concern; the engine only creates and
// mutates attempts during a dispatch cycle.
type AttemptRepository interface {
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	Update(ctx context.Context, a *domain.DeliveryAttempt) error
	ListByRepository(ctx context.Context, repositoryID string, limit int) ([]domain.DeliveryAttempt, error)
	ListByConfig(ctx context.Context, configID string) ([]domain.DeliveryAttempt, error)
}

const defaultAttemptListLimit = 50

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

func (r *GormAttemptRepo) Update(ctx context.Context, a *domain.DeliveryAttempt) error {
	if a == nil {
		return domain.ErrNotFound
	}

	result := r.db.WithContext(ctx).
		Model(&AttemptModel{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{
			"outcome":       a.Outcome,
			"attempt_count": a.AttemptCount,
			"last_error":    a.LastError,
			"next_retry_at": a.NextRetryAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormAttemptRepo) ListByRepository(ctx context.Context, repositoryID string, limit int) ([]domain.DeliveryAttempt, error) {
	if limit < 1 {
		limit = defaultAttemptListLimit
	}

	var models []AttemptModel
	err := r.db.WithContext(ctx).
		Where("repository_id = ?", repositoryID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

func (r *GormAttemptRepo) ListByConfig(ctx context.Context, configID string) ([]domain.DeliveryAttempt, error) {
	var models []AttemptModel
	err := r.db.WithContext(ctx).
		Where("config_id = ?", configID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}
