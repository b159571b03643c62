package repository

import (
	"context"
	"errors"

	"github.com/buildrelay/buildrelay/internal/domain"
	"gorm.io/gorm"
)

// ConfigRepository persists notification configurations. Implementations
// treat single-record writes as atomic; no multi-record transactions are
// required by the engine.
type ConfigRepository interface {
	Create(ctx context.Context, c *domain.NotificationConfig) error
	Update(ctx context.Context, c *domain.NotificationConfig) error
	GetByRepoAndKind(ctx context.Context, repositoryID string, kind domain.ChannelKind) (*domain.NotificationConfig, error)
	DeleteByRepoAndKind(ctx context.Context, repositoryID string, kind domain.ChannelKind) error
	List(ctx context.Context, repositoryID string) ([]domain.NotificationConfig, error)
	ListEnabled(ctx context.Context, repositoryID string) ([]domain.NotificationConfig, error)
}

type GormConfigRepo struct {
	db *gorm.DB
}

func NewGormConfigRepo(db *gorm.DB) *GormConfigRepo {
	return &GormConfigRepo{db: db}
}

func (r *GormConfigRepo) Create(ctx context.Context, c *domain.NotificationConfig) error {
	model := configModelFromDomain(c)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if c != nil {
		*c = *configModelToDomain(model)
	}
	return nil
}

func (r *GormConfigRepo) Update(ctx context.Context, c *domain.NotificationConfig) error {
	if c == nil {
		return domain.ErrNotFound
	}

	result := r.db.WithContext(ctx).
		Model(&ConfigModel{}).
		Where("id = ?", c.ID).
		Updates(map[string]any{
			"settings": configModelFromDomain(c).Settings,
			"enabled":  c.Enabled,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormConfigRepo) GetByRepoAndKind(ctx context.Context, repositoryID string, kind domain.ChannelKind) (*domain.NotificationConfig, error) {
	var model ConfigModel
	err := r.db.WithContext(ctx).
		Where("repository_id = ? AND kind = ?", repositoryID, kind).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return configModelToDomain(&model), nil
}

func (r *GormConfigRepo) DeleteByRepoAndKind(ctx context.Context, repositoryID string, kind domain.ChannelKind) error {
	result := r.db.WithContext(ctx).
		Where("repository_id = ? AND kind = ?", repositoryID, kind).
		Delete(&ConfigModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormConfigRepo) List(ctx context.Context, repositoryID string) ([]domain.NotificationConfig, error) {
	query := r.db.WithContext(ctx).Model(&ConfigModel{})
	if repositoryID != "" {
		query = query.Where("repository_id = ?", repositoryID)
	}

	var models []ConfigModel
	err := query.
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	configs := make([]domain.NotificationConfig, 0, len(models))
	for i := range models {
		configs = append(configs, *configModelToDomain(&models[i]))
	}

	return configs, nil
}

// ListEnabled is the dispatch read path; it runs once per incoming event
// and hits the (repository_id, kind) index.
func (r *GormConfigRepo) ListEnabled(ctx context.Context, repositoryID string) ([]domain.NotificationConfig, error) {
	var models []ConfigModel
	err := r.db.WithContext(ctx).
		Where("repository_id = ? AND enabled = ?", repositoryID, true).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	configs := make([]domain.NotificationConfig, 0, len(models))
	for i := range models {
		configs = append(configs, *configModelToDomain(&models[i]))
	}

	return configs, nil
}
