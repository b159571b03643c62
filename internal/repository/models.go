package repository

import (
	"time"

	"github.com/buildrelay/buildrelay/internal/domain"
)

// ConfigModel is the persistence model for the notification_configs table.
type ConfigModel struct {
	ID           string             `gorm:"type:uuid;primaryKey"`
	RepositoryID string             `gorm:"type:varchar(64);not null;uniqueIndex:idx_configs_repo_kind,priority:1"`
	Kind         domain.ChannelKind `gorm:"type:varchar(20);not null;uniqueIndex:idx_configs_repo_kind,priority:2"`
	Enabled      bool               `gorm:"not null;default:true"`
	Settings     domain.Settings    `gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (ConfigModel) TableName() string {
	return "notification_configs"
}

// AttemptModel is the persistence model for delivery_attempts.
type AttemptModel struct {
	ID           string             `gorm:"type:uuid;primaryKey"`
	ConfigID     string             `gorm:"type:uuid;not null"`
	RepositoryID string             `gorm:"type:varchar(64);not null"`
	BuildID      string             `gorm:"type:varchar(64);not null"`
	Kind         domain.ChannelKind `gorm:"type:varchar(20);not null"`
	Outcome      domain.Outcome     `gorm:"type:varchar(20);not null"`
	AttemptCount int                `gorm:"not null;default:0"`
	LastError    *string            `gorm:"type:text"`
	NextRetryAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (AttemptModel) TableName() string {
	return "delivery_attempts"
}

func configModelFromDomain(c *domain.NotificationConfig) *ConfigModel {
	if c == nil {
		return nil
	}

	return &ConfigModel{
		ID:           c.ID,
		RepositoryID: c.RepositoryID,
		Kind:         c.Kind,
		Enabled:      c.Enabled,
		Settings:     c.Settings,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func configModelToDomain(m *ConfigModel) *domain.NotificationConfig {
	if m == nil {
		return nil
	}

	return &domain.NotificationConfig{
		ID:           m.ID,
		RepositoryID: m.RepositoryID,
		Kind:         m.Kind,
		Enabled:      m.Enabled,
		Settings:     m.Settings,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *AttemptModel {
	if a == nil {
		return nil
	}

	return &AttemptModel{
		ID:           a.ID,
		ConfigID:     a.ConfigID,
		RepositoryID: a.RepositoryID,
		BuildID:      a.BuildID,
		Kind:         a.Kind,
		Outcome:      a.Outcome,
		AttemptCount: a.AttemptCount,
		LastError:    a.LastError,
		NextRetryAt:  a.NextRetryAt,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func attemptModelToDomain(m *AttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:           m.ID,
		ConfigID:     m.ConfigID,
		RepositoryID: m.RepositoryID,
		BuildID:      m.BuildID,
		Kind:         m.Kind,
		Outcome:      m.Outcome,
		AttemptCount: m.AttemptCount,
		LastError:    m.LastError,
		NextRetryAt:  m.NextRetryAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
