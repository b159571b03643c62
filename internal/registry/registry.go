package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/buildrelay/buildrelay/internal/channel"
	"github.com/buildrelay/buildrelay/internal/domain"
	"github.com/buildrelay/buildrelay/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Registry owns NotificationConfig records: one enabled config per
// (repository, channel kind), validated against the plugin's schema before
// anything is persisted.
type Registry struct {
	configs repository.ConfigRepository
	plugins *channel.Table
	logger  *zap.Logger
}

func NewRegistry(
	configs repository.ConfigRepository,
	plugins *channel.Table,
	logger *zap.Logger,
) (*Registry, error) {
	if configs == nil {
		return nil, fmt.Errorf("config repository is required")
	}
	if plugins == nil {
		return nil, fmt.Errorf("plugin table is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		configs: configs,
		plugins: plugins,
		logger:  logger,
	}, nil
}

// CreateOrUpdate validates settings against the plugin schema and upserts
// the unique per-repo per-kind record. Registering an existing pair
// replaces its settings and re-enables it rather than creating a duplicate.
func (r *Registry) CreateOrUpdate(
	ctx context.Context,
	repositoryID string,
	kind domain.ChannelKind,
	settings domain.Settings,
) (*domain.NotificationConfig, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	repositoryID = strings.TrimSpace(repositoryID)
	if repositoryID == "" {
		return nil, fmt.Errorf("%w: repository id is required", domain.ErrValidation)
	}

	plugin, err := r.plugins.Lookup(kind)
	if err != nil {
		return nil, err
	}
	if err := plugin.Validate(settings); err != nil {
		return nil, err
	}

	existing, err := r.configs.GetByRepoAndKind(ctx, repositoryID, kind)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	if existing != nil {
		existing.Settings = settings
		existing.Enabled = true
		if err := r.configs.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}
		r.logger.Info("notification config updated",
			zap.String("repositoryId", repositoryID),
			zap.String("kind", kind.String()),
			zap.String("configId", existing.ID),
		)
		return existing, nil
	}

	config := &domain.NotificationConfig{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		Kind:         kind,
		Enabled:      true,
		Settings:     settings,
	}
	if err := r.configs.Create(ctx, config); err != nil {
		// A concurrent registration for the same pair may land first; the
		// unique index turns that into an update of the winner's record.
		if isUniqueViolationError(err) {
			winner, getErr := r.configs.GetByRepoAndKind(ctx, repositoryID, kind)
			if getErr != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrStorage, getErr)
			}
			winner.Settings = settings
			winner.Enabled = true
			if updErr := r.configs.Update(ctx, winner); updErr != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrStorage, updErr)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	r.logger.Info("notification config created",
		zap.String("repositoryId", repositoryID),
		zap.String("kind", kind.String()),
		zap.String("configId", config.ID),
	)
	return config, nil
}

// Remove deletes the matching config. Removal is idempotent: removing an
// absent config is a no-op, not an error.
func (r *Registry) Remove(ctx context.Context, repositoryID string, kind domain.ChannelKind) error {
	if ctx == nil {
		ctx = context.Background()
	}

	err := r.configs.DeleteByRepoAndKind(ctx, strings.TrimSpace(repositoryID), kind)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	r.logger.Info("notification config removed",
		zap.String("repositoryId", repositoryID),
		zap.String("kind", kind.String()),
	)
	return nil
}

// SetEnabled toggles a config without touching its settings. Disabled
// configs are retained but never dispatched.
func (r *Registry) SetEnabled(
	ctx context.Context,
	repositoryID string,
	kind domain.ChannelKind,
	enabled bool,
) (*domain.NotificationConfig, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	config, err := r.configs.GetByRepoAndKind(ctx, strings.TrimSpace(repositoryID), kind)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	config.Enabled = enabled
	if err := r.configs.Update(ctx, config); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	return config, nil
}

// List returns configs in creation order, for one repository or all of
// them, with sensitive setting values redacted.
func (r *Registry) List(ctx context.Context, repositoryID string) ([]domain.NotificationConfig, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	configs, err := r.configs.List(ctx, strings.TrimSpace(repositoryID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	for i := range configs {
		configs[i].Settings = r.redact(configs[i].Kind, configs[i].Settings)
	}
	return configs, nil
}

// EnabledFor is the dispatch read path: only enabled configs, unredacted
// settings (the plugins need the real values to deliver).
func (r *Registry) EnabledFor(ctx context.Context, repositoryID string) ([]domain.NotificationConfig, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	configs, err := r.configs.ListEnabled(ctx, strings.TrimSpace(repositoryID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return configs, nil
}

// ChannelDescriptor describes one registered channel kind and its settings
// schema for clients rendering configuration forms.
type ChannelDescriptor struct {
	Kind   domain.ChannelKind
	Schema channel.Schema
}

// Catalog lists registered channel kinds with their declared schemas.
func (r *Registry) Catalog() []ChannelDescriptor {
	kinds := r.plugins.Kinds()
	catalog := make([]ChannelDescriptor, 0, len(kinds))
	for _, kind := range kinds {
		plugin, err := r.plugins.Lookup(kind)
		if err != nil {
			continue
		}
		catalog = append(catalog, ChannelDescriptor{
			Kind:   kind,
			Schema: plugin.Schema(),
		})
	}
	return catalog
}

func (r *Registry) redact(kind domain.ChannelKind, settings domain.Settings) domain.Settings {
	plugin, err := r.plugins.Lookup(kind)
	if err != nil {
		// A config for an unregistered kind can linger after a plugin is
		// retired; hide everything rather than leak.
		redacted := make(domain.Settings, len(settings))
		for name := range settings {
			redacted[name] = ""
		}
		return redacted
	}
	return plugin.Schema().Redact(settings)
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
