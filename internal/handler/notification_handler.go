package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/buildrelay/buildrelay/internal/channel"
	"github.com/buildrelay/buildrelay/internal/domain"
	"github.com/buildrelay/buildrelay/internal/registry"
)

const (
	defaultAttemptLimit = 50
	maxAttemptLimit     = 200
)

// ConfigRegistry is the registry surface the admin API depends on.
type ConfigRegistry interface {
	CreateOrUpdate(ctx context.Context, repositoryID string, kind domain.ChannelKind, settings domain.Settings) (*domain.NotificationConfig, error)
	Remove(ctx context.Context, repositoryID string, kind domain.ChannelKind) error
	SetEnabled(ctx context.Context, repositoryID string, kind domain.ChannelKind, enabled bool) (*domain.NotificationConfig, error)
	List(ctx context.Context, repositoryID string) ([]domain.NotificationConfig, error)
	Catalog() []registry.ChannelDescriptor
}

// AttemptReader is the delivery history surface the admin API depends on.
type AttemptReader interface {
	ListByRepository(ctx context.Context, repositoryID string, limit int) ([]domain.DeliveryAttempt, error)
}

type NotificationHandler struct {
	registry ConfigRegistry
	attempts AttemptReader
}

func NewNotificationHandler(registry ConfigRegistry, attempts AttemptReader) (*NotificationHandler, error) {
	if registry == nil {
		return nil, fmt.Errorf("config registry is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt reader is required")
	}
	return &NotificationHandler{registry: registry, attempts: attempts}, nil
}

func RegisterNotificationRoutes(router fiber.Router, registry ConfigRegistry, attempts AttemptReader) error {
	h, err := NewNotificationHandler(registry, attempts)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.RegisterConfig)
	v1.Get("/notifications", h.ListConfigs)
	v1.Delete("/notifications/:repositoryId/:kind", h.RemoveConfig)
	v1.Patch("/notifications/:repositoryId/:kind", h.SetEnabled)
	v1.Get("/notifications/:repositoryId/attempts", h.ListAttempts)
	v1.Get("/channels", h.ListChannels)

	return nil
}

type registerConfigRequest struct {
	RepositoryID string            `json:"repositoryId"`
	Kind         string            `json:"kind"`
	Settings     map[string]string `json:"settings"`
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type configResponse struct {
	ID           string            `json:"id"`
	RepositoryID string            `json:"repositoryId"`
	Kind         string            `json:"kind"`
	Enabled      bool              `json:"enabled"`
	Settings     map[string]string `json:"settings"`
	CreatedAt    time.Time         `json:"createdAt,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt,omitempty"`
}

type listConfigsResponse struct {
	Data []configResponse `json:"data"`
}

type attemptResponse struct {
	ID           string     `json:"id"`
	ConfigID     string     `json:"configId"`
	RepositoryID string     `json:"repositoryId"`
	BuildID      string     `json:"buildId"`
	Kind         string     `json:"kind"`
	Outcome      string     `json:"outcome"`
	AttemptCount int        `json:"attemptCount"`
	LastError    *string    `json:"lastError,omitempty"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt,omitempty"`
}

type listAttemptsResponse struct {
	Data []attemptResponse `json:"data"`
}

type channelFieldResponse struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Required  bool   `json:"required"`
	Sensitive bool   `json:"sensitive"`
	Label     string `json:"label,omitempty"`
}

type channelResponse struct {
	Kind   string                 `json:"kind"`
	Fields []channelFieldResponse `json:"fields"`
}

type listChannelsResponse struct {
	Data []channelResponse `json:"data"`
}

func (h *NotificationHandler) RegisterConfig(c *fiber.Ctx) error {
	var req registerConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	kind, err := domain.ParseChannelKindFromString(req.Kind)
	if err != nil {
		return toHTTPError(c, err)
	}

	config, err := h.registry.CreateOrUpdate(c.Context(), req.RepositoryID, kind, domain.Settings(req.Settings))
	if err != nil {
		return toHTTPError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(h.toConfigResponse(config, true))
}

func (h *NotificationHandler) RemoveConfig(c *fiber.Ctx) error {
	repositoryID := strings.TrimSpace(c.Params("repositoryId"))
	kind, err := domain.ParseChannelKindFromString(c.Params("kind"))
	if err != nil {
		return toHTTPError(c, err)
	}

	if err := h.registry.Remove(c.Context(), repositoryID, kind); err != nil {
		return toHTTPError(c, err)
	}

	// Removal is idempotent: absent configs report success too.
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"repositoryId": repositoryID,
		"kind":         kind.String(),
		"removed":      true,
	})
}

func (h *NotificationHandler) SetEnabled(c *fiber.Ctx) error {
	repositoryID := strings.TrimSpace(c.Params("repositoryId"))
	kind, err := domain.ParseChannelKindFromString(c.Params("kind"))
	if err != nil {
		return toHTTPError(c, err)
	}

	var req setEnabledRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Enabled == nil {
		return toHTTPError(c, fmt.Errorf("%w: enabled is required", domain.ErrValidation))
	}

	config, err := h.registry.SetEnabled(c.Context(), repositoryID, kind, *req.Enabled)
	if err != nil {
		return toHTTPError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(h.toConfigResponse(config, true))
}

func (h *NotificationHandler) ListConfigs(c *fiber.Ctx) error {
	repositoryID := strings.TrimSpace(c.Query("repositoryId"))

	configs, err := h.registry.List(c.Context(), repositoryID)
	if err != nil {
		return toHTTPError(c, err)
	}

	data := make([]configResponse, 0, len(configs))
	for i := range configs {
		// List already redacts.
		data = append(data, h.toConfigResponse(&configs[i], false))
	}

	return c.Status(fiber.StatusOK).JSON(listConfigsResponse{Data: data})
}

func (h *NotificationHandler) ListAttempts(c *fiber.Ctx) error {
	repositoryID := strings.TrimSpace(c.Params("repositoryId"))

	limit := c.QueryInt("limit", defaultAttemptLimit)
	if limit < 1 || limit > maxAttemptLimit {
		return toHTTPError(c, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxAttemptLimit))
	}

	attempts, err := h.attempts.ListByRepository(c.Context(), repositoryID, limit)
	if err != nil {
		return toHTTPError(c, err)
	}

	data := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		data = append(data, attemptResponse{
			ID:           a.ID,
			ConfigID:     a.ConfigID,
			RepositoryID: a.RepositoryID,
			BuildID:      a.BuildID,
			Kind:         a.Kind.String(),
			Outcome:      a.Outcome.String(),
			AttemptCount: a.AttemptCount,
			LastError:    a.LastError,
			NextRetryAt:  a.NextRetryAt,
			CreatedAt:    a.CreatedAt,
			UpdatedAt:    a.UpdatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(listAttemptsResponse{Data: data})
}

func (h *NotificationHandler) ListChannels(c *fiber.Ctx) error {
	catalog := h.registry.Catalog()

	data := make([]channelResponse, 0, len(catalog))
	for _, descriptor := range catalog {
		fields := make([]channelFieldResponse, 0, len(descriptor.Schema))
		for _, name := range descriptor.Schema.FieldNames() {
			spec := descriptor.Schema[name]
			fields = append(fields, channelFieldResponse{
				Name:      name,
				Type:      string(spec.Type),
				Required:  spec.Required,
				Sensitive: spec.Sensitive,
				Label:     spec.Label,
			})
		}
		data = append(data, channelResponse{
			Kind:   descriptor.Kind.String(),
			Fields: fields,
		})
	}

	sort.Slice(data, func(i, j int) bool { return data[i].Kind < data[j].Kind })

	return c.Status(fiber.StatusOK).JSON(listChannelsResponse{Data: data})
}

// toConfigResponse converts a config for the wire, redacting sensitive
// settings when the source still carries real values.
func (h *NotificationHandler) toConfigResponse(config *domain.NotificationConfig, redact bool) configResponse {
	if config == nil {
		return configResponse{}
	}

	settings := config.Settings
	if redact {
		settings = h.redact(config.Kind, settings)
	}

	return configResponse{
		ID:           config.ID,
		RepositoryID: config.RepositoryID,
		Kind:         config.Kind.String(),
		Enabled:      config.Enabled,
		Settings:     settings,
		CreatedAt:    config.CreatedAt,
		UpdatedAt:    config.UpdatedAt,
	}
}

func (h *NotificationHandler) redact(kind domain.ChannelKind, settings domain.Settings) domain.Settings {
	var schema channel.Schema
	for _, descriptor := range h.registry.Catalog() {
		if descriptor.Kind == kind {
			schema = descriptor.Schema
			break
		}
	}
	if schema == nil {
		redacted := make(domain.Settings, len(settings))
		for name := range settings {
			redacted[name] = ""
		}
		return redacted
	}
	return schema.Redact(settings)
}

func toHTTPError(c *fiber.Ctx, err error) error {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		fields := make([]fiber.Map, 0, len(validationErr.Fields))
		for _, f := range validationErr.Fields {
			fields = append(fields, fiber.Map{
				"field":  f.Field,
				"reason": f.Reason,
			})
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":  "settings validation failed",
			"fields": fields,
		})
	}

	switch {
	case errors.Is(err, domain.ErrUnknownChannel):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStorage):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
