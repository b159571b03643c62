package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildrelay/buildrelay/internal/channel"
	"github.com/buildrelay/buildrelay/internal/domain"
	"go.uber.org/zap"
)

// memConfigRepo is an in-memory ConfigRepository enforcing the unique
// (repository, kind) index the way the real table does.
type memConfigRepo struct {
	mu      sync.Mutex
	byID    map[string]domain.NotificationConfig
	seq     int
	failAll bool
}

func newMemConfigRepo() *memConfigRepo {
	return &memConfigRepo{byID: make(map[string]domain.NotificationConfig)}
}

func (m *memConfigRepo) Create(_ context.Context, c *domain.NotificationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAll {
		return fmt.Errorf("connection refused")
	}
	for _, existing := range m.byID {
		if existing.RepositoryID == c.RepositoryID && existing.Kind == c.Kind {
			return fmt.Errorf("duplicate key value violates unique constraint")
		}
	}

	m.seq++
	stored := *c
	stored.Settings = c.Settings.Clone()
	stored.CreatedAt = time.Unix(int64(1_700_000_000+m.seq), 0)
	stored.UpdatedAt = stored.CreatedAt
	m.byID[c.ID] = stored
	*c = stored
	return nil
}

func (m *memConfigRepo) Update(_ context.Context, c *domain.NotificationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAll {
		return fmt.Errorf("connection refused")
	}
	stored, ok := m.byID[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.Settings = c.Settings.Clone()
	stored.Enabled = c.Enabled
	stored.UpdatedAt = stored.UpdatedAt.Add(time.Second)
	m.byID[c.ID] = stored
	return nil
}

func (m *memConfigRepo) GetByRepoAndKind(_ context.Context, repositoryID string, kind domain.ChannelKind) (*domain.NotificationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAll {
		return nil, fmt.Errorf("connection refused")
	}
	for _, c := range m.byID {
		if c.RepositoryID == repositoryID && c.Kind == kind {
			out := c
			out.Settings = c.Settings.Clone()
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memConfigRepo) DeleteByRepoAndKind(_ context.Context, repositoryID string, kind domain.ChannelKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.byID {
		if c.RepositoryID == repositoryID && c.Kind == kind {
			delete(m.byID, id)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memConfigRepo) List(_ context.Context, repositoryID string) ([]domain.NotificationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAll {
		return nil, fmt.Errorf("connection refused")
	}
	out := make([]domain.NotificationConfig, 0, len(m.byID))
	for _, c := range m.byID {
		if repositoryID != "" && c.RepositoryID != repositoryID {
			continue
		}
		copied := c
		copied.Settings = c.Settings.Clone()
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memConfigRepo) ListEnabled(ctx context.Context, repositoryID string) ([]domain.NotificationConfig, error) {
	all, err := m.List(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	enabled := make([]domain.NotificationConfig, 0, len(all))
	for _, c := range all {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	return enabled, nil
}

func newTestRegistry(t *testing.T) (*Registry, *memConfigRepo) {
	t.Helper()

	table, err := channel.NewTable(channel.NewWebhookPlugin(), channel.NewEmailPlugin(), channel.NewChatPlugin())
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}

	repo := newMemConfigRepo()
	reg, err := NewRegistry(repo, table, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg, repo
}

func TestRegistryCreateThenList(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.CreateOrUpdate(ctx, "repo-1", domain.KindWebhook, domain.Settings{
		"url":    "https://ci.example.com/hook",
		"secret": "supersecret99",
	})
	if err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("created config should have an id")
	}
	if !created.Enabled {
		t.Fatal("created config should be enabled")
	}

	configs, err := reg.List(ctx, "repo-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("List() = %d configs, want 1", len(configs))
	}
	if configs[0].Kind != domain.KindWebhook {
		t.Fatalf("kind = %s, want WEBHOOK", configs[0].Kind)
	}
	if configs[0].Settings["url"] != "https://ci.example.com/hook" {
		t.Fatalf("url = %q, want original value", configs[0].Settings["url"])
	}
	if strings.Contains(configs[0].Settings["secret"], "supersecret") {
		t.Fatalf("secret should be redacted, got %q", configs[0].Settings["secret"])
	}
}

func TestRegistryUpsertKeepsSingleConfig(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.CreateOrUpdate(ctx, "repo-1", domain.KindWebhook, domain.Settings{"url": "https://a.example.com"})
	if err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}

	second, err := reg.CreateOrUpdate(ctx, "repo-1", domain.KindWebhook, domain.Settings{"url": "https://b.example.com"})
	if err != nil {
		t.Fatalf("CreateOrUpdate() second error = %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("upsert created a second config: %s vs %s", first.ID, second.ID)
	}

	configs, err := reg.List(ctx, "repo-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("List() = %d configs, want 1", len(configs))
	}
	if configs[0].Settings["url"] != "https://b.example.com" {
		t.Fatalf("url = %q, want latest settings", configs[0].Settings["url"])
	}
}

func TestRegistryCreateRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)

	_, err := reg.CreateOrUpdate(context.Background(), "repo-1", domain.ChannelKind("PAGER"), domain.Settings{})
	if !errors.Is(err, domain.ErrUnknownChannel) {
		t.Fatalf("error = %v, want ErrUnknownChannel", err)
	}
}

func TestRegistryCreateRejectsInvalidSettings(t *testing.T) {
	t.Parallel()

	reg, repo := newTestRegistry(t)

	_, err := reg.CreateOrUpdate(context.Background(), "repo-1", domain.KindWebhook, domain.Settings{})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %T, want *domain.ValidationError", err)
	}
	if len(repo.byID) != 0 {
		t.Fatal("nothing should be persisted when validation fails")
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Remove(ctx, "repo-1", domain.KindWebhook); err != nil {
		t.Fatalf("Remove() on absent config should be a no-op, got %v", err)
	}

	if _, err := reg.CreateOrUpdate(ctx, "repo-1", domain.KindWebhook, domain.Settings{"url": "https://a.example.com"}); err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}
	if err := reg.Remove(ctx, "repo-1", domain.KindWebhook); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := reg.Remove(ctx, "repo-1", domain.KindWebhook); err != nil {
		t.Fatalf("second Remove() should be a no-op, got %v", err)
	}

	configs, err := reg.List(ctx, "repo-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(configs) != 0 {
		t.Fatalf("List() = %d configs, want 0", len(configs))
	}
}

func TestRegistrySetEnabled(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.CreateOrUpdate(ctx, "repo-1", domain.KindChat, domain.Settings{"webhook_url": "https://hooks.example.com/x"}); err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}

	disabled, err := reg.SetEnabled(ctx, "repo-1", domain.KindChat, false)
	if err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	if disabled.Enabled {
		t.Fatal("config should be disabled")
	}

	enabledConfigs, err := reg.EnabledFor(ctx, "repo-1")
	if err != nil {
		t.Fatalf("EnabledFor() error = %v", err)
	}
	if len(enabledConfigs) != 0 {
		t.Fatalf("EnabledFor() = %d configs, want 0 after disable", len(enabledConfigs))
	}

	// Disabled configs stay listed.
	configs, err := reg.List(ctx, "repo-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("List() = %d configs, want 1", len(configs))
	}

	_, err = reg.SetEnabled(ctx, "repo-1", domain.KindWebhook, false)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("SetEnabled() on absent config error = %v, want ErrNotFound", err)
	}
}

func TestRegistryEnabledForReturnsRealSettings(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.CreateOrUpdate(ctx, "repo-1", domain.KindWebhook, domain.Settings{
		"url":    "https://ci.example.com/hook",
		"secret": "supersecret99",
	}); err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}

	configs, err := reg.EnabledFor(ctx, "repo-1")
	if err != nil {
		t.Fatalf("EnabledFor() error = %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("EnabledFor() = %d configs, want 1", len(configs))
	}
	if configs[0].Settings["secret"] != "supersecret99" {
		t.Fatalf("dispatch read path must see real settings, got %q", configs[0].Settings["secret"])
	}
}

func TestRegistryListScopesByRepository(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.CreateOrUpdate(ctx, "repo-1", domain.KindWebhook, domain.Settings{"url": "https://a.example.com"}); err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}
	if _, err := reg.CreateOrUpdate(ctx, "repo-2", domain.KindChat, domain.Settings{"webhook_url": "https://hooks.example.com/y"}); err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}

	scoped, err := reg.List(ctx, "repo-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(scoped) != 1 || scoped[0].RepositoryID != "repo-1" {
		t.Fatalf("List(repo-1) = %+v, want only repo-1 configs", scoped)
	}

	all, err := reg.List(ctx, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List(all) = %d configs, want 2", len(all))
	}
	if !all[0].CreatedAt.Before(all[1].CreatedAt) {
		t.Fatal("List() should return configs in creation order")
	}
}

func TestRegistryStorageFailureIsClassified(t *testing.T) {
	t.Parallel()

	reg, repo := newTestRegistry(t)
	repo.failAll = true

	_, err := reg.CreateOrUpdate(context.Background(), "repo-1", domain.KindWebhook, domain.Settings{"url": "https://a.example.com"})
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("error = %v, want ErrStorage", err)
	}

	_, err = reg.EnabledFor(context.Background(), "repo-1")
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("EnabledFor() error = %v, want ErrStorage", err)
	}
}

func TestRegistryCatalog(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t)

	catalog := reg.Catalog()
	if len(catalog) != 3 {
		t.Fatalf("Catalog() = %d entries, want 3", len(catalog))
	}
	for _, entry := range catalog {
		if len(entry.Schema) == 0 {
			t.Fatalf("kind %s should declare a schema", entry.Kind)
		}
	}
}
