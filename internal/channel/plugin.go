package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/buildrelay/buildrelay/internal/domain"
)

// Plugin is one delivery mechanism behind the dispatch engine. Validate
// performs no blocking network I/O; all side effects are confined to
// Deliver. Deliver must be idempotent-safe under retry.
type Plugin interface {
	Kind() domain.ChannelKind
	Schema() Schema
	Validate(settings domain.Settings) error
	Deliver(ctx context.Context, event domain.BuildEvent, settings domain.Settings) error
}

// Table resolves plugins by channel kind. Adding a channel type means
// adding a plugin and registering it; the dispatcher never changes.
type Table struct {
	plugins map[domain.ChannelKind]Plugin
}

func NewTable(plugins ...Plugin) (*Table, error) {
	t := &Table{plugins: make(map[domain.ChannelKind]Plugin, len(plugins))}
	for _, p := range plugins {
		if err := t.Register(p); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("plugin is required")
	}
	kind := p.Kind()
	if strings.TrimSpace(kind.String()) == "" {
		return fmt.Errorf("plugin kind is required")
	}
	if _, exists := t.plugins[kind]; exists {
		return fmt.Errorf("plugin for kind %q already registered", kind)
	}
	t.plugins[kind] = p
	return nil
}

// Lookup returns the plugin for a kind, or ErrUnknownChannel.
func (t *Table) Lookup(kind domain.ChannelKind) (Plugin, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownChannel, kind)
	}
	p, ok := t.plugins[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownChannel, kind)
	}
	return p, nil
}

// Kinds returns registered kinds in stable lexical order.
func (t *Table) Kinds() []domain.ChannelKind {
	if t == nil {
		return nil
	}
	kinds := make([]domain.ChannelKind, 0, len(t.plugins))
	for kind := range t.plugins {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
