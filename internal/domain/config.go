package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChannelKind identifies a delivery mechanism. The set is open: new kinds
// become valid by registering a plugin for them.
type ChannelKind string

const (
	KindWebhook ChannelKind = "WEBHOOK"
	KindEmail   ChannelKind = "EMAIL"
	KindChat    ChannelKind = "CHAT"
)

func (k ChannelKind) String() string { return string(k) }

func ParseChannelKindFromString(s string) (ChannelKind, error) {
	k := ChannelKind(strings.ToUpper(strings.TrimSpace(s)))
	if k == "" {
		return "", fmt.Errorf("%w: channel kind is required", ErrValidation)
	}
	return k, nil
}

// Settings holds a channel configuration's field values keyed by field name.
// List-valued fields (e.g. email recipients) are comma-separated.
type Settings map[string]string

// Clone returns an independent copy so redaction never mutates stored values.
func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// NotificationConfig enables one channel kind for one repository. At most
// one config exists per (repository, kind); registering again upserts.
type NotificationConfig struct {
	ID           string
	RepositoryID string
	Kind         ChannelKind
	Enabled      bool
	Settings     Settings
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (c *NotificationConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is required", ErrValidation)
	}
	if strings.TrimSpace(c.RepositoryID) == "" {
		return fmt.Errorf("%w: repository id is required", ErrValidation)
	}
	if strings.TrimSpace(c.Kind.String()) == "" {
		return fmt.Errorf("%w: channel kind is required", ErrValidation)
	}
	return nil
}
