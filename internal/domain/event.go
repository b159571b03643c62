package domain

import (
	"fmt"
	"strings"
	"time"
)

// BuildStatus represents the lifecycle state of a build run.
type BuildStatus string

const (
	StatusPending   BuildStatus = "PENDING"
	StatusRunning   BuildStatus = "RUNNING"
	StatusSuccess   BuildStatus = "SUCCESS"
	StatusFailed    BuildStatus = "FAILED"
	StatusException BuildStatus = "EXCEPTION"
	StatusCancelled BuildStatus = "CANCELLED"
)

func (s BuildStatus) String() string { return string(s) }

func (s BuildStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusException, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further status transition is expected.
// Only terminal statuses trigger notification dispatch.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusException, StatusCancelled:
		return true
	}
	return false
}

func ParseBuildStatusFromString(s string) (BuildStatus, error) {
	st := BuildStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid build status %q", ErrValidation, s)
	}
	return st, nil
}

// BuildEvent is a build lifecycle message consumed from the master
// coordinator. It is ephemeral: nothing beyond what delivery records need
// is persisted.
type BuildEvent struct {
	RepositoryID string
	BuildID      string
	Status       BuildStatus
	Timestamp    time.Time
	// Payload carries free-form build metadata (branch, commit, duration)
	// passed through unmodified to channels.
	Payload map[string]any
}

func (e *BuildEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event is required", ErrValidation)
	}
	if strings.TrimSpace(e.RepositoryID) == "" {
		return fmt.Errorf("%w: repository id is required", ErrValidation)
	}
	if strings.TrimSpace(e.BuildID) == "" {
		return fmt.Errorf("%w: build id is required", ErrValidation)
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("%w: invalid build status %q", ErrValidation, e.Status)
	}
	return nil
}
