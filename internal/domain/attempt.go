package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome represents the recorded state of one delivery effort.
type Outcome string

const (
	OutcomeRetrying  Outcome = "RETRYING"
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeRetrying, OutcomeSucceeded, OutcomeFailed:
		return true
	}
	return false
}

// IsFinal reports whether the attempt will receive no further delivery calls.
func (o Outcome) IsFinal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

func ParseOutcomeFromString(s string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(s)))
	if !o.IsValid() {
		return "", fmt.Errorf("%w: invalid outcome %q", ErrValidation, s)
	}
	return o, nil
}

// DeliveryAttempt records one channel's effort to deliver one event,
// including retries. At most one attempt is in flight per (config, event)
// pair; all delivery calls for the pair mutate this single record.
type DeliveryAttempt struct {
	ID           string
	ConfigID     string
	RepositoryID string
	BuildID      string
	Kind         ChannelKind
	Outcome      Outcome
	AttemptCount int
	LastError    *string
	NextRetryAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
