package eventsource

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildrelay/buildrelay/internal/domain"
)

// buildEventEnvelope is the broker payload for a build status change
// published by the master coordinator.
type buildEventEnvelope struct {
	RepositoryID string         `json:"repositoryId"`
	BuildID      string         `json:"buildId"`
	Status       string         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// DecodeBuildEvent parses a broker message body into a domain build
// event. The event is syntactically decoded only; semantic validation
// stays with the consumer.
func DecodeBuildEvent(body []byte) (domain.BuildEvent, error) {
	var envelope buildEventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.BuildEvent{}, fmt.Errorf("failed to decode build event: %w", err)
	}

	status, err := domain.ParseBuildStatusFromString(envelope.Status)
	if err != nil {
		return domain.BuildEvent{}, err
	}

	return domain.BuildEvent{
		RepositoryID: envelope.RepositoryID,
		BuildID:      envelope.BuildID,
		Status:       status,
		Timestamp:    envelope.Timestamp,
		Payload:      envelope.Payload,
	}, nil
}

// EncodeBuildEvent serializes a domain build event into the broker wire
// format.
func EncodeBuildEvent(event domain.BuildEvent) ([]byte, error) {
	envelope := buildEventEnvelope{
		RepositoryID: event.RepositoryID,
		BuildID:      event.BuildID,
		Status:       event.Status.String(),
		Timestamp:    event.Timestamp,
		Payload:      event.Payload,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode build event: %w", err)
	}
	return payload, nil
}
