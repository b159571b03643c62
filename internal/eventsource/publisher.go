package eventsource

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/buildrelay/buildrelay/internal/domain"
)

// Publisher emits build events to the exchange. The relay only consumes;
// this is the write side used by tooling and tests.
type Publisher struct {
	client *Client
}

func NewPublisher(client *Client) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("rabbitmq client is required")
	}
	return &Publisher{client: client}, nil
}

func (p *Publisher) Publish(ctx context.Context, event domain.BuildEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid build event: %w", err)
	}

	payload, err := EncodeBuildEvent(event)
	if err != nil {
		return err
	}

	ch, err := p.client.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    event.BuildID,
		Body:         payload,
	}

	if err := ch.PublishWithContext(ctx, ExchangeName, "", false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish build event: %w", err)
	}

	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
