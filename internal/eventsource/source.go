package eventsource

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/buildrelay/buildrelay/internal/domain"
)

// Source adapts the RabbitMQ work queue to the dispatcher's event stream.
// Each Subscribe opens a fresh consumer channel; the dispatcher owns
// reconnect pacing when a subscription reports an error.
type Source struct {
	client   *Client
	prefetch int
	logger   *zap.Logger
}

func NewSource(client *Client, prefetch int, logger *zap.Logger) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("rabbitmq client is required")
	}
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Source{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}, nil
}

func (s *Source) Subscribe(ctx context.Context) (*Subscription, error) {
	ch, err := s.client.Channel(ctx)
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		QueueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to consume queue %q: %w", QueueName, err)
	}

	return &Subscription{
		ch:         ch,
		deliveries: deliveries,
		logger:     s.logger,
	}, nil
}

func (s *Source) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Subscription yields decoded build events from the work queue. Messages
// are acknowledged before they are handed to the consumer; a failed
// delivery is never requeued.
type Subscription struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	logger     *zap.Logger
}

func (s *Subscription) Next(ctx context.Context) (domain.BuildEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.BuildEvent{}, ctx.Err()
		case d, ok := <-s.deliveries:
			if !ok {
				return domain.BuildEvent{}, fmt.Errorf("delivery channel closed")
			}

			event, err := DecodeBuildEvent(d.Body)
			if err != nil {
				// Malformed messages are dropped, not requeued; requeueing
				// would loop them forever.
				s.logger.Warn("rejecting message: not a build event",
					zap.Error(err),
					zap.String("routingKey", d.RoutingKey),
				)
				if rejectErr := d.Reject(false); rejectErr != nil {
					return domain.BuildEvent{}, fmt.Errorf("failed to reject invalid message: %w", rejectErr)
				}
				continue
			}

			if err := d.Ack(false); err != nil {
				return domain.BuildEvent{}, fmt.Errorf("failed to ack delivery: %w", err)
			}

			return event, nil
		}
	}
}

func (s *Subscription) Close() error {
	if s == nil || s.ch == nil {
		return nil
	}
	return s.ch.Close()
}
