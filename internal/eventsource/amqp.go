package eventsource

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeName is the fanout exchange the master coordinator publishes
	// build status changes to.
	ExchangeName = "ci.builds"
	// QueueName is this relay's durable work queue bound to the exchange.
	QueueName = "buildrelay.events"

	dialTimeout = 15 * time.Second
)

// Client manages RabbitMQ connectivity and topology declaration. Channel
// callers get the topology declared as a side effect, so queue and
// exchange exist regardless of which process starts first.
type Client struct {
	url string

	mu   sync.RWMutex
	conn *amqp.Connection
}

func NewClient(url string) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	c := &Client{url: url}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	return conn.Close()
}

// Channel opens a fresh AMQP channel, reconnecting once if the underlying
// connection was lost. Reconnect pacing across repeated failures belongs
// to the caller.
func (c *Client) Channel(ctx context.Context) (*amqp.Channel, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		if errReconnect := c.reconnect(ctx); errReconnect != nil {
			return nil, errReconnect
		}

		c.mu.RLock()
		conn = c.conn
		c.mu.RUnlock()

		ch, err = conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq channel after reconnect: %w", err)
		}
	}

	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return ch, nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil && !conn.IsClosed() {
		return nil
	}

	return c.reconnect(ctx)
}

func (c *Client) reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq reconnect canceled: %w", err)
	}

	newConn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to dial rabbitmq: %w", err)
	}

	c.mu.Lock()
	oldConn := c.conn
	c.conn = newConn
	c.mu.Unlock()

	if oldConn != nil && !oldConn.IsClosed() {
		_ = oldConn.Close()
	}

	return nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		ExchangeName,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", ExchangeName, err)
	}

	if _, err := ch.QueueDeclare(
		QueueName,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", QueueName, err)
	}

	if err := ch.QueueBind(QueueName, "", ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %q: %w", QueueName, err)
	}

	return nil
}
