package notify

import (
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitPublisher publishes outcome payloads to a queue. The connection is
// dialed lazily on first publish and re-dialed after a broker drop.
type RabbitPublisher struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewRabbitPublisher returns nil when no broker URL is configured; callers
// treat a nil publisher as "channel disabled".
func NewRabbitPublisher(url, queue string) *RabbitPublisher {
	if url == "" {
		return nil
	}
	log.Info().Str("queue", queue).Msg("RabbitMQ outcome channel configured")
	return &RabbitPublisher{url: url, queue: queue}
}

func (p *RabbitPublisher) ensureChannel() (*amqp091.Channel, error) {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil {
		return p.ch, nil
	}

	conn, err := amqp091.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare failed: %w", err)
	}

	p.conn = conn
	p.ch = ch
	log.Info().Str("queue", p.queue).Msg("RabbitMQ connection established")
	return ch, nil
}

// Publish sends one payload to the queue with headers identifying the account
// and event.
func (p *RabbitPublisher) Publish(body []byte, accountID, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.ensureChannel()
	if err != nil {
		return err
	}

	err = ch.Publish("", p.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
		Headers: amqp091.Table{
			"account_id": accountID,
			"event_id":   eventID,
		},
	})
	if err != nil {
		// Drop the connection so the next publish re-dials.
		p.conn.Close()
		p.conn = nil
		p.ch = nil
		return fmt.Errorf("rabbitmq publish failed: %w", err)
	}
	return nil
}

// Close shuts the broker connection down.
func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
