package queue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Publisher interface
type Publisher interface {
	Publish(event string, campaignID string, payload any) error
	Close() error
}

// Event is the envelope every campaign event is published in.
type Event struct {
	Event      string    `json:"event"`
	CampaignID string    `json:"campaign_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// AMQPPublisher pushes campaign lifecycle and send-outcome events onto a
// durable queue for external consumers (analytics, audit). A mutex guards
// the channel: dispatchers for different campaigns publish concurrently.
type AMQPPublisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQPPublisher(url, queueName string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPPublisher{conn: conn, ch: ch, queue: queueName}, nil
}

func (p *AMQPPublisher) Publish(event, campaignID string, payload any) error {
	body, err := json.Marshal(Event{
		Event:      event,
		CampaignID: campaignID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Publish(
		"",      // exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher is used when AMQP_URL is unset and in tests.
type NoopPublisher struct{}

func (NoopPublisher) Publish(event, campaignID string, payload any) error { return nil }
func (NoopPublisher) Close() error                                        { return nil }

var (
	_ Publisher = (*AMQPPublisher)(nil)
	_ Publisher = NoopPublisher{}
)
