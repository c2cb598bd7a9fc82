package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"wanVideoBot/internal/generation"
)

const QueueName = "video_generation"

// Job is the message body workers consume.
type Job struct {
	ID          string             `json:"id"`
	Mode        generation.Mode    `json:"mode"`
	Request     generation.Request `json:"request"`
	Cost        int                `json:"cost"`
	SubmittedAt time.Time          `json:"submitted_at"`
}

// JobID is the id a job is published under.
func JobID(ref string) string {
	if ref == "" {
		return uuid.NewString()
	}
	return ref
}

func Encode(jobID string, req generation.Request, now time.Time) ([]byte, error) {
	return json.Marshal(Job{
		ID:          jobID,
		Mode:        req.Mode(),
		Request:     req,
		Cost:        req.Cost(),
		SubmittedAt: now.UTC(),
	})
}

// Publisher hands validated requests to an external worker pool over a
// durable RabbitMQ queue instead of calling the provider directly.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

func Dial(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	zap.L().Info("connected to RabbitMQ", zap.String("queue", q.Name))
	return &Publisher{conn: conn, ch: ch, queue: q.Name}, nil
}

// Submit publishes the request under ref, the generation id, so a worker
// report can be matched before the job id is stored. An empty ref gets a
// fresh id.
func (p *Publisher) Submit(ctx context.Context, ref string, req generation.Request) (string, error) {
	jobID := JobID(ref)
	body, err := Encode(jobID, req, time.Now())
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    jobID,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		return "", fmt.Errorf("publish job: %w", err)
	}
	return jobID, nil
}

func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
