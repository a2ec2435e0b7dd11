package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/streadway/amqp"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
)

const retryHeader = "x-retry-count"

// AMQPTransport publishes due jobs to a durable RabbitMQ queue so that a
// separate worker process executes them.
type AMQPTransport struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

// DialAMQP connects and declares the durable job queue.
func DialAMQP(url, queueName string) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare(
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
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	return &AMQPTransport{conn: conn, ch: ch, queue: q.Name}, nil
}

// Deliver publishes job as a persistent JSON message.
func (t *AMQPTransport) Deliver(ctx context.Context, job Job) error {
	return t.publish(job, 0)
}

func (t *AMQPTransport) publish(job Job, retries int) error {
	body, err := json.Marshal(job)
	if err != nil {
		return appErrors.Terminal("publish job", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	err = t.ch.Publish(
		"",
		t.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    job.Key,
			Headers:      amqp.Table{retryHeader: int32(retries)},
			Body:         body,
		},
	)
	if err != nil {
		return appErrors.Transient("publish job", err)
	}
	return nil
}

// Consume executes jobs from the queue with s's handlers until ctx ends.
// Transient failures are republished with an incremented retry header up
// to maxRetries; everything else is acked and reported to s.Exhausted.
func (t *AMQPTransport) Consume(ctx context.Context, s *Scheduler, maxRetries int) error {
	t.mu.Lock()
	msgs, err := t.ch.Consume(
		t.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	log.Printf("📩 consuming jobs from %s", t.queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			t.handleDelivery(ctx, s, d, maxRetries)
		}
	}
}

func (t *AMQPTransport) handleDelivery(ctx context.Context, s *Scheduler, d amqp.Delivery, maxRetries int) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Println("⚠️ invalid job payload:", err)
		d.Ack(false)
		return
	}

	err := s.Execute(ctx, job)
	if err == nil {
		d.Ack(false)
		return
	}

	retries := headerInt(d.Headers[retryHeader])
	if appErrors.IsTransient(err) && retries < maxRetries {
		job.Attempt = retries + 1
		if pubErr := t.publish(job, retries+1); pubErr != nil {
			log.Printf("⚠️ requeue job %s: %v", job.Key, pubErr)
			d.Nack(false, true)
			return
		}
		log.Printf("⚠️ job %s failed, requeued (%d/%d): %v", job.Key, retries+1, maxRetries, err)
		d.Ack(false)
		return
	}
	log.Printf("❌ job %s dropped: %v", job.Key, err)
	s.Exhausted(ctx, job, err)
	d.Ack(false)
}

func headerInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	}
	return 0
}

// Close shuts the channel and connection.
func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ch.Close(); err != nil {
		t.conn.Close()
		return err
	}
	return t.conn.Close()
}
