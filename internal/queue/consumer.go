package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrMalformed marks a message that can never be processed. Such messages
// are rejected without requeue to avoid tight redelivery loops.
var ErrMalformed = errors.New("malformed message")

// Handler processes one message body. A nil error acks the message, an
// error wrapping ErrMalformed rejects it and any other error requeues it.
type Handler func(ctx context.Context, body []byte) error

// Consumer reads one durable queue and hands every delivery to a Handler.
type Consumer struct {
	url      string
	queue    string
	handle   Handler
	log      *zap.Logger
	prefetch int

	maxBackoff time.Duration
}

// NewConsumer returns a consumer of queue on the broker at url.
func NewConsumer(url, queue string, handle Handler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		url:        url,
		queue:      queue,
		handle:     handle,
		log:        log.With(zap.String("queue", queue)),
		prefetch:   50,
		maxBackoff: 30 * time.Second,
	}
}

// Run connects and consumes until ctx is done, reconnecting with a doubling
// backoff whenever the broker is unreachable or the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("consumer: failed to dial broker", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < c.maxBackoff {
				backoff = min(backoff*2, c.maxBackoff)
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("consumer: consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("consumer: set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.settle(d, c.handle(ctx, d.Body))
		}
	}
}

// settle acks, rejects or requeues d according to err.
func (c *Consumer) settle(d amqp.Delivery, err error) {
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrMalformed):
		c.log.Error("consumer: rejecting message", zap.Error(err))
		_ = d.Nack(false, false)
	default:
		c.log.Warn("consumer: handle message failed, requeueing", zap.Error(err))
		_ = d.Nack(false, true)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
