// Package amqpqueue implements the broker contract over an AMQP 0-9-1
// message queue (RabbitMQ).
package amqpqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fluxwire/broker-gateway/pkg/broker"
	"github.com/fluxwire/broker-gateway/pkg/config"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const brokerName = "amqp"

// Configuration keys read at Connect time.
const (
	keyURL         = "broker.amqp.url"
	keyConsumeWait = "broker.amqp.consume_wait"
)

const defaultConsumeWait = 2 * time.Second

// Broker holds one transport connection and one channel, both created at
// Connect. Queues are declared on first use per topic and the declaration is
// cached; declaring is idempotent on the broker side but skipping the round
// trip keeps the hot path cheap.
type Broker struct {
	provider config.Provider
	log      *zap.SugaredLogger

	mu          sync.Mutex
	conn        *amqp.Connection
	ch          *amqp.Channel
	queues      map[string]struct{}
	consumeWait time.Duration
}

// New creates an AMQP adapter. No network resources are created until
// Connect is called.
func New(provider config.Provider, log *zap.SugaredLogger) *Broker {
	return &Broker{
		provider: provider,
		log:      log,
		queues:   make(map[string]struct{}),
	}
}

// Capabilities reports that this backend cannot delete a specific
// unconsumed message.
func (b *Broker) Capabilities() broker.Capabilities {
	return broker.Capabilities{TargetedDelete: false}
}

// Connect dials the broker and opens a channel. Calling Connect on an
// already-connected adapter is a no-op.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && !b.conn.IsClosed() {
		b.log.Debugw("amqp already connected")
		return nil
	}

	url, err := config.Require(b.provider, keyURL)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}
	wait, err := config.Duration(b.provider, keyConsumeWait, defaultConsumeWait)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: fmt.Errorf("failed to dial: %w", err)}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck // connection is being abandoned
		return &broker.ConnectionError{Broker: brokerName, Err: fmt.Errorf("failed to open channel: %w", err)}
	}

	// Confirm mode lets Publish block until the broker has taken
	// responsibility for the message.
	if err := ch.Confirm(false); err != nil {
		conn.Close() //nolint:errcheck // connection is being abandoned
		return &broker.ConnectionError{Broker: brokerName, Err: fmt.Errorf("failed to put channel in confirm mode: %w", err)}
	}

	b.conn = conn
	b.ch = ch
	b.consumeWait = wait
	b.queues = make(map[string]struct{})
	b.log.Infow("amqp connected")
	return nil
}

// Disconnect releases the channel and connection. Safe to call without a
// prior Connect and safe to call twice.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}

	if b.ch != nil {
		if err := b.ch.Close(); err != nil && err != amqp.ErrClosed {
			b.log.Warnw("failed to close amqp channel", "error", err)
		}
		b.ch = nil
	}
	if err := b.conn.Close(); err != nil && err != amqp.ErrClosed {
		b.conn = nil
		return &broker.ConnectionError{Broker: brokerName, Err: fmt.Errorf("failed to close connection: %w", err)}
	}
	b.conn = nil
	b.log.Infow("amqp disconnected")
	return nil
}

// Publish declares the target queue if this adapter has not seen it yet and
// sends the encoded envelope through the default exchange as a persistent
// message, waiting for the broker's publisher confirm.
func (b *Broker) Publish(ctx context.Context, topic string, env broker.Envelope) error {
	ch, err := b.channel()
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}

	if err := b.ensureQueue(ch, topic); err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}

	body, err := env.Encode()
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: fmt.Errorf("failed to encode envelope: %w", err)}
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: fmt.Errorf("waiting for publisher confirm: %w", err)}
	}
	if !acked {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: fmt.Errorf("broker nacked the publish")}
	}

	b.log.Debugw("published", "broker", brokerName, "topic", topic, "id", env.ID)
	return nil
}

// Consume registers a consumer on the queue and accumulates deliveries until
// the consume window elapses or the context is done. Each message is
// acknowledged only after it has been captured in the batch; an undecodable
// message is rejected without requeue.
func (b *Broker) Consume(ctx context.Context, topic string) ([]broker.Delivery, error) {
	ch, err := b.channel()
	if err != nil {
		return nil, &broker.ConsumeError{Broker: brokerName, Topic: topic, Err: err}
	}

	if err := b.ensureQueue(ch, topic); err != nil {
		return nil, &broker.ConsumeError{Broker: brokerName, Topic: topic, Err: err}
	}

	tag := "gateway-" + uuid.NewString()
	deliveries, err := ch.Consume(topic, tag, false, false, false, false, nil)
	if err != nil {
		return nil, &broker.ConsumeError{Broker: brokerName, Topic: topic, Err: err}
	}
	defer func() {
		if err := ch.Cancel(tag, false); err != nil {
			b.log.Warnw("failed to cancel amqp consumer", "tag", tag, "error", err)
		}
	}()

	timer := time.NewTimer(b.window())
	defer timer.Stop()

	var batch []broker.Delivery
	for {
		select {
		case <-ctx.Done():
			return batch, nil
		case <-timer.C:
			return batch, nil
		case d, ok := <-deliveries:
			if !ok {
				return batch, nil
			}
			env, err := broker.Open(d.Body)
			if err != nil {
				b.log.Warnw("rejecting undecodable message", "topic", topic, "error", err)
				if rejectErr := d.Reject(false); rejectErr != nil {
					b.log.Warnw("failed to reject message", "topic", topic, "error", rejectErr)
				}
				continue
			}
			batch = append(batch, broker.Delivery{
				Envelope: env,
				Receipt:  strconv.FormatUint(d.DeliveryTag, 10),
			})
			// Ack after the message is safely captured in the batch;
			// acking earlier risks losing it, acking never risks redelivery.
			if err := d.Ack(false); err != nil {
				b.log.Warnw("failed to ack message, it may be redelivered", "topic", topic, "error", err)
			}
		}
	}
}

// Remove is a documented no-op: AMQP has no primitive for deleting a
// specific unconsumed message, and consumed messages were already
// acknowledged at consume time.
func (b *Broker) Remove(ctx context.Context, topic string, d broker.Delivery) error {
	b.log.Warnw("remove is not supported by the amqp backend, treating as no-op",
		"topic", topic,
		"id", d.Envelope.ID,
	)
	return nil
}

func (b *Broker) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch == nil {
		return nil, fmt.Errorf("not connected")
	}
	return b.ch, nil
}

func (b *Broker) window() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumeWait <= 0 {
		return defaultConsumeWait
	}
	return b.consumeWait
}

func (b *Broker) ensureQueue(ch *amqp.Channel, topic string) error {
	b.mu.Lock()
	if _, ok := b.queues[topic]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", topic, err)
	}

	b.mu.Lock()
	b.queues[topic] = struct{}{}
	b.mu.Unlock()
	return nil
}
