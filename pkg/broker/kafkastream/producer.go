package kafkastream

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const queueFullRetryDelay = time.Second

// produceSync produces one record and blocks until either a delivery
// receipt is received or the context is canceled. If the context is
// canceled before confirmation the record MAY still be delivered; callers
// retrying should design for possible duplicates.
func (b *Broker) produceSync(
	ctx context.Context,
	producer *kafka.Producer,
	topic string,
	key, value []byte,
) error {
	deliveryCh := make(chan kafka.Event, 1)
	defer close(deliveryCh)

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   key,
		Value: value,
	}

	if err := b.produceWithRetry(ctx, producer, msg, deliveryCh); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryCh:
		return b.handleDeliveryEvent(msg, e)
	}
}

// produceWithRetry enqueues a record on the producer, retrying with a fixed
// delay while the local producer queue is full. Transport-level failures
// are returned to the caller.
func (b *Broker) produceWithRetry(
	ctx context.Context,
	producer *kafka.Producer,
	msg *kafka.Message,
	deliveryCh chan kafka.Event,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		kafkaErr, ok := err.(kafka.Error)
		if !ok {
			return fmt.Errorf("failed to produce: %w", err)
		}

		switch kafkaErr.Code() {
		case kafka.ErrQueueFull:
			b.log.Warnw("producer queue full, retrying", "delay", queueFullRetryDelay)
			time.Sleep(queueFullRetryDelay)
			continue
		case kafka.ErrBrokerNotAvailable:
			return fmt.Errorf("broker not available: %w", err)
		case kafka.ErrInvalidMsgSize:
			return fmt.Errorf("invalid message size: %w", err)
		case kafka.ErrInvalidMsg:
			return fmt.Errorf("invalid message: %w", err)
		case kafka.ErrUnknownTopicOrPart:
			return fmt.Errorf("unknown topic or partition: %w", err)
		case kafka.ErrAuthentication:
			return fmt.Errorf("authentication error: %w", err)
		default:
			return fmt.Errorf("failed to produce: %w", err)
		}
	}
}

func (b *Broker) handleDeliveryEvent(msg *kafka.Message, ev kafka.Event) error {
	e, ok := ev.(*kafka.Message)
	if !ok {
		// Per-message delivery channels only receive *kafka.Message events,
		// but we keep this check as a defensive measure.
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}

	if err := e.TopicPartition.Error; err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}

	b.log.Debugf(
		"delivered to topic [%s] partition [%d] at offset [%d]",
		*msg.TopicPartition.Topic,
		e.TopicPartition.Partition,
		e.TopicPartition.Offset,
	)
	return nil
}

// monitorProducerEvents drains the producer's global event channel for the
// adapter's lifetime. Per-message delivery receipts are handled during
// publishing; anything arriving here is logged.
func (b *Broker) monitorProducerEvents(producer *kafka.Producer, closedCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-closedCh:
			b.log.Debugw("stopping kafka producer event monitoring")
			return
		case ev, ok := <-producer.Events():
			if !ok {
				b.log.Debugw("kafka producer event channel closed")
				return
			}

			switch e := ev.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					b.log.Errorw("failed to deliver message", "topicPartition", e.TopicPartition)
				}
			case kafka.Error:
				if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
					b.log.Errorw("fatal kafka producer error", "code", e.Code(), "error", e)
				} else {
					b.log.Warnw("ignoring non-fatal kafka error", "code", e.Code(), "error", e)
				}
			default:
				b.log.Debugw("ignoring kafka producer event", "event", e)
			}
		}
	}
}
