// Package kafkastream implements the broker contract over Kafka.
//
// Kafka is an append-only partitioned log: per-message deletion is
// structurally impossible, so Remove is a guaranteed no-op with a logged
// capability warning. Consume runs a bounded poll loop rather than a
// long-lived subscription so the uniform batch contract holds.
package kafkastream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/fluxwire/broker-gateway/pkg/broker"
	"github.com/fluxwire/broker-gateway/pkg/config"
	"go.uber.org/zap"
)

const brokerName = "kafka"

// Configuration keys read at Connect time.
const (
	keyBootstrapServers  = "broker.kafka.bootstrap_servers"
	keyGroupID           = "broker.kafka.group_id"
	keyClientID          = "broker.kafka.client_id"
	keyAutoOffsetReset   = "broker.kafka.auto_offset_reset"
	keyConsumeWait       = "broker.kafka.consume_wait"
	keyNumPartitions     = "broker.kafka.num_partitions"
	keyReplicationFactor = "broker.kafka.replication_factor"
)

const (
	defaultGroupID           = "broker-gateway"
	defaultClientID          = "broker-gateway"
	defaultAutoOffsetReset   = "earliest"
	defaultConsumeWait       = 2 * time.Second
	defaultNumPartitions     = 1
	defaultReplicationFactor = 1

	pollTimeoutMs  = 100
	flushTimeoutMs = 15000
)

// Broker holds one producer and one admin client created at Connect, and
// one consumer group member per consumed topic, created on first Consume.
// A shared consumer would force a group rebalance every time Consume
// switched topics and could hand back records from the previously
// subscribed topic mid-transition; dedicated members keep each topic's
// assignment stable. Topics are materialized on first use and the
// materialization is cached per topic name.
type Broker struct {
	provider config.Provider
	log      *zap.SugaredLogger

	mu        sync.Mutex
	producer  *kafka.Producer
	admin     *kafka.AdminClient
	topics    map[string]*topicEntry
	consumers map[string]*consumerEntry

	bootstrapServers string
	groupID          string
	autoOffsetReset  string

	consumeWait       time.Duration
	numPartitions     int
	replicationFactor int

	closedCh   chan struct{}
	eventsDone chan struct{}
}

// topicEntry materializes a topic exactly once even under concurrent first
// publishes, without serializing distinct topics.
type topicEntry struct {
	once sync.Once
	err  error
}

// consumerEntry builds one group member per topic exactly once. pollMu
// serializes Consume calls for the topic; the confluent consumer is not
// safe for concurrent polling.
type consumerEntry struct {
	once     sync.Once
	err      error
	consumer *kafka.Consumer
	pollMu   sync.Mutex
}

// New creates a Kafka adapter. No clients are built until Connect.
func New(provider config.Provider, log *zap.SugaredLogger) *Broker {
	return &Broker{
		provider:  provider,
		log:       log,
		topics:    make(map[string]*topicEntry),
		consumers: make(map[string]*consumerEntry),
	}
}

// Capabilities reports that an append log cannot delete specific messages.
func (b *Broker) Capabilities() broker.Capabilities {
	return broker.Capabilities{TargetedDelete: false}
}

// Connect builds the producer, admin client and consumer, and starts the
// producer event monitor. Calling Connect on a connected adapter is a no-op.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.producer != nil {
		b.log.Debugw("kafka already connected")
		return nil
	}

	servers, err := config.Require(b.provider, keyBootstrapServers)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}
	wait, err := config.Duration(b.provider, keyConsumeWait, defaultConsumeWait)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}
	numPartitions, err := config.Int(b.provider, keyNumPartitions, defaultNumPartitions)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}
	replicationFactor, err := config.Int(b.provider, keyReplicationFactor, defaultReplicationFactor)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}
	groupID := config.String(b.provider, keyGroupID, defaultGroupID)
	clientID := config.String(b.provider, keyClientID, defaultClientID)
	offsetReset := config.String(b.provider, keyAutoOffsetReset, defaultAutoOffsetReset)

	producerConfig := &kafka.ConfigMap{
		"bootstrap.servers": servers,
		"client.id":         clientID,

		// Reliability: wait for all replicas to acknowledge
		"acks": "all",

		// Performance tuning
		"linger.ms":        5,
		"batch.size":       16384,
		"compression.type": "lz4",

		"enable.idempotence": true,
	}
	producer, err := kafka.NewProducer(producerConfig)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: fmt.Errorf("failed to create producer: %w", err)}
	}

	admin, err := kafka.NewAdminClientFromProducer(producer)
	if err != nil {
		producer.Close()
		return &broker.ConnectionError{Broker: brokerName, Err: fmt.Errorf("failed to create admin client: %w", err)}
	}

	b.producer = producer
	b.admin = admin
	b.topics = make(map[string]*topicEntry)
	b.consumers = make(map[string]*consumerEntry)
	b.bootstrapServers = servers
	b.groupID = groupID
	b.autoOffsetReset = offsetReset
	b.consumeWait = wait
	b.numPartitions = numPartitions
	b.replicationFactor = replicationFactor
	b.closedCh = make(chan struct{})
	b.eventsDone = make(chan struct{})

	go b.monitorProducerEvents(b.producer, b.closedCh, b.eventsDone)

	b.log.Infow("kafka connected", "bootstrapServers", servers, "groupID", groupID)
	return nil
}

// Disconnect closes the per-topic consumers, stops the event monitor and
// flushes the producer queue before closing it. Safe without a prior
// Connect.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.producer == nil {
		return nil
	}

	for topic, entry := range b.consumers {
		if entry.consumer == nil {
			continue
		}
		if err := entry.consumer.Close(); err != nil {
			b.log.Warnw("failed to close kafka consumer", "topic", topic, "error", err)
		}
	}
	b.consumers = make(map[string]*consumerEntry)

	close(b.closedCh)
	<-b.eventsDone

	if pending := b.producer.Flush(flushTimeoutMs); pending > 0 {
		b.log.Warnf("flush incomplete, messages will be lost. pending: %d", pending)
	}
	b.producer.Close()
	b.producer = nil

	b.admin.Close()
	b.admin = nil

	b.log.Infow("kafka disconnected")
	return nil
}

// Publish materializes the topic if this adapter has not seen it yet, then
// synchronously produces the encoded envelope, blocking until a delivery
// receipt arrives or the context is canceled.
func (b *Broker) Publish(ctx context.Context, topic string, env broker.Envelope) error {
	producer, admin, err := b.producerHandles()
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}

	if err := b.ensureTopic(ctx, admin, topic); err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}

	value, err := env.Encode()
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: fmt.Errorf("failed to encode envelope: %w", err)}
	}

	if err := b.produceSync(ctx, producer, topic, []byte(env.ID), value); err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}

	b.log.Debugw("published", "broker", brokerName, "topic", topic, "id", env.ID)
	return nil
}

// Consume polls the topic's dedicated group member for the configured
// window, committing each message only after it is captured in the batch.
// An empty batch is a normal outcome, not an error.
func (b *Broker) Consume(ctx context.Context, topic string) ([]broker.Delivery, error) {
	entry, err := b.consumerFor(topic)
	if err != nil {
		return nil, &broker.ConsumeError{Broker: brokerName, Topic: topic, Err: err}
	}

	entry.pollMu.Lock()
	defer entry.pollMu.Unlock()
	consumer := entry.consumer

	var batch []broker.Delivery
	deadline := time.Now().Add(b.window())
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return batch, nil
		default:
		}

		ev := consumer.Poll(pollTimeoutMs)
		if ev == nil {
			continue
		}

		switch msg := ev.(type) {
		case *kafka.Message:
			if !matchesTopic(msg, topic) {
				// Left uncommitted so the record is redelivered where it
				// belongs after the next rebalance.
				b.log.Warnw("skipping record from another topic",
					"topic", topic,
					"recordTopic", recordTopic(msg),
					"partition", msg.TopicPartition.Partition,
					"offset", msg.TopicPartition.Offset,
				)
				continue
			}
			env, err := broker.Open(msg.Value)
			if err != nil {
				b.log.Warnw("skipping undecodable record",
					"topic", topic,
					"partition", msg.TopicPartition.Partition,
					"offset", msg.TopicPartition.Offset,
					"error", err,
				)
				continue
			}
			batch = append(batch, broker.Delivery{
				Envelope: env,
				Receipt:  fmt.Sprintf("%d@%d", msg.TopicPartition.Partition, msg.TopicPartition.Offset),
			})
			// Commit only after the record is captured in the batch; an
			// uncommitted record is redelivered, a lost one is not.
			if _, err := consumer.CommitMessage(msg); err != nil {
				b.log.Warnw("failed to commit offset, record may be redelivered",
					"topic", topic,
					"partition", msg.TopicPartition.Partition,
					"offset", msg.TopicPartition.Offset,
					"error", err,
				)
			}
		case kafka.Error:
			if msg.IsFatal() {
				return batch, &broker.ConsumeError{Broker: brokerName, Topic: topic, Err: msg}
			}
			b.log.Warnw("kafka error (non-fatal)", "error", msg)
		default:
			b.log.Debugw("ignoring kafka event", "event", msg)
		}
	}
	return batch, nil
}

// Remove is a documented no-op: the underlying model is an immutable append
// log and per-message deletion is structurally impossible.
func (b *Broker) Remove(ctx context.Context, topic string, d broker.Delivery) error {
	b.log.Warnw("remove is not supported by the kafka backend, treating as no-op",
		"topic", topic,
		"id", d.Envelope.ID,
		"receipt", d.Receipt,
	)
	return nil
}

func (b *Broker) producerHandles() (*kafka.Producer, *kafka.AdminClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producer == nil {
		return nil, nil, fmt.Errorf("not connected")
	}
	return b.producer, b.admin, nil
}

// consumerFor returns the topic's group member, creating and subscribing it
// exactly once even under concurrent first consumes. A failed build is
// dropped from the map so a later call can retry.
func (b *Broker) consumerFor(topic string) (*consumerEntry, error) {
	b.mu.Lock()
	if b.producer == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	entry, ok := b.consumers[topic]
	if !ok {
		entry = &consumerEntry{}
		b.consumers[topic] = entry
	}
	servers, groupID, offsetReset := b.bootstrapServers, b.groupID, b.autoOffsetReset
	b.mu.Unlock()

	entry.once.Do(func() {
		consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
			"bootstrap.servers":  servers,
			"group.id":           groupID,
			"auto.offset.reset":  offsetReset,
			"enable.auto.commit": false,
		})
		if err != nil {
			entry.err = fmt.Errorf("failed to create consumer: %w", err)
		} else if err := consumer.Subscribe(topic, nil); err != nil {
			consumer.Close() //nolint:errcheck // consumer is being abandoned
			entry.err = fmt.Errorf("failed to subscribe to topic %q: %w", topic, err)
		} else {
			entry.consumer = consumer
		}
		if entry.err != nil {
			b.mu.Lock()
			delete(b.consumers, topic)
			b.mu.Unlock()
		}
	})
	if entry.err != nil {
		return nil, entry.err
	}
	return entry, nil
}

// matchesTopic reports whether a polled record belongs to the requested
// topic.
func matchesTopic(msg *kafka.Message, topic string) bool {
	return msg.TopicPartition.Topic != nil && *msg.TopicPartition.Topic == topic
}

func recordTopic(msg *kafka.Message) string {
	if msg.TopicPartition.Topic == nil {
		return ""
	}
	return *msg.TopicPartition.Topic
}

func (b *Broker) window() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumeWait <= 0 {
		return defaultConsumeWait
	}
	return b.consumeWait
}

// ensureTopic creates the topic if it does not exist, tolerating concurrent
// creation by another client. Materialization happens exactly once per
// topic name for the adapter's lifetime.
func (b *Broker) ensureTopic(ctx context.Context, admin *kafka.AdminClient, topic string) error {
	b.mu.Lock()
	entry, ok := b.topics[topic]
	if !ok {
		entry = &topicEntry{}
		b.topics[topic] = entry
	}
	numPartitions := b.numPartitions
	replicationFactor := b.replicationFactor
	b.mu.Unlock()

	entry.once.Do(func() {
		entry.err = createTopic(ctx, admin, topic, numPartitions, replicationFactor, b.log)
		if entry.err != nil {
			b.mu.Lock()
			delete(b.topics, topic)
			b.mu.Unlock()
		}
	})
	return entry.err
}

func createTopic(
	ctx context.Context,
	admin *kafka.AdminClient,
	topic string,
	numPartitions int,
	replicationFactor int,
	log *zap.SugaredLogger,
) error {
	spec := kafka.TopicSpecification{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: replicationFactor,
	}

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{spec})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", topic, err)
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %q: %w", result.Topic, result.Error)
		}

		if result.Error.Code() == kafka.ErrTopicAlreadyExists {
			log.Debugw("topic already exists", "topic", result.Topic)
		} else {
			log.Infow("created topic",
				"topic", result.Topic,
				"partitions", numPartitions,
				"replicationFactor", replicationFactor)
		}
	}

	return nil
}
