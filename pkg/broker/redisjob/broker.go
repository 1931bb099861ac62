// Package redisjob implements the broker contract over a Redis-backed job
// queue.
//
// Unlike the other adapters, which hold one shared connection, resource
// granularity here is per topic: each topic name seen so far owns a jobs
// list, a delayed-jobs sorted set with a companion scheduler that promotes
// due jobs, and a worker that pops jobs and emits them on a completions
// buffer. Consume bridges that event-driven flow back into the uniform
// batch contract by draining the buffer for a bounded window.
package redisjob

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fluxwire/broker-gateway/pkg/broker"
	"github.com/fluxwire/broker-gateway/pkg/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const brokerName = "redis"

// Configuration keys read at Connect time.
const (
	keyAddr        = "broker.redis.addr"
	keyPassword    = "broker.redis.password"
	keyDB          = "broker.redis.db"
	keyConsumeWait = "broker.redis.consume_wait"
)

const (
	defaultConsumeWait = 2 * time.Second

	completionsBuffer = 256
	popTimeout        = time.Second
	schedulerInterval = 500 * time.Millisecond
	requeueBackoff    = 2 * time.Second
)

// commands is the slice of the go-redis client surface this adapter uses.
// *redis.Client satisfies it; tests substitute a fake.
type commands interface {
	Ping(ctx context.Context) *redis.StatusCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Close() error
}

// job is the queue record wrapping an envelope.
type job struct {
	ID         string          `json:"id"`
	Envelope   broker.Envelope `json:"envelope"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

// Broker owns one Redis client and a per-topic resource map.
type Broker struct {
	provider config.Provider
	log      *zap.SugaredLogger

	mu          sync.Mutex
	client      commands
	topics      map[string]*topicResources
	consumeWait time.Duration
	wg          sync.WaitGroup
	stopCh      chan struct{}
}

// New creates a Redis job-queue adapter. The client is built at Connect.
func New(provider config.Provider, log *zap.SugaredLogger) *Broker {
	return &Broker{
		provider: provider,
		log:      log,
		topics:   make(map[string]*topicResources),
	}
}

// Capabilities reports that jobs can be deleted by payload match.
func (b *Broker) Capabilities() broker.Capabilities {
	return broker.Capabilities{TargetedDelete: true}
}

// Connect builds the client and verifies the server is reachable.
// Calling Connect on a connected adapter is a no-op.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		b.log.Debugw("redis already connected")
		return nil
	}

	addr, err := config.Require(b.provider, keyAddr)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}
	db, err := config.Int(b.provider, keyDB, 0)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}
	wait, err := config.Duration(b.provider, keyConsumeWait, defaultConsumeWait)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String(b.provider, keyPassword, ""),
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // client is being abandoned
		return &broker.ConnectionError{Broker: brokerName, Err: fmt.Errorf("failed to ping: %w", err)}
	}

	b.client = client
	b.topics = make(map[string]*topicResources)
	b.consumeWait = wait
	b.stopCh = make(chan struct{})
	b.log.Infow("redis connected", "addr", addr, "db", db)
	return nil
}

// Disconnect stops all per-topic workers and schedulers, then closes the
// client. Safe without a prior Connect.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.client == nil {
		b.mu.Unlock()
		return nil
	}
	client := b.client
	b.client = nil
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()

	if err := client.Close(); err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: fmt.Errorf("failed to close client: %w", err)}
	}
	b.log.Infow("redis disconnected")
	return nil
}

// Publish lazily creates the topic's queue and companion scheduler, then
// enqueues the envelope as a job record.
func (b *Broker) Publish(ctx context.Context, topic string, env broker.Envelope) error {
	client, res, err := b.resources(topic, false)
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}

	record := job{
		ID:         uuid.NewString(),
		Envelope:   env,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: fmt.Errorf("failed to encode job: %w", err)}
	}

	if err := client.RPush(ctx, res.listKey, payload).Err(); err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}

	b.log.Debugw("published", "broker", brokerName, "topic", topic, "id", env.ID, "job", record.ID)
	return nil
}

// Consume lazily creates the topic's worker, then drains its completions
// buffer for the consume window and returns whatever accumulated. The
// worker keeps running between calls, so jobs completed while no Consume
// was in flight are returned by the next one.
func (b *Broker) Consume(ctx context.Context, topic string) ([]broker.Delivery, error) {
	_, res, err := b.resources(topic, true)
	if err != nil {
		return nil, &broker.ConsumeError{Broker: brokerName, Topic: topic, Err: err}
	}

	timer := time.NewTimer(b.window())
	defer timer.Stop()

	var batch []broker.Delivery
	for {
		select {
		case <-ctx.Done():
			return batch, nil
		case <-timer.C:
			return batch, nil
		case d := <-res.completions:
			batch = append(batch, d)
		}
	}
}

// Remove scans the topic's queue for the job whose payload matches the
// given envelope by value and deletes the first match; the delayed set is
// checked as well. This is an O(queue depth) scan, unlike the O(1)
// handle-based deletion of poll-based backends. A message that is no
// longer enqueued is treated as already removed.
func (b *Broker) Remove(ctx context.Context, topic string, d broker.Delivery) error {
	client, res, err := b.resources(topic, false)
	if err != nil {
		return &broker.RemoveError{Broker: brokerName, Topic: topic, Err: err}
	}

	removed, err := b.removeFromList(ctx, client, res.listKey, d.Envelope)
	if err != nil {
		return &broker.RemoveError{Broker: brokerName, Topic: topic, Err: err}
	}
	if removed {
		b.log.Debugw("removed", "broker", brokerName, "topic", topic, "id", d.Envelope.ID)
		return nil
	}

	removed, err = b.removeFromDelayed(ctx, client, res.delayedKey, d.Envelope)
	if err != nil {
		return &broker.RemoveError{Broker: brokerName, Topic: topic, Err: err}
	}
	if removed {
		b.log.Debugw("removed delayed", "broker", brokerName, "topic", topic, "id", d.Envelope.ID)
	} else {
		b.log.Debugw("message not found in queue, nothing to remove", "topic", topic, "id", d.Envelope.ID)
	}
	return nil
}

func (b *Broker) removeFromList(ctx context.Context, client commands, key string, env broker.Envelope) (bool, error) {
	entries, err := client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, raw := range entries {
		var record job
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		if record.Envelope.Equal(env) {
			if err := client.LRem(ctx, key, 1, raw).Err(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (b *Broker) removeFromDelayed(ctx context.Context, client commands, key string, env broker.Envelope) (bool, error) {
	entries, err := client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return false, err
	}
	for _, raw := range entries {
		var record job
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		if record.Envelope.Equal(env) {
			if err := client.ZRem(ctx, key, raw).Err(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (b *Broker) window() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumeWait <= 0 {
		return defaultConsumeWait
	}
	return b.consumeWait
}
