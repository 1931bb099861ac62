package redisjob

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fluxwire/broker-gateway/pkg/broker"
	"github.com/fluxwire/broker-gateway/pkg/config"
)

// fakeRedis implements the commands interface with in-memory lists and
// sorted sets.
type fakeRedis struct {
	mu    sync.Mutex
	lists map[string][]string
	zsets map[string]map[string]float64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		lists: make(map[string][]string),
		zsets: make(map[string]map[string]float64),
	}
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append(f.lists[key], asString(v))
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.lists[key])))
	return cmd
}

func (f *fakeRedis) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		for _, key := range keys {
			if vals := f.lists[key]; len(vals) > 0 {
				f.lists[key] = vals[1:]
				f.mu.Unlock()
				cmd.SetVal([]string{key, vals[0]})
				return cmd
			}
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			cmd.SetErr(redis.Nil)
			return cmd
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeRedis) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(append([]string(nil), f.lists[key]...))
	return cmd
}

func (f *fakeRedis) LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	want := asString(value)
	for i, v := range f.lists[key] {
		if v == want {
			f.lists[key] = append(f.lists[key][:i], f.lists[key][i+1:]...)
			cmd.SetVal(1)
			return cmd
		}
	}
	cmd.SetVal(0)
	return cmd
}

func (f *fakeRedis) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	for _, m := range members {
		f.zsets[key][asString(m.Member)] = m.Score
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (f *fakeRedis) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := math.Inf(1)
	if opt != nil && opt.Max != "+inf" {
		if v, err := strconv.ParseFloat(opt.Max, 64); err == nil {
			max = v
		}
	}
	cmd := redis.NewStringSliceCmd(ctx)
	var out []string
	for member, score := range f.zsets[key] {
		if score <= max {
			out = append(out, member)
		}
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, m := range members {
		if _, ok := f.zsets[key][asString(m)]; ok {
			delete(f.zsets[key], asString(m))
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

// newTestBroker wires a fake client directly, skipping the network dial
// that Connect performs.
func newTestBroker(t *testing.T, fake *fakeRedis) *Broker {
	t.Helper()
	b := New(config.Static{}, zaptest.NewLogger(t).Sugar())
	b.client = fake
	b.topics = make(map[string]*topicResources)
	b.consumeWait = 300 * time.Millisecond
	b.stopCh = make(chan struct{})
	t.Cleanup(func() {
		require.NoError(t, b.Disconnect(context.Background()))
	})
	return b
}

func testEnvelope(id string) broker.Envelope {
	return broker.New("order.created", 1, id, "2026-03-14T09:26:53Z", json.RawMessage(`{"total":42}`))
}

// ===== lifecycle =====

func TestConnect_MissingAddr(t *testing.T) {
	t.Parallel()
	b := New(config.Static{}, zaptest.NewLogger(t).Sugar())

	err := b.Connect(context.Background())
	var connErr *broker.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, err.Error(), "broker.redis.addr")
}

func TestDisconnect_WithoutConnect(t *testing.T) {
	t.Parallel()
	b := New(config.Static{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, b.Disconnect(context.Background()))
}

func TestPublish_NotConnected(t *testing.T) {
	t.Parallel()
	b := New(config.Static{}, zaptest.NewLogger(t).Sugar())

	err := b.Publish(context.Background(), "orders", testEnvelope("a"))
	var pubErr *broker.PublishError
	require.ErrorAs(t, err, &pubErr)
}

// ===== publish / consume =====

func TestPublishConsume_RoundTrip(t *testing.T) {
	t.Parallel()
	fake := newFakeRedis()
	b := newTestBroker(t, fake)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "orders", testEnvelope("a")))
	require.NoError(t, b.Publish(ctx, "orders", testEnvelope("b")))

	batch, err := b.Consume(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].Envelope.ID)
	assert.Equal(t, "b", batch[1].Envelope.ID)
	// Receipts carry the internal job ID assigned at publish.
	assert.NotEmpty(t, batch[0].Receipt)
	assert.NotEqual(t, batch[0].Receipt, batch[1].Receipt)
}

func TestConsume_EmptyTopicReturnsWithinWindow(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t, newFakeRedis())

	start := time.Now()
	batch, err := b.Consume(context.Background(), "orders")
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConsume_WorkerKeepsRunningBetweenCalls(t *testing.T) {
	t.Parallel()
	fake := newFakeRedis()
	b := newTestBroker(t, fake)
	ctx := context.Background()

	// First consume starts the worker; topic is still empty.
	batch, err := b.Consume(ctx, "orders")
	require.NoError(t, err)
	require.Empty(t, batch)

	// A job published between consume calls is picked up by the running
	// worker and handed out on the next call.
	require.NoError(t, b.Publish(ctx, "orders", testEnvelope("late")))

	batch, err = b.Consume(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "late", batch[0].Envelope.ID)
}

// ===== remove =====

func TestRemove_MatchingJob(t *testing.T) {
	t.Parallel()
	fake := newFakeRedis()
	b := newTestBroker(t, fake)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "orders", testEnvelope("a")))
	require.NoError(t, b.Publish(ctx, "orders", testEnvelope("b")))

	err := b.Remove(ctx, "orders", broker.Delivery{Envelope: testEnvelope("a")})
	require.NoError(t, err)

	fake.mu.Lock()
	remaining := append([]string(nil), fake.lists["gateway:jobs:orders"]...)
	fake.mu.Unlock()
	require.Len(t, remaining, 1)

	var record job
	require.NoError(t, json.Unmarshal([]byte(remaining[0]), &record))
	assert.Equal(t, "b", record.Envelope.ID)
}

func TestRemove_MatchesByValueNotByteEquality(t *testing.T) {
	t.Parallel()
	fake := newFakeRedis()
	b := newTestBroker(t, fake)
	ctx := context.Background()

	env := broker.New("order.created", 1, "a", "2026-03-14T09:26:53Z", json.RawMessage(`{"x":1,"y":2}`))
	require.NoError(t, b.Publish(ctx, "orders", env))

	// Same payload, different key order and whitespace.
	lookalike := broker.New("order.created", 1, "a", "2026-03-14T09:26:53Z", json.RawMessage(`{ "y": 2, "x": 1 }`))
	require.NoError(t, b.Remove(ctx, "orders", broker.Delivery{Envelope: lookalike}))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.lists["gateway:jobs:orders"])
}

func TestRemove_DelayedJob(t *testing.T) {
	t.Parallel()
	fake := newFakeRedis()
	b := newTestBroker(t, fake)
	ctx := context.Background()

	// Resources must exist so Remove knows the topic's keys.
	require.NoError(t, b.Publish(ctx, "orders", testEnvelope("keep")))

	record := job{ID: "job-parked", Envelope: testEnvelope("parked"), EnqueuedAt: time.Now().UnixMilli()}
	raw, err := json.Marshal(record)
	require.NoError(t, err)
	fake.ZAdd(ctx, "gateway:delayed:orders", redis.Z{
		Score:  float64(time.Now().Add(time.Hour).UnixMilli()),
		Member: string(raw),
	})

	require.NoError(t, b.Remove(ctx, "orders", broker.Delivery{Envelope: testEnvelope("parked")}))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.zsets["gateway:delayed:orders"])
	assert.Len(t, fake.lists["gateway:jobs:orders"], 1)
}

func TestRemove_NotFoundIsNoOp(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t, newFakeRedis())

	err := b.Remove(context.Background(), "orders", broker.Delivery{Envelope: testEnvelope("ghost")})
	require.NoError(t, err)
}

// ===== resources =====

func TestResources_OnePerTopic(t *testing.T) {
	t.Parallel()
	fake := newFakeRedis()
	b := newTestBroker(t, fake)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Publish(ctx, "orders", testEnvelope("x")))
		}()
	}
	wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Len(t, b.topics, 1)
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	b := New(config.Static{}, zaptest.NewLogger(t).Sugar())
	assert.True(t, b.Capabilities().TargetedDelete)
}
