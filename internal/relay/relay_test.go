package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fluxwire/broker-gateway/pkg/broker"
)

// scriptedSource hands out each batch once, then empty batches. Consume is
// destructive, like an ack-at-consume backend.
type scriptedSource struct {
	mu      sync.Mutex
	batches map[string][]broker.Delivery
	err     error
	removed []string
}

func (s *scriptedSource) Publish(ctx context.Context, topic string, env broker.Envelope) error {
	return errors.New("source is consume-only in these tests")
}

func (s *scriptedSource) Consume(ctx context.Context, topic string) ([]broker.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		err := s.err
		s.err = nil
		return nil, err
	}
	batch := s.batches[topic]
	delete(s.batches, topic)
	return batch, nil
}

func (s *scriptedSource) Remove(ctx context.Context, topic string, d broker.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, d.Envelope.ID)
	return nil
}

func (s *scriptedSource) Capabilities() broker.Capabilities {
	return broker.Capabilities{TargetedDelete: false}
}

// visibilitySource models a polling queue: a consumed message is hidden for
// the visibility window and then handed out again unless it was removed.
type visibilitySource struct {
	mu         sync.Mutex
	visibility time.Duration
	messages   map[string][]broker.Delivery
	hiddenTill map[string]time.Time
	removed    map[string]bool
}

func newVisibilitySource(visibility time.Duration) *visibilitySource {
	return &visibilitySource{
		visibility: visibility,
		messages:   make(map[string][]broker.Delivery),
		hiddenTill: make(map[string]time.Time),
		removed:    make(map[string]bool),
	}
}

func (s *visibilitySource) add(topic string, ds ...broker.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[topic] = append(s.messages[topic], ds...)
}

func (s *visibilitySource) Publish(ctx context.Context, topic string, env broker.Envelope) error {
	return errors.New("source is consume-only in these tests")
}

func (s *visibilitySource) Consume(ctx context.Context, topic string) ([]broker.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var batch []broker.Delivery
	for _, d := range s.messages[topic] {
		if s.removed[d.Envelope.ID] || now.Before(s.hiddenTill[d.Envelope.ID]) {
			continue
		}
		s.hiddenTill[d.Envelope.ID] = now.Add(s.visibility)
		batch = append(batch, d)
	}
	return batch, nil
}

func (s *visibilitySource) Remove(ctx context.Context, topic string, d broker.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[d.Envelope.ID] = true
	return nil
}

func (s *visibilitySource) Capabilities() broker.Capabilities {
	return broker.Capabilities{TargetedDelete: true}
}

func (s *visibilitySource) pending(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.messages[topic] {
		if !s.removed[d.Envelope.ID] {
			n++
		}
	}
	return n
}

// collectingSink records published envelopes, failing the first failSends
// attempts per envelope ID.
type collectingSink struct {
	mu        sync.Mutex
	published map[string][]broker.Envelope
	attempts  map[string]int
	failSends int
}

func newCollectingSink() *collectingSink {
	return &collectingSink{
		published: make(map[string][]broker.Envelope),
		attempts:  make(map[string]int),
	}
}

func (s *collectingSink) Publish(ctx context.Context, topic string, env broker.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[env.ID]++
	if s.attempts[env.ID] <= s.failSends {
		return errors.New("sink unavailable")
	}
	s.published[topic] = append(s.published[topic], env)
	return nil
}

func (s *collectingSink) Consume(ctx context.Context, topic string) ([]broker.Delivery, error) {
	return nil, errors.New("sink is publish-only in these tests")
}

func (s *collectingSink) Remove(ctx context.Context, topic string, d broker.Delivery) error {
	return errors.New("sink is publish-only in these tests")
}

func (s *collectingSink) Capabilities() broker.Capabilities {
	return broker.Capabilities{}
}

func (s *collectingSink) publishedTo(topic string) []broker.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broker.Envelope(nil), s.published[topic]...)
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []broker.Delivery
	err      error
}

func (a *recordingArchiver) Archive(ctx context.Context, topic string, d broker.Delivery) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, d)
	return a.err
}

func delivery(id string) broker.Delivery {
	return broker.Delivery{
		Envelope: broker.New("order.created", 1, id, "2026-03-14T09:26:53Z", json.RawMessage(`{}`)),
	}
}

func runRelay(t *testing.T, r *Relay, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, r.Run(ctx))
}

func TestRelay_ForwardsBatch(t *testing.T) {
	t.Parallel()
	source := &scriptedSource{batches: map[string][]broker.Delivery{
		"orders": {delivery("a"), delivery("b")},
	}}
	sink := newCollectingSink()

	r := New(source, sink, nil, zaptest.NewLogger(t).Sugar(), Config{
		Topics:      []string{"orders"},
		Interval:    10 * time.Millisecond,
		MaxInFlight: 4,
	})
	runRelay(t, r, 200*time.Millisecond)

	got := sink.publishedTo("orders")
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestRelay_MultipleTopics(t *testing.T) {
	t.Parallel()
	source := &scriptedSource{batches: map[string][]broker.Delivery{
		"orders":    {delivery("a")},
		"shipments": {delivery("b")},
	}}
	sink := newCollectingSink()

	r := New(source, sink, nil, zaptest.NewLogger(t).Sugar(), Config{
		Topics:      []string{"orders", "shipments"},
		Interval:    10 * time.Millisecond,
		MaxInFlight: 2,
	})
	runRelay(t, r, 200*time.Millisecond)

	require.Len(t, sink.publishedTo("orders"), 1)
	require.Len(t, sink.publishedTo("shipments"), 1)
}

func TestRelay_RetriesFailedPublish(t *testing.T) {
	t.Parallel()
	source := &scriptedSource{batches: map[string][]broker.Delivery{
		"orders": {delivery("a")},
	}}
	sink := newCollectingSink()
	sink.failSends = 1

	r := New(source, sink, nil, zaptest.NewLogger(t).Sugar(), Config{
		Topics:      []string{"orders"},
		Interval:    10 * time.Millisecond,
		MaxInFlight: 1,
	})
	runRelay(t, r, time.Second)

	got := sink.publishedTo("orders")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 2, sink.attempts["a"])
}

func TestRelay_ConsumeErrorDoesNotStopTheLoop(t *testing.T) {
	t.Parallel()
	source := &scriptedSource{
		err: errors.New("transient poll failure"),
		batches: map[string][]broker.Delivery{
			"orders": {delivery("a")},
		},
	}
	sink := newCollectingSink()

	r := New(source, sink, nil, zaptest.NewLogger(t).Sugar(), Config{
		Topics:      []string{"orders"},
		Interval:    10 * time.Millisecond,
		MaxInFlight: 1,
	})
	runRelay(t, r, 300*time.Millisecond)

	require.Len(t, sink.publishedTo("orders"), 1)
}

func TestRelay_ArchivesRelayedDeliveries(t *testing.T) {
	t.Parallel()
	source := &scriptedSource{batches: map[string][]broker.Delivery{
		"orders": {delivery("a"), delivery("b")},
	}}
	sink := newCollectingSink()
	archiver := &recordingArchiver{}

	r := New(source, sink, archiver, zaptest.NewLogger(t).Sugar(), Config{
		Topics:      []string{"orders"},
		Interval:    10 * time.Millisecond,
		MaxInFlight: 4,
	})
	runRelay(t, r, 300*time.Millisecond)

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	assert.Len(t, archiver.archived, 2)
}

func TestRelay_ArchiverFailureDoesNotBlockRelay(t *testing.T) {
	t.Parallel()
	source := &scriptedSource{batches: map[string][]broker.Delivery{
		"orders": {delivery("a")},
	}}
	sink := newCollectingSink()
	archiver := &recordingArchiver{err: errors.New("clickhouse down")}

	r := New(source, sink, archiver, zaptest.NewLogger(t).Sugar(), Config{
		Topics:      []string{"orders"},
		Interval:    10 * time.Millisecond,
		MaxInFlight: 1,
	})
	runRelay(t, r, 200*time.Millisecond)

	require.Len(t, sink.publishedTo("orders"), 1)
}

func TestRelay_RemovesRelayedMessagesFromPollingSource(t *testing.T) {
	t.Parallel()
	source := newVisibilitySource(30 * time.Millisecond)
	source.add("orders", delivery("msg-1"), delivery("msg-2"))
	sink := newCollectingSink()

	r := New(source, sink, nil, zaptest.NewLogger(t).Sugar(), Config{
		Topics:      []string{"orders"},
		Interval:    10 * time.Millisecond,
		MaxInFlight: 4,
	})
	// Long enough for several visibility windows to lapse; without removal
	// each message would be republished on every reappearance.
	runRelay(t, r, 300*time.Millisecond)

	got := sink.publishedTo("orders")
	require.Len(t, got, 2)
	counts := map[string]int{}
	for _, env := range got {
		counts[env.ID]++
	}
	assert.LessOrEqual(t, counts["msg-1"], 1)
	assert.LessOrEqual(t, counts["msg-2"], 1)
	assert.Zero(t, source.pending("orders"))
}

func TestRelay_LeavesSourceAloneWithoutTargetedDelete(t *testing.T) {
	t.Parallel()
	source := &scriptedSource{batches: map[string][]broker.Delivery{
		"orders": {delivery("a")},
	}}
	sink := newCollectingSink()

	r := New(source, sink, nil, zaptest.NewLogger(t).Sugar(), Config{
		Topics:      []string{"orders"},
		Interval:    10 * time.Millisecond,
		MaxInFlight: 1,
	})
	runRelay(t, r, 200*time.Millisecond)

	require.Len(t, sink.publishedTo("orders"), 1)
	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Empty(t, source.removed)
}

func TestRelay_FailedPublishIsNotRemovedFromSource(t *testing.T) {
	t.Parallel()
	source := newVisibilitySource(time.Hour)
	source.add("orders", delivery("a"))
	sink := newCollectingSink()
	sink.failSends = maxRetries + 1

	r := New(source, sink, nil, zaptest.NewLogger(t).Sugar(), Config{
		Topics:      []string{"orders"},
		Interval:    10 * time.Millisecond,
		MaxInFlight: 1,
	})
	runRelay(t, r, 2*time.Second)

	assert.Empty(t, sink.publishedTo("orders"))
	assert.Equal(t, 1, source.pending("orders"))
}

func TestNew_ClampsMaxInFlight(t *testing.T) {
	t.Parallel()
	source := &scriptedSource{}
	r := New(source, newCollectingSink(), nil, zaptest.NewLogger(t).Sugar(), Config{MaxInFlight: 0})
	assert.Equal(t, int64(1), r.cfg.MaxInFlight)
}
