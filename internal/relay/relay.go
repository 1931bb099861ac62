// Package relay moves messages between two gateways: every interval it
// consumes a batch from the source and republishes each envelope to the
// sink, optionally handing every relayed delivery to an archiver.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxwire/broker-gateway/pkg/broker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	publishTimeout = 5 * time.Second
	removeTimeout  = 5 * time.Second
	maxRetries     = 3
	backoff        = 300 * time.Millisecond
)

// Endpoint is the gateway surface the relay depends on.
// *gateway.Gateway satisfies it.
type Endpoint interface {
	Publish(ctx context.Context, topic string, env broker.Envelope) error
	Consume(ctx context.Context, topic string) ([]broker.Delivery, error)
	Remove(ctx context.Context, topic string, d broker.Delivery) error
	Capabilities() broker.Capabilities
}

// Archiver records relayed deliveries in durable storage.
type Archiver interface {
	Archive(ctx context.Context, topic string, d broker.Delivery) error
}

// Config controls one relay run.
type Config struct {
	Topics      []string
	Interval    time.Duration
	MaxInFlight int64
}

// Relay pumps messages from source to sink until its context is canceled.
type Relay struct {
	source        Endpoint
	sink          Endpoint
	archiver      Archiver
	log           *zap.SugaredLogger
	cfg           Config
	sourceDeletes bool
}

// New creates a relay. The archiver may be nil.
func New(source, sink Endpoint, archiver Archiver, log *zap.SugaredLogger, cfg Config) *Relay {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	return &Relay{
		source:        source,
		sink:          sink,
		archiver:      archiver,
		log:           log,
		cfg:           cfg,
		sourceDeletes: source.Capabilities().TargetedDelete,
	}
}

// Run relays all configured topics concurrently and blocks until the
// context is canceled or a topic loop fails.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range r.cfg.Topics {
		topic := topic
		g.Go(func() error {
			return r.runTopic(ctx, topic)
		})
	}
	return g.Wait()
}

// runTopic consumes a batch every interval and republishes it, bounding
// in-flight publishes with a semaphore so one slow sink does not pile up
// unbounded goroutines.
func (r *Relay) runTopic(ctx context.Context, topic string) error {
	sem := semaphore.NewWeighted(r.cfg.MaxInFlight)
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			// Wait for in-flight publishes before reporting the topic done.
			if err := sem.Acquire(context.Background(), r.cfg.MaxInFlight); err != nil {
				return fmt.Errorf("failed to drain in-flight publishes: %w", err)
			}
			return nil
		case <-t.C:
			batch, err := r.source.Consume(ctx, topic)
			if err != nil {
				r.log.Errorw("consume failed, will retry next tick", "topic", topic, "error", err)
				continue
			}
			if len(batch) == 0 {
				continue
			}
			r.log.Debugw("relaying batch", "topic", topic, "count", len(batch))

			for _, d := range batch {
				if err := sem.Acquire(ctx, 1); err != nil {
					return fmt.Errorf("failed to acquire semaphore: %w", err)
				}
				d := d
				go func() {
					defer sem.Release(1)
					r.forward(ctx, topic, d)
				}()
			}
		}
	}
}

// forward publishes one delivery to the sink with bounded retries. Once the
// publish sticks, the delivery is removed from the source when the source
// supports targeted deletion; leaving it there would let a visibility
// timeout hand the same message out again on a later tick. A delivery that
// cannot be published after all attempts is logged, dropped and left on the
// source.
func (r *Relay) forward(ctx context.Context, topic string, d broker.Delivery) {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctxP, cancel := context.WithTimeout(ctx, publishTimeout)
		err = r.sink.Publish(ctxP, topic, d.Envelope)
		cancel()
		if err == nil {
			break
		}
		if attempt < maxRetries {
			time.Sleep(backoff)
		}
	}
	if err != nil {
		r.log.Errorw("dropping message, publish failed after retries",
			"topic", topic,
			"id", d.Envelope.ID,
			"attempts", maxRetries+1,
			"error", err,
		)
		return
	}

	if r.sourceDeletes {
		ctxR, cancel := context.WithTimeout(ctx, removeTimeout)
		if err := r.source.Remove(ctxR, topic, d); err != nil {
			r.log.Warnw("failed to remove relayed message from source, it may be relayed again",
				"topic", topic,
				"id", d.Envelope.ID,
				"error", err,
			)
		}
		cancel()
	}

	if r.archiver != nil {
		if err := r.archiver.Archive(ctx, topic, d); err != nil {
			r.log.Warnw("failed to archive relayed message", "topic", topic, "id", d.Envelope.ID, "error", err)
		}
	}
}
