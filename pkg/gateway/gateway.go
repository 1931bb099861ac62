// Package gateway wires a configured broker type to its adapter and exposes
// the uniform facade application code depends on.
package gateway

import (
	"context"
	"time"

	"github.com/fluxwire/broker-gateway/pkg/broker"
	"github.com/fluxwire/broker-gateway/pkg/metrics"
	"go.uber.org/zap"
)

// Gateway is the uniform facade over one active adapter. It delegates every
// operation 1:1 and records operation metrics when a collector is attached.
// Application code depends on the Gateway only; swapping broker technologies
// is a configuration change, not a code change.
type Gateway struct {
	name    string
	adapter broker.MessageBroker
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// Wrap builds a Gateway around an already-constructed adapter.
// The metrics collector may be nil.
func Wrap(name string, adapter broker.MessageBroker, log *zap.SugaredLogger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		name:    name,
		adapter: adapter,
		log:     log,
		metrics: m,
	}
}

// Name returns the broker-type token this gateway was built for.
func (g *Gateway) Name() string { return g.name }

// Capabilities exposes the active adapter's capability descriptor.
func (g *Gateway) Capabilities() broker.Capabilities { return g.adapter.Capabilities() }

func (g *Gateway) Connect(ctx context.Context) error {
	return g.observe(metrics.OpConnect, "", func() error {
		return g.adapter.Connect(ctx)
	})
}

func (g *Gateway) Disconnect(ctx context.Context) error {
	return g.observe(metrics.OpDisconnect, "", func() error {
		return g.adapter.Disconnect(ctx)
	})
}

func (g *Gateway) Publish(ctx context.Context, topic string, env broker.Envelope) error {
	return g.observe(metrics.OpPublish, topic, func() error {
		return g.adapter.Publish(ctx, topic, env)
	})
}

func (g *Gateway) Consume(ctx context.Context, topic string) ([]broker.Delivery, error) {
	var batch []broker.Delivery
	err := g.observe(metrics.OpConsume, topic, func() error {
		var consumeErr error
		batch, consumeErr = g.adapter.Consume(ctx, topic)
		return consumeErr
	})
	if err == nil && g.metrics != nil {
		g.metrics.ObserveBatchSize(g.name, len(batch))
	}
	return batch, err
}

func (g *Gateway) Remove(ctx context.Context, topic string, d broker.Delivery) error {
	if !g.adapter.Capabilities().TargetedDelete && g.metrics != nil {
		g.metrics.IncCapabilityWarning(g.name, metrics.OpRemove)
	}
	return g.observe(metrics.OpRemove, topic, func() error {
		return g.adapter.Remove(ctx, topic, d)
	})
}

func (g *Gateway) observe(op string, topic string, fn func() error) error {
	start := time.Now()
	err := fn()
	if g.metrics != nil {
		g.metrics.ObserveOperation(g.name, op, err == nil, time.Since(start))
	}
	if err != nil {
		g.log.Errorw("gateway operation failed",
			"broker", g.name,
			"op", op,
			"topic", topic,
			"error", err,
		)
	}
	return err
}
