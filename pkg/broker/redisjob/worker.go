package redisjob

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fluxwire/broker-gateway/pkg/broker"
	"github.com/redis/go-redis/v9"
)

// topicResources is the per-topic unit: a jobs list, a delayed-jobs sorted
// set whose scheduler promotes due entries back onto the list, and a worker
// feeding the completions buffer. Created lazily on first use and kept for
// the adapter's lifetime.
type topicResources struct {
	topic       string
	listKey     string
	delayedKey  string
	completions chan broker.Delivery
	workerOn    bool
}

// resources returns the topic's resource set, creating it (and starting its
// scheduler) on first use. Exactly one resource set is created per topic
// even under concurrent first publishes. The worker is started only when a
// consumer first asks for the topic.
func (b *Broker) resources(topic string, wantWorker bool) (commands, *topicResources, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		return nil, nil, fmt.Errorf("not connected")
	}

	res, ok := b.topics[topic]
	if !ok {
		res = &topicResources{
			topic:       topic,
			listKey:     "gateway:jobs:" + topic,
			delayedKey:  "gateway:delayed:" + topic,
			completions: make(chan broker.Delivery, completionsBuffer),
		}
		b.topics[topic] = res

		b.wg.Add(1)
		go b.runScheduler(b.client, res, b.stopCh)
		b.log.Infow("created job queue", "topic", topic)
	}

	if wantWorker && !res.workerOn {
		res.workerOn = true
		b.wg.Add(1)
		go b.runWorker(b.client, res, b.stopCh)
		b.log.Infow("started worker", "topic", topic)
	}

	return b.client, res, nil
}

// runWorker pops jobs off the topic's list and emits them on the
// completions buffer. When the buffer is full the job is parked in the
// delayed set with a short backoff so the scheduler re-enqueues it instead
// of it being lost.
func (b *Broker) runWorker(client commands, res *topicResources, stop <-chan struct{}) {
	defer b.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		default:
		}

		vals, err := client.BLPop(ctx, popTimeout, res.listKey).Result()
		if err != nil {
			if err != redis.Nil {
				b.log.Warnw("worker pop failed", "topic", res.topic, "error", err)
				select {
				case <-stop:
					return
				case <-time.After(popTimeout):
				}
			}
			continue
		}
		if len(vals) != 2 {
			continue
		}
		raw := vals[1]

		var record job
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			b.log.Warnw("dropping undecodable job", "topic", res.topic, "error", err)
			continue
		}

		delivery := broker.Delivery{
			Envelope: record.Envelope,
			Receipt:  record.ID,
		}
		select {
		case res.completions <- delivery:
		default:
			// Completions buffer is full: park the job for the scheduler
			// to re-enqueue rather than blocking the worker or dropping it.
			score := float64(time.Now().Add(requeueBackoff).UnixMilli())
			if err := client.ZAdd(ctx, res.delayedKey, redis.Z{Score: score, Member: raw}).Err(); err != nil {
				b.log.Errorw("failed to park job, job lost", "topic", res.topic, "job", record.ID, "error", err)
			}
		}
	}
}

// runScheduler promotes due jobs from the delayed set back onto the jobs
// list every tick.
func (b *Broker) runScheduler(client commands, res *topicResources, stop <-chan struct{}) {
	defer b.wg.Done()
	ctx := context.Background()
	t := time.NewTicker(schedulerInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			now := strconv.FormatInt(time.Now().UnixMilli(), 10)
			due, err := client.ZRangeByScore(ctx, res.delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
			if err != nil {
				b.log.Warnw("scheduler scan failed", "topic", res.topic, "error", err)
				continue
			}
			for _, raw := range due {
				if err := client.RPush(ctx, res.listKey, raw).Err(); err != nil {
					b.log.Warnw("failed to re-enqueue delayed job", "topic", res.topic, "error", err)
					continue
				}
				if err := client.ZRem(ctx, res.delayedKey, raw).Err(); err != nil {
					b.log.Warnw("failed to clear promoted job", "topic", res.topic, "error", err)
				}
			}
		}
	}
}
