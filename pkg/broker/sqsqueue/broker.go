// Package sqsqueue implements the broker contract over AWS SQS.
//
// SQS is inherently poll-based and connectionless: Connect and Disconnect
// are logical lifecycle events logged for symmetry with the other adapters,
// and this is the one backend where Remove is fully meaningful, deleting a
// message by the exact receipt handle returned with it at consume time.
package sqsqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/fluxwire/broker-gateway/pkg/broker"
	"github.com/fluxwire/broker-gateway/pkg/config"
	"go.uber.org/zap"
)

const brokerName = "sqs"

// Configuration keys read at Connect time.
const (
	keyRegion      = "broker.sqs.region"
	keyEndpoint    = "broker.sqs.endpoint"
	keyWaitTime    = "broker.sqs.wait_time"
	keyMaxMessages = "broker.sqs.max_messages"
)

const (
	defaultWaitTime    = 2 * time.Second
	defaultMaxMessages = 10

	// SQS rejects ReceiveMessage wait times above 20 seconds.
	maxWaitTime = 20 * time.Second
)

// api is the slice of the SQS client surface this adapter uses.
// *sqs.Client satisfies it; tests substitute a fake.
type api interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Broker resolves queue URLs lazily by logical topic name, creating the
// queue when it does not exist yet, and caches them for its lifetime.
type Broker struct {
	provider config.Provider
	log      *zap.SugaredLogger

	mu          sync.Mutex
	client      api
	queues      map[string]*queueEntry
	waitTime    time.Duration
	maxMessages int32
}

// queueEntry resolves a topic's queue URL exactly once even under
// concurrent first use, without serializing distinct topics on the
// adapter mutex.
type queueEntry struct {
	once sync.Once
	url  string
	err  error
}

// New creates an SQS adapter. The client is built at Connect.
func New(provider config.Provider, log *zap.SugaredLogger) *Broker {
	return &Broker{
		provider: provider,
		log:      log,
		queues:   make(map[string]*queueEntry),
	}
}

// Capabilities reports that this backend supports targeted deletion.
func (b *Broker) Capabilities() broker.Capabilities {
	return broker.Capabilities{TargetedDelete: true}
}

// Connect resolves configuration and builds the SQS client. There is no
// persistent transport connection; repeated calls are no-ops.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		b.log.Debugw("sqs client already built")
		return nil
	}

	region, err := config.Require(b.provider, keyRegion)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}
	waitTime, err := config.Duration(b.provider, keyWaitTime, defaultWaitTime)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}
	maxMessages, err := config.Int(b.provider, keyMaxMessages, defaultMaxMessages)
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: err}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return &broker.ConnectionError{Broker: brokerName, Err: fmt.Errorf("failed to load aws config: %w", err)}
	}

	endpoint := config.String(b.provider, keyEndpoint, "")
	b.client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	b.waitTime = waitTime
	b.maxMessages = int32(maxMessages)
	b.log.Infow("sqs client ready", "region", region)
	return nil
}

// Disconnect drops the client. Logged for lifecycle symmetry; there is no
// transport connection to tear down.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	b.client = nil
	b.queues = make(map[string]*queueEntry)
	b.log.Infow("sqs client released")
	return nil
}

// Publish sends the encoded envelope to the queue resolved from the logical
// topic name, creating the queue on first use.
func (b *Broker) Publish(ctx context.Context, topic string, env broker.Envelope) error {
	client, err := b.api()
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}

	queueURL, err := b.queueURL(ctx, client, topic)
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}

	body, err := env.Encode()
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: fmt.Errorf("failed to encode envelope: %w", err)}
	}

	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return &broker.PublishError{Broker: brokerName, Topic: topic, Err: err}
	}

	b.log.Debugw("published", "broker", brokerName, "topic", topic, "id", env.ID)
	return nil
}

// Consume issues one bounded receive: up to maxMessages, waiting at most the
// configured poll window. Receipt handles are carried on each delivery and
// must be passed back verbatim to Remove.
func (b *Broker) Consume(ctx context.Context, topic string) ([]broker.Delivery, error) {
	client, err := b.api()
	if err != nil {
		return nil, &broker.ConsumeError{Broker: brokerName, Topic: topic, Err: err}
	}

	queueURL, err := b.queueURL(ctx, client, topic)
	if err != nil {
		return nil, &broker.ConsumeError{Broker: brokerName, Topic: topic, Err: err}
	}

	maxMessages, waitTime := b.pollParams()
	out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     int32(waitTime / time.Second),
	})
	if err != nil {
		return nil, &broker.ConsumeError{Broker: brokerName, Topic: topic, Err: err}
	}

	batch := make([]broker.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		env, err := broker.Open([]byte(aws.ToString(m.Body)))
		if err != nil {
			b.log.Warnw("skipping undecodable message", "topic", topic, "messageId", aws.ToString(m.MessageId), "error", err)
			continue
		}
		batch = append(batch, broker.Delivery{
			Envelope: env,
			Receipt:  aws.ToString(m.ReceiptHandle),
		})
	}
	return batch, nil
}

// Remove deletes the message addressed by the receipt handle captured at
// consume time. A delivery without a receipt cannot be removed: the handle
// identifies the exact in-flight message and must never be reconstructed
// from the payload.
func (b *Broker) Remove(ctx context.Context, topic string, d broker.Delivery) error {
	client, err := b.api()
	if err != nil {
		return &broker.RemoveError{Broker: brokerName, Topic: topic, Err: err}
	}

	if d.Receipt == "" {
		return &broker.RemoveError{Broker: brokerName, Topic: topic, Err: fmt.Errorf("delivery has no receipt handle")}
	}

	queueURL, err := b.queueURL(ctx, client, topic)
	if err != nil {
		return &broker.RemoveError{Broker: brokerName, Topic: topic, Err: err}
	}

	_, err = client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return &broker.RemoveError{Broker: brokerName, Topic: topic, Err: err}
	}

	b.log.Debugw("removed", "broker", brokerName, "topic", topic, "id", d.Envelope.ID)
	return nil
}

func (b *Broker) api() (api, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return b.client, nil
}

// pollParams snapshots the receive settings under the lock, clamping the
// wait to the SQS long-poll maximum.
func (b *Broker) pollParams() (int32, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	waitTime := b.waitTime
	if waitTime > maxWaitTime {
		waitTime = maxWaitTime
	}
	return b.maxMessages, waitTime
}

// queueURL resolves the queue URL for a logical topic name, creating the
// queue when it does not exist. Resolution happens exactly once per topic;
// concurrent first publishes to the same new topic wait on one creation,
// while distinct topics resolve in parallel.
func (b *Broker) queueURL(ctx context.Context, client api, topic string) (string, error) {
	b.mu.Lock()
	entry, ok := b.queues[topic]
	if !ok {
		entry = &queueEntry{}
		b.queues[topic] = entry
	}
	b.mu.Unlock()

	entry.once.Do(func() {
		entry.url, entry.err = b.resolveQueue(ctx, client, topic)
		if entry.err != nil {
			// Drop the failed entry so a later call can retry.
			b.mu.Lock()
			delete(b.queues, topic)
			b.mu.Unlock()
		}
	})
	return entry.url, entry.err
}

func (b *Broker) resolveQueue(ctx context.Context, client api, topic string) (string, error) {
	got, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(topic)})
	if err == nil {
		return aws.ToString(got.QueueUrl), nil
	}

	_, waitTime := b.pollParams()
	created, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(topic),
		Attributes: map[string]string{
			"ReceiveMessageWaitTimeSeconds": strconv.Itoa(int(waitTime / time.Second)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create queue %q: %w", topic, err)
	}

	url := aws.ToString(created.QueueUrl)
	b.log.Infow("created queue", "topic", topic, "url", url)
	return url, nil
}
