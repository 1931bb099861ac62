package gateway

import (
	"fmt"

	"github.com/fluxwire/broker-gateway/pkg/broker"
	"github.com/fluxwire/broker-gateway/pkg/broker/amqpqueue"
	"github.com/fluxwire/broker-gateway/pkg/broker/kafkastream"
	"github.com/fluxwire/broker-gateway/pkg/broker/redisjob"
	"github.com/fluxwire/broker-gateway/pkg/broker/sqsqueue"
	"github.com/fluxwire/broker-gateway/pkg/config"
	"github.com/fluxwire/broker-gateway/pkg/metrics"
	"go.uber.org/zap"
)

// Broker-type tokens accepted by New. This is the only place in the module
// where broker-type branching occurs.
const (
	TypeAMQP  = "amqp"
	TypeSQS   = "sqs"
	TypeKafka = "kafka"
	TypeRedis = "redis"
)

// New builds the adapter matching the given broker-type token and returns it
// wrapped in a Gateway. An unknown token fails before any configuration is
// read or any network resource is touched. Constructors themselves do no
// I/O; connection settings are resolved and validated at Connect.
func New(brokerType string, provider config.Provider, log *zap.SugaredLogger, m *metrics.Metrics) (*Gateway, error) {
	var adapter broker.MessageBroker
	switch brokerType {
	case TypeAMQP:
		adapter = amqpqueue.New(provider, log)
	case TypeSQS:
		adapter = sqsqueue.New(provider, log)
	case TypeKafka:
		adapter = kafkastream.New(provider, log)
	case TypeRedis:
		adapter = redisjob.New(provider, log)
	default:
		return nil, &broker.ConnectionError{
			Broker: brokerType,
			Err:    fmt.Errorf("unknown broker type %q (supported: %s, %s, %s, %s)", brokerType, TypeAMQP, TypeSQS, TypeKafka, TypeRedis),
		}
	}
	return Wrap(brokerType, adapter, log, m), nil
}
