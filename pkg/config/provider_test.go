package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStatic_Get(t *testing.T) {
	p := Static{"broker.amqp.url": "amqp://localhost:5672"}

	v, ok := p.Get("broker.amqp.url")
	assert.True(t, ok)
	assert.Equal(t, "amqp://localhost:5672", v)

	_, ok = p.Get("broker.amqp.missing")
	assert.False(t, ok)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "BROKER_KAFKA_BOOTSTRAP_SERVERS", EnvName("broker.kafka.bootstrap_servers"))
	assert.Equal(t, "BROKER_SQS_WAIT_TIME", EnvName("broker.sqs.wait-time"))
}

func TestEnv_Get(t *testing.T) {
	t.Setenv("BROKER_REDIS_ADDR", "localhost:6379")

	p := NewEnv(zaptest.NewLogger(t).Sugar())

	v, ok := p.Get("broker.redis.addr")
	assert.True(t, ok)
	assert.Equal(t, "localhost:6379", v)

	_, ok = p.Get("broker.redis.not_set")
	assert.False(t, ok)
}

func TestString_Default(t *testing.T) {
	p := Static{"a.b": "x"}
	assert.Equal(t, "x", String(p, "a.b", "fallback"))
	assert.Equal(t, "fallback", String(p, "a.c", "fallback"))
}

func TestInt(t *testing.T) {
	p := Static{"n": "10", "bad": "ten"}

	n, err := Int(p, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = Int(p, "absent", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = Int(p, "bad", 1)
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	p := Static{"w": "2s", "bad": "soon"}

	d, err := Duration(p, "w", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = Duration(p, "absent", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = Duration(p, "bad", time.Second)
	assert.Error(t, err)
}

func TestRequire(t *testing.T) {
	p := Static{"present": "v", "empty": ""}

	v, err := Require(p, "present")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	_, err = Require(p, "empty")
	assert.Error(t, err)

	_, err = Require(p, "absent")
	assert.ErrorContains(t, err, "absent")
}
