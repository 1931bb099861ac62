// Package testutils provides a fake ClickHouse client for audit unit tests.
package testutils

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client matches the interface from pkg/audit.
type Client interface {
	Conn() driver.Conn
	Ping(ctx context.Context) error
	Close() error
}

// NewTestClient creates a client backed by the provided connection so unit
// tests can exercise repository code without a real ClickHouse server.
func NewTestClient(conn driver.Conn) Client {
	return &testClient{conn: conn}
}

type testClient struct {
	conn driver.Conn
}

func (c *testClient) Conn() driver.Conn {
	return c.conn
}

func (c *testClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *testClient) Close() error {
	return c.conn.Close()
}
