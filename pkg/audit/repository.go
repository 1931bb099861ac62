package audit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/fluxwire/broker-gateway/pkg/broker"
)

// Repository writes archived messages to ClickHouse. It satisfies
// relay.Archiver.
type Repository interface {
	Archive(ctx context.Context, topic string, d broker.Delivery) error
}

var _ Repository = (*repository)(nil)

//go:embed queries/create-table.sql
var createTableQuery string

//go:embed queries/insert-message.sql
var insertMessageQuery string

type repository struct {
	client   Client
	database string
	table    string
}

// NewRepository creates the audit table if needed and returns a repository
// bound to it.
func NewRepository(client Client, database, table string) (Repository, error) {
	repo := &repository{client: client, database: database, table: table}
	if err := repo.initialize(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return repo, nil
}

func (r *repository) initialize(ctx context.Context) error {
	query := fmt.Sprintf(createTableQuery, r.database, r.table)
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

// Archive records one delivered message. The envelope timestamp is stored as
// published_at when it parses as RFC 3339; otherwise the archive time stands
// in so the row is still orderable.
func (r *repository) Archive(ctx context.Context, topic string, d broker.Delivery) error {
	publishedAt, err := time.Parse(time.RFC3339, d.Envelope.TS)
	if err != nil {
		publishedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(insertMessageQuery, r.database, r.table)
	err = r.client.Conn().Exec(ctx, query,
		topic,
		d.Envelope.ID,
		d.Envelope.Type,
		int32(d.Envelope.Version),
		publishedAt,
		string(d.Envelope.Data),
	)
	if err != nil {
		return fmt.Errorf("failed to archive message: %w", err)
	}
	return nil
}
