package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"stockwatch/internal/models"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Ledger records alerts and the delivery receipts produced for them.
type Ledger interface {
	SaveAlert(ctx context.Context, a models.AlertMessage) error
	// SaveReceipt stores the latest state of an (alert, channel) pair.
	SaveReceipt(ctx context.Context, r models.DeliveryReceipt) error
	// ListAlerts returns the newest alerts first.
	ListAlerts(ctx context.Context, limit int) ([]models.AlertMessage, error)
	GetAlert(ctx context.Context, alertID string) (models.AlertMessage, error)
	Receipts(ctx context.Context, alertID string) ([]models.DeliveryReceipt, error)
}

// DB is the PostgreSQL ledger.
type DB struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
    id              UUID PRIMARY KEY,
    retailer_id     TEXT NOT NULL,
    product_id      TEXT NOT NULL,
    kind            TEXT NOT NULL,
    title           TEXT NOT NULL,
    payload         TEXT NOT NULL,
    priority        TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    url             TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    transition_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_created_at_idx ON alerts (created_at DESC);

CREATE TABLE IF NOT EXISTS delivery_receipts (
    alert_id      UUID NOT NULL REFERENCES alerts (id) ON DELETE CASCADE,
    channel_id    TEXT NOT NULL,
    status        TEXT NOT NULL,
    attempt_count INT  NOT NULL,
    last_error    TEXT NOT NULL DEFAULT '',
    updated_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (alert_id, channel_id)
);`

// Migrate creates the ledger tables if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (d *DB) Close() {
	d.Pool.Close()
}
