package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"stockwatch/internal/models"
)

const alertColumns = `id, retailer_id, product_id, kind, title, payload, priority,
       idempotency_key, url, created_at, transition_at`

func (d *DB) SaveAlert(ctx context.Context, a models.AlertMessage) error {
	query := `
        INSERT INTO alerts (` + alertColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (id) DO NOTHING`
	_, err := d.Pool.Exec(ctx, query,
		pgtype.UUID{Bytes: a.ID, Valid: true}, a.Key.RetailerID, a.Key.ProductID,
		a.Kind.String(), a.Title, a.Payload, a.Priority.String(),
		a.IdempotencyKey, a.URL, a.CreatedAt, a.TransitionAt)
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.AlertID(), err)
	}
	return nil
}

func (d *DB) ListAlerts(ctx context.Context, limit int) ([]models.AlertMessage, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts ORDER BY created_at DESC LIMIT $1`
	rows, err := d.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []models.AlertMessage
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return out, nil
}

func (d *DB) GetAlert(ctx context.Context, alertID string) (models.AlertMessage, error) {
	id, err := uuid.Parse(alertID)
	if err != nil {
		return models.AlertMessage{}, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	a, err := scanAlert(d.Pool.QueryRow(ctx, query, pgtype.UUID{Bytes: id, Valid: true}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AlertMessage{}, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
		}
		return models.AlertMessage{}, err
	}
	return a, nil
}

func scanAlert(row pgx.Row) (models.AlertMessage, error) {
	var (
		a              models.AlertMessage
		id             pgtype.UUID
		kind, priority string
	)
	err := row.Scan(&id, &a.Key.RetailerID, &a.Key.ProductID, &kind, &a.Title, &a.Payload,
		&priority, &a.IdempotencyKey, &a.URL, &a.CreatedAt, &a.TransitionAt)
	if err != nil {
		return a, fmt.Errorf("failed to scan alert: %w", err)
	}
	a.ID = id.Bytes
	if err := a.Kind.UnmarshalText([]byte(kind)); err != nil {
		return a, err
	}
	if err := a.Priority.UnmarshalText([]byte(priority)); err != nil {
		return a, err
	}
	return a, nil
}
