package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"stockwatch/internal/models"
)

func (d *DB) SaveReceipt(ctx context.Context, r models.DeliveryReceipt) error {
	id, err := uuid.Parse(r.AlertID)
	if err != nil {
		return fmt.Errorf("invalid alert id %q: %w", r.AlertID, err)
	}
	query := `
        INSERT INTO delivery_receipts (alert_id, channel_id, status, attempt_count, last_error, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (alert_id, channel_id) DO UPDATE
        SET status = EXCLUDED.status,
            attempt_count = EXCLUDED.attempt_count,
            last_error = EXCLUDED.last_error,
            updated_at = EXCLUDED.updated_at`
	_, err = d.Pool.Exec(ctx, query, pgtype.UUID{Bytes: id, Valid: true}, r.ChannelID,
		string(r.Status), r.AttemptCount, r.LastError, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save receipt %s/%s: %w", r.AlertID, r.ChannelID, err)
	}
	return nil
}

func (d *DB) Receipts(ctx context.Context, alertID string) ([]models.DeliveryReceipt, error) {
	id, err := uuid.Parse(alertID)
	if err != nil {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	query := `
        SELECT channel_id, status, attempt_count, last_error, updated_at
        FROM delivery_receipts
        WHERE alert_id = $1
        ORDER BY channel_id`
	rows, err := d.Pool.Query(ctx, query, pgtype.UUID{Bytes: id, Valid: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load receipts for %s: %w", alertID, err)
	}
	defer rows.Close()

	var out []models.DeliveryReceipt
	for rows.Next() {
		r := models.DeliveryReceipt{AlertID: alertID}
		var status string
		if err := rows.Scan(&r.ChannelID, &status, &r.AttemptCount, &r.LastError, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		r.Status = models.DeliveryStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load receipts for %s: %w", alertID, err)
	}
	return out, nil
}
