package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"onebox/internal/model"
)

type NotificationLogRepository struct {
	db *pgxpool.Pool
}

func NewNotificationLogRepository(db *pgxpool.Pool) *NotificationLogRepository {
	return &NotificationLogRepository{db: db}
}

const notificationColumns = `
	id, destination, event, payload, status, attempts, last_status_code, last_error,
	duration_ms, created_at, updated_at`

func scanNotification(row pgx.Row) (*model.NotificationRecord, error) {
	var (
		rec        model.NotificationRecord
		status     string
		durationMs int64
	)
	err := row.Scan(
		&rec.ID, &rec.Destination, &rec.Event, &rec.Payload, &status, &rec.Attempts,
		&rec.LastStatusCode, &rec.LastError, &durationMs, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = model.NotificationStatus(status)
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	return &rec, nil
}

func (r *NotificationLogRepository) CreateRecord(ctx context.Context, rec *model.NotificationRecord) error {
	query := `
        INSERT INTO notification_log (id, destination, event, payload, status, attempts)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING created_at, updated_at
    `
	err := r.db.QueryRow(ctx, query,
		rec.ID, rec.Destination, rec.Event, rec.Payload, string(rec.Status), rec.Attempts,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification record: %w", err)
	}
	return nil
}

func (r *NotificationLogRepository) UpdateRecord(ctx context.Context, rec *model.NotificationRecord) error {
	query := `
        UPDATE notification_log
        SET status = $2, attempts = $3, last_status_code = $4, last_error = $5, duration_ms = $6, updated_at = NOW()
        WHERE id = $1
        RETURNING updated_at
    `
	err := r.db.QueryRow(ctx, query,
		rec.ID, string(rec.Status), rec.Attempts, rec.LastStatusCode, rec.LastError, rec.Duration.Milliseconds(),
	).Scan(&rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("notification %s: %w", rec.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update notification record: %w", err)
	}
	return nil
}

func (r *NotificationLogRepository) GetRecord(ctx context.Context, id string) (*model.NotificationRecord, error) {
	rec, err := scanNotification(r.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notification_log WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification record: %w", err)
	}
	return rec, nil
}

func (r *NotificationLogRepository) ListFailedRecords(ctx context.Context, limit int) ([]*model.NotificationRecord, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+notificationColumns+`
        FROM notification_log
        WHERE status = 'failed'
        ORDER BY created_at ASC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed notifications: %w", err)
	}
	defer rows.Close()

	var records []*model.NotificationRecord
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *NotificationLogRepository) DeliveryStats(ctx context.Context, errorLimit int) (*model.DeliveryStats, error) {
	stats := &model.DeliveryStats{RecentErrors: []string{}}
	err := r.db.QueryRow(ctx, `
        SELECT
            COUNT(*) FILTER (WHERE status = 'success'),
            COUNT(*) FILTER (WHERE status = 'failed'),
            COUNT(*) FILTER (WHERE status = 'pending'),
            MAX(updated_at) FILTER (WHERE status = 'success')
        FROM notification_log
    `).Scan(&stats.Succeeded, &stats.Failed, &stats.Pending, &stats.LastSent)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate delivery stats: %w", err)
	}
	stats.SetSuccessRate()

	if errorLimit <= 0 {
		return stats, nil
	}
	rows, err := r.db.Query(ctx, `
        SELECT last_error
        FROM notification_log
        WHERE status = 'failed' AND last_error <> ''
        GROUP BY last_error
        ORDER BY MAX(updated_at) DESC
        LIMIT $1
    `, errorLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent delivery errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, fmt.Errorf("failed to scan delivery error: %w", err)
		}
		stats.RecentErrors = append(stats.RecentErrors, msg)
	}
	return stats, rows.Err()
}
