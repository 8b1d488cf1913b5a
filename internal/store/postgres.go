package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"webhook-pipeline/internal/models"
)

const uniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence. It is both the event store
// (webhook lifecycle rows) and the effect store (subscriptions, credit
// buckets, payment history) that handlers mutate.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InsertEvent is the idempotency guard: a single INSERT keyed by the
// provider's event ID. A unique violation means the provider redelivered an
// event we already admitted; the caller returns 2xx without enqueueing.
func (s *Store) InsertEvent(ctx context.Context, providerEventID, eventType string, payload json.RawMessage) (models.WebhookEvent, bool, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_id, provider_event_id, event_type, payload, status, attempt_count, received_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, id, providerEventID, eventType, payload, models.StatusReceived, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.WebhookEvent{}, true, nil
		}
		return models.WebhookEvent{}, false, fmt.Errorf("insert webhook event: %w", err)
	}

	return models.WebhookEvent{
		EventID:         id,
		ProviderEventID: providerEventID,
		EventType:       eventType,
		Payload:         payload,
		Status:          models.StatusReceived,
		ReceivedAt:      now,
	}, false, nil
}

// GetEventByProviderID fetches the event backing a queue job. Job IDs are the
// provider event IDs, so this is the worker's load path.
func (s *Store) GetEventByProviderID(ctx context.Context, providerEventID string) (models.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, provider_event_id, event_type, payload, status, attempt_count, last_error, received_at, processed_at
		FROM webhook_events WHERE provider_event_id = $1
	`, providerEventID)
	return scanEvent(row)
}

func scanEvent(row pgx.Row) (models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var lastErr pgtype.Text
	var processedAt pgtype.Timestamptz

	if err := row.Scan(&ev.EventID, &ev.ProviderEventID, &ev.EventType, &ev.Payload, &ev.Status, &ev.AttemptCount, &lastErr, &ev.ReceivedAt, &processedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WebhookEvent{}, fmt.Errorf("webhook event not found: %w", err)
		}
		return models.WebhookEvent{}, fmt.Errorf("scan webhook event: %w", err)
	}
	if lastErr.Valid {
		ev.LastError = &lastErr.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

// MarkProcessing transitions to processing and counts the attempt. The new
// attempt count is returned so the worker can decide retry vs dead-letter.
func (s *Store) MarkProcessing(ctx context.Context, eventID string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE webhook_events
		SET status = $2, attempt_count = attempt_count + 1
		WHERE event_id = $1
		RETURNING attempt_count
	`, eventID, models.StatusProcessing).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("mark processing: %w", err)
	}
	return attempts, nil
}

// MarkCompleted records a successful effect application.
func (s *Store) MarkCompleted(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, last_error = NULL, processed_at = NOW()
		WHERE event_id = $1
	`, eventID, models.StatusCompleted)
	return err
}

// MarkFailed records a retryable handler failure; the queue's backoff will
// redeliver the job.
func (s *Store) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET status = $2, last_error = $3 WHERE event_id = $1
	`, eventID, models.StatusFailed, errMsg)
	return err
}

// MarkDead is terminal: attempts exhausted, job parked in the DLQ.
func (s *Store) MarkDead(ctx context.Context, eventID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET status = $2, last_error = $3, processed_at = NOW() WHERE event_id = $1
	`, eventID, models.StatusDead, errMsg)
	return err
}

// MarkRequeued returns an event to received after its lease expired and the
// job went back to the ready queue. Attempt count is preserved.
func (s *Store) MarkRequeued(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET status = $2 WHERE event_id = $1
	`, eventID, models.StatusReceived)
	return err
}

// ResetForRetry reopens a dead event when an operator requeues it from the
// DLQ: back to received with a fresh attempt counter and no error.
func (s *Store) ResetForRetry(ctx context.Context, providerEventID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, attempt_count = 0, last_error = NULL, processed_at = NULL
		WHERE provider_event_id = $1
	`, providerEventID, models.StatusReceived)
	if err != nil {
		return fmt.Errorf("reset for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event not found: %s", providerEventID)
	}
	return nil
}

// EventCountsByStatus powers the admin stats endpoint.
func (s *Store) EventCountsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM webhook_events GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
