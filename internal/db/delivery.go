package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/model"
)

const deliveryLogColumns = `id, user_id, token, category, title, body, data, target, status,
	sent_by, campaign_id, sent_at, delivered_at, opened_at, clicked_at, dismissed_at,
	last_event_at, error_message, created_at, updated_at`

func scanDeliveryLog(row pgx.Row) (model.DeliveryLog, error) {
	var l model.DeliveryLog
	err := row.Scan(
		&l.ID,
		&l.UserID,
		&l.Token,
		&l.Category,
		&l.Title,
		&l.Body,
		&l.Data,
		&l.Target,
		&l.Status,
		&l.SentBy,
		&l.CampaignID,
		&l.SentAt,
		&l.DeliveredAt,
		&l.OpenedAt,
		&l.ClickedAt,
		&l.DismissedAt,
		&l.LastEventAt,
		&l.ErrorMessage,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	return l, err
}

func (s *Store) CreateDeliveryLog(ctx context.Context, l *model.DeliveryLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	data, err := json.Marshal(nonNil(l.Data))
	if err != nil {
		return fmt.Errorf("marshal delivery data: %w", err)
	}

	err = s.db.Pool().QueryRow(ctx, `
		INSERT INTO delivery_logs (
			id, user_id, token, category, title, body, data, target,
			status, sent_by, campaign_id, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`,
		l.ID,
		l.UserID,
		l.Token,
		l.Category,
		l.Title,
		l.Body,
		data,
		l.Target,
		l.Status,
		l.SentBy,
		l.CampaignID,
		l.SentAt,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return classify("insert delivery log", err)
	}
	return nil
}

// MarkDeliveryFailed moves a row from sent to failed. A row that an
// engagement event has already advanced keeps its status.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) error {
	result, err := s.db.Pool().Exec(ctx, `
		UPDATE delivery_logs
		SET status = 'failed', error_message = $2, last_event_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'sent'
	`, id, message, at)
	if err != nil {
		return classify("mark delivery failed", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM delivery_logs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return classify("mark delivery failed", err)
	}
	if !exists {
		return apperr.NotFound("delivery log %s not found", id)
	}
	return nil
}

// applyEventQuery performs the event transition in one statement. Each
// timestamp is only written while NULL, delivered_at is backfilled by every
// event, and status moves only to an equal or higher priority. Metadata is
// merged under data.events.<event>.
const applyEventQuery = `
	UPDATE delivery_logs SET
		delivered_at = COALESCE(delivered_at, $3),
		opened_at    = CASE WHEN $2::text = 'opened'    THEN COALESCE(opened_at, $3)    ELSE opened_at END,
		clicked_at   = CASE WHEN $2::text = 'clicked'   THEN COALESCE(clicked_at, $3)   ELSE clicked_at END,
		dismissed_at = CASE WHEN $2::text = 'dismissed' THEN COALESCE(dismissed_at, $3) ELSE dismissed_at END,
		status = CASE
			WHEN $4::int >= CASE status
				WHEN 'failed'    THEN -1
				WHEN 'delivered' THEN 1
				WHEN 'dismissed' THEN 1
				WHEN 'opened'    THEN 2
				WHEN 'clicked'   THEN 3
				ELSE 0
			END THEN $2::text
			ELSE status
		END,
		data = CASE
			WHEN $5::jsonb IS NULL THEN data
			ELSE jsonb_set(data, '{events}',
				COALESCE(data->'events', '{}'::jsonb) || jsonb_build_object($2::text, $5::jsonb))
		END,
		last_event_at = $3,
		updated_at    = $3
	WHERE id = $1
	RETURNING ` + deliveryLogColumns

func (s *Store) ApplyEvent(ctx context.Context, id uuid.UUID, e events.Event, metadata map[string]any, at time.Time) (*model.DeliveryLog, error) {
	var md []byte
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, apperr.Validation("metadata is not serializable: %v", err)
		}
		md = b
	}

	l, err := scanDeliveryLog(s.db.Pool().QueryRow(ctx, applyEventQuery,
		id, string(e), at, events.Priority(e.Status()), md))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("delivery log %s not found", id)
	}
	if err != nil {
		return nil, classify("apply event", err)
	}
	return &l, nil
}

func (s *Store) ListDeliveryLogs(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]model.DeliveryLog, int, error) {
	var total int
	if err := s.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM delivery_logs WHERE campaign_id = $1`, campaignID).Scan(&total); err != nil {
		return nil, 0, classify("count delivery logs", err)
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+deliveryLogColumns+`
		FROM delivery_logs
		WHERE campaign_id = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3
	`, campaignID, limit, offset)
	if err != nil {
		return nil, 0, classify("list delivery logs", err)
	}
	defer rows.Close()

	logs := []model.DeliveryLog{}
	for rows.Next() {
		l, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, 0, classify("scan delivery log", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify("list delivery logs", err)
	}
	return logs, total, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
