package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/model"
)

const campaignColumns = `id, name, description, category, title, body, image_url, data, target,
	scheduled_for, status, created_by, sent_count, failed_count, sent_at, error_message,
	created_at, updated_at`

func scanCampaign(row pgx.Row) (model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Description,
		&c.Category,
		&c.Title,
		&c.Body,
		&c.ImageURL,
		&c.Data,
		&c.Target,
		&c.ScheduledFor,
		&c.Status,
		&c.CreatedBy,
		&c.SentCount,
		&c.FailedCount,
		&c.SentAt,
		&c.ErrorMessage,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func (s *Store) queryCampaigns(ctx context.Context, op, query string, args ...any) ([]model.Campaign, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	campaigns := []model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return campaigns, nil
}

func encodeCampaignJSON(c *model.Campaign) (data, target []byte, err error) {
	if data, err = json.Marshal(nonNil(c.Data)); err != nil {
		return nil, nil, fmt.Errorf("marshal campaign data: %w", err)
	}
	if target, err = json.Marshal(c.Target); err != nil {
		return nil, nil, fmt.Errorf("marshal campaign target: %w", err)
	}
	return data, target, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	data, target, err := encodeCampaignJSON(c)
	if err != nil {
		return err
	}

	err = s.db.Pool().QueryRow(ctx, `
		INSERT INTO campaigns (
			id, name, description, category, title, body, image_url,
			data, target, scheduled_for, status, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`,
		c.ID,
		c.Name,
		c.Description,
		c.Category,
		c.Title,
		c.Body,
		c.ImageURL,
		data,
		target,
		c.ScheduledFor,
		c.Status,
		c.CreatedBy,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		s.logger.Error("failed to create campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
		return classify("insert campaign", err)
	}

	s.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("status", string(c.Status)),
	)
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	c, err := scanCampaign(s.db.Pool().QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("campaign %s not found", id)
	}
	if err != nil {
		return nil, classify("get campaign", err)
	}
	return &c, nil
}

// ListCampaigns returns one page, newest first, and the total match count.
// An empty status matches every campaign.
func (s *Store) ListCampaigns(ctx context.Context, status model.CampaignStatus, limit, offset int) ([]model.Campaign, int, error) {
	var total int
	if err := s.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM campaigns WHERE $1 = '' OR status = $1`, string(status)).Scan(&total); err != nil {
		return nil, 0, classify("count campaigns", err)
	}

	campaigns, err := s.queryCampaigns(ctx, "list campaigns", `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// editableStatuses is the SQL form of CampaignStatus.Editable.
const editableStatuses = `('draft', 'scheduled')`

func (s *Store) UpdateCampaign(ctx context.Context, c *model.Campaign) (bool, error) {
	data, target, err := encodeCampaignJSON(c)
	if err != nil {
		return false, err
	}

	err = s.db.Pool().QueryRow(ctx, `
		UPDATE campaigns SET
			name = $2, description = $3, category = $4, title = $5, body = $6,
			image_url = $7, data = $8, target = $9, scheduled_for = $10, status = $11,
			updated_at = NOW()
		WHERE id = $1 AND status IN `+editableStatuses+`
		RETURNING created_at, updated_at
	`,
		c.ID,
		c.Name,
		c.Description,
		c.Category,
		c.Title,
		c.Body,
		c.ImageURL,
		data,
		target,
		c.ScheduledFor,
		c.Status,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, s.campaignExists(ctx, c.ID)
	}
	if err != nil {
		return false, classify("update campaign", err)
	}
	return true, nil
}

func (s *Store) CancelCampaign(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.transition(ctx, "cancel campaign", id, `
		UPDATE campaigns SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status IN `+editableStatuses, at)
}

// ClaimCampaign moves a scheduled campaign to sending. Only one caller can
// win the claim for a given campaign.
func (s *Store) ClaimCampaign(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.transition(ctx, "claim campaign", id, `
		UPDATE campaigns SET status = 'sending', updated_at = $2
		WHERE id = $1 AND status = 'scheduled'`, at)
}

func (s *Store) CompleteCampaign(ctx context.Context, id uuid.UUID, status model.CampaignStatus, sent, failed int, errMsg *string, at time.Time) error {
	result, err := s.db.Pool().Exec(ctx, `
		UPDATE campaigns SET
			status = $2, sent_count = $3, failed_count = $4, error_message = $5,
			sent_at = $6, updated_at = $6
		WHERE id = $1
	`, id, status, sent, failed, errMsg, at)
	if err != nil {
		return classify("complete campaign", err)
	}
	if result.RowsAffected() == 0 {
		return apperr.NotFound("campaign %s not found", id)
	}
	return nil
}

func (s *Store) ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	return s.queryCampaigns(ctx, "list due campaigns", `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_for <= $1
		ORDER BY scheduled_for, id
		LIMIT $2
	`, now, limit)
}

// transition runs a conditional single-row UPDATE. It reports false when
// the row exists but did not satisfy the precondition.
func (s *Store) transition(ctx context.Context, op string, id uuid.UUID, query string, at time.Time) (bool, error) {
	result, err := s.db.Pool().Exec(ctx, query, id, at)
	if err != nil {
		return false, classify(op, err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.campaignExists(ctx, id)
}

func (s *Store) campaignExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classify("check campaign", err)
	}
	if !exists {
		return apperr.NotFound("campaign %s not found", id)
	}
	return nil
}
