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
	"github.com/lalithlochan/herald/internal/model"
)

// latestHealthKey is the health_snapshots row holding the most recent run.
const latestHealthKey = "latest"

func (s *Store) GetTemplate(ctx context.Context, slug string) (*model.Template, error) {
	var t model.Template
	err := s.db.Pool().QueryRow(ctx,
		`SELECT slug, category, title, body FROM templates WHERE slug = $1`, slug,
	).Scan(&t.Slug, &t.Category, &t.Title, &t.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get template", err)
	}
	return &t, nil
}

// ListUsersWithExpiringPlans returns users whose plan expires in [from, to)
// and who were not yet reminded for that expiry.
func (s *Store) ListUsersWithExpiringPlans(ctx context.Context, from, to time.Time) ([]model.User, error) {
	return s.queryUsers(ctx, "list expiring plans", `
		SELECT `+userColumns+`
		FROM users
		WHERE plan_expires_at >= $1 AND plan_expires_at < $2
		  AND (renewal_reminded_for IS NULL OR renewal_reminded_for <> plan_expires_at)
		ORDER BY created_at, id
	`, from, to)
}

func (s *Store) MarkRenewalReminded(ctx context.Context, userID uuid.UUID, expiresAt time.Time) (bool, error) {
	result, err := s.db.Pool().Exec(ctx, `
		UPDATE users SET renewal_reminded_for = $2
		WHERE id = $1 AND (renewal_reminded_for IS NULL OR renewal_reminded_for <> $2)
	`, userID, expiresAt)
	if err != nil {
		return false, classify("mark renewal reminded", err)
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) ActivateScheduledPlans(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.Pool().Exec(ctx, `
		UPDATE users SET plan = pending_plan, pending_plan = NULL, pending_plan_starts_at = NULL
		WHERE pending_plan IS NOT NULL AND pending_plan_starts_at <= $1
	`, now)
	if err != nil {
		return 0, classify("activate scheduled plans", err)
	}
	return int(result.RowsAffected()), nil
}

func (s *Store) ListPendingReferrals(ctx context.Context, stage string) ([]model.Referral, error) {
	var where string
	switch stage {
	case model.ReferralInvited:
		where = `invited_notified_at IS NULL`
	case model.ReferralVerified:
		where = `status = 'verified' AND verified_notified_at IS NULL`
	default:
		return nil, apperr.Validation("unknown referral stage %q", stage)
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, referrer_id, referee_id, referee_name, status,
			invited_notified_at, verified_notified_at, created_at
		FROM referrals
		WHERE `+where+`
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, classify("list pending referrals", err)
	}
	defer rows.Close()

	var out []model.Referral
	for rows.Next() {
		var r model.Referral
		if err := rows.Scan(&r.ID, &r.ReferrerID, &r.RefereeID, &r.RefereeName, &r.Status,
			&r.InvitedNotifiedAt, &r.VerifiedNotifiedAt, &r.CreatedAt); err != nil {
			return nil, classify("scan referral", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list pending referrals", err)
	}
	return out, nil
}

func (s *Store) MarkReferralNotified(ctx context.Context, id uuid.UUID, stage string, at time.Time) (bool, error) {
	var query string
	switch stage {
	case model.ReferralInvited:
		query = `UPDATE referrals SET invited_notified_at = $2 WHERE id = $1 AND invited_notified_at IS NULL`
	case model.ReferralVerified:
		query = `UPDATE referrals SET verified_notified_at = $2 WHERE id = $1 AND verified_notified_at IS NULL`
	default:
		return false, apperr.Validation("unknown referral stage %q", stage)
	}

	result, err := s.db.Pool().Exec(ctx, query, id, at)
	if err != nil {
		return false, classify("mark referral notified", err)
	}
	return result.RowsAffected() == 1, nil
}

func (s *Store) AppendTriggerRun(ctx context.Context, triggerID string, runCtx map[string]any, at time.Time) error {
	payload, err := json.Marshal(nonNil(runCtx))
	if err != nil {
		return fmt.Errorf("marshal trigger context: %w", err)
	}
	_, err = s.db.Pool().Exec(ctx,
		`INSERT INTO trigger_run_logs (id, trigger_id, context, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.New(), triggerID, payload, at)
	if err != nil {
		return classify("append trigger run", err)
	}
	return nil
}

func (s *Store) LatestHealth(ctx context.Context) (*model.HealthSnapshot, error) {
	var h model.HealthSnapshot
	err := s.db.Pool().QueryRow(ctx, `
		SELECT campaigns_found, campaigns_processed, triggers_processed, triggers_total, success, recorded_at
		FROM health_snapshots WHERE key = $1
	`, latestHealthKey).Scan(
		&h.CampaignsFound,
		&h.CampaignsProcessed,
		&h.TriggersProcessed,
		&h.TriggersTotal,
		&h.Success,
		&h.Timestamp,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get latest health", err)
	}
	return &h, nil
}

// RecordHealth replaces the latest snapshot and appends it to the journal
// in one transaction.
func (s *Store) RecordHealth(ctx context.Context, snap *model.HealthSnapshot) error {
	payload, err := json.Marshal(map[string]any{
		"campaignsFound":     snap.CampaignsFound,
		"campaignsProcessed": snap.CampaignsProcessed,
		"triggersProcessed":  snap.TriggersProcessed,
		"triggersTotal":      snap.TriggersTotal,
		"success":            snap.Success,
		"timestamp":          snap.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal health snapshot: %w", err)
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO health_snapshots (key, campaigns_found, campaigns_processed, triggers_processed, triggers_total, success, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			campaigns_found     = EXCLUDED.campaigns_found,
			campaigns_processed = EXCLUDED.campaigns_processed,
			triggers_processed  = EXCLUDED.triggers_processed,
			triggers_total      = EXCLUDED.triggers_total,
			success             = EXCLUDED.success,
			recorded_at         = EXCLUDED.recorded_at
	`, latestHealthKey, snap.CampaignsFound, snap.CampaignsProcessed, snap.TriggersProcessed,
		snap.TriggersTotal, snap.Success, snap.Timestamp)
	if err != nil {
		return classify("upsert health snapshot", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO trigger_run_logs (id, trigger_id, context, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.New(), model.HealthTriggerID, payload, snap.Timestamp)
	if err != nil {
		return classify("append health journal", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}
