package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/model"
)

// Store implements every herald persistence port on Postgres. Conditional
// transitions are single UPDATE statements with the precondition in the
// WHERE clause.
type Store struct {
	db     *DB
	logger *zap.Logger
}

func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// --- users & preferences ---

const userColumns = `id, name, plan, country, plan_expires_at, pending_plan,
	pending_plan_starts_at, renewal_reminded_for, created_at`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Plan,
		&u.Country,
		&u.PlanExpiresAt,
		&u.PendingPlan,
		&u.PendingPlanStartsAt,
		&u.RenewalRemindedFor,
		&u.CreatedAt,
	)
	return u, err
}

func (s *Store) queryUsers(ctx context.Context, op, query string, args ...any) ([]model.User, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return users, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u, err := scanUser(s.db.Pool().QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, classify("get user", err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context, planTiers []string) ([]model.User, error) {
	tiers := make([]string, len(planTiers))
	for i, p := range planTiers {
		tiers[i] = strings.ToLower(p)
	}
	return s.queryUsers(ctx, "list users", `
		SELECT `+userColumns+`
		FROM users
		WHERE cardinality($1::text[]) = 0 OR lower(plan) = ANY($1)
		ORDER BY created_at, id
	`, tiers)
}

func (s *Store) ListUsersByID(ctx context.Context, ids []uuid.UUID) ([]model.User, error) {
	return s.queryUsers(ctx, "list users by id", `
		SELECT `+userColumns+`
		FROM users
		WHERE id = ANY($1)
		ORDER BY created_at, id
	`, ids)
}

const preferenceColumns = `user_id, push_enabled, marketing, reminder, transaction, timezone, updated_at`

func scanPreference(row pgx.Row) (model.Preference, error) {
	var p model.Preference
	err := row.Scan(&p.UserID, &p.PushEnabled, &p.Marketing, &p.Reminder, &p.Transaction, &p.Timezone, &p.UpdatedAt)
	return p, err
}

func (s *Store) GetPreferences(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Preference, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+preferenceColumns+` FROM notification_preferences WHERE user_id = ANY($1)`, ids)
	if err != nil {
		return nil, classify("get preferences", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.Preference, len(ids))
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, classify("scan preference", err)
		}
		out[p.UserID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, classify("get preferences", err)
	}
	return out, nil
}

func (s *Store) GetPreference(ctx context.Context, userID uuid.UUID) (*model.Preference, error) {
	p, err := scanPreference(s.db.Pool().QueryRow(ctx,
		`SELECT `+preferenceColumns+` FROM notification_preferences WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("preferences for user %s not found", userID)
	}
	if err != nil {
		return nil, classify("get preference", err)
	}
	return &p, nil
}

func (s *Store) UpsertPreference(ctx context.Context, p *model.Preference) error {
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO notification_preferences (user_id, push_enabled, marketing, reminder, transaction, timezone, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			push_enabled = EXCLUDED.push_enabled,
			marketing    = EXCLUDED.marketing,
			reminder     = EXCLUDED.reminder,
			transaction  = EXCLUDED.transaction,
			timezone     = EXCLUDED.timezone,
			updated_at   = EXCLUDED.updated_at
		RETURNING updated_at
	`, p.UserID, p.PushEnabled, p.Marketing, p.Reminder, p.Transaction, p.Timezone).Scan(&p.UpdatedAt)
	if err != nil {
		return classify("upsert preference", err)
	}
	return nil
}

// --- tokens ---

// UpsertToken registers a token, reassigning its owner and reactivating it
// when it already exists.
func (s *Store) UpsertToken(ctx context.Context, t *model.Token) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO push_tokens (id, user_id, token, platform, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (token) DO UPDATE SET
			user_id    = EXCLUDED.user_id,
			platform   = EXCLUDED.platform,
			is_active  = TRUE,
			updated_at = NOW()
		RETURNING id, is_active, created_at, updated_at
	`, t.ID, t.UserID, t.Token, t.Platform).Scan(&t.ID, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return classify("upsert token", err)
	}
	return nil
}

func (s *Store) ListActiveTokens(ctx context.Context, userIDs []uuid.UUID) ([]model.Token, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, user_id, token, platform, is_active, last_used_at, created_at, updated_at
		FROM push_tokens
		WHERE is_active AND user_id = ANY($1)
		ORDER BY user_id, created_at, token
	`, userIDs)
	if err != nil {
		return nil, classify("list active tokens", err)
	}
	defer rows.Close()

	var tokens []model.Token
	for rows.Next() {
		var t model.Token
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &t.IsActive, &t.LastUsedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, classify("scan token", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list active tokens", err)
	}
	return tokens, nil
}

func (s *Store) TouchToken(ctx context.Context, token string, at time.Time) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE push_tokens SET is_active = TRUE, last_used_at = $2, updated_at = $2 WHERE token = $1`,
		token, at)
	if err != nil {
		return classify("touch token", err)
	}
	return nil
}

func (s *Store) DeactivateToken(ctx context.Context, token string, at time.Time) error {
	result, err := s.db.Pool().Exec(ctx,
		`UPDATE push_tokens SET is_active = FALSE, updated_at = $2 WHERE token = $1`,
		token, at)
	if err != nil {
		return classify("deactivate token", err)
	}
	if result.RowsAffected() == 0 {
		return apperr.NotFound("token not found")
	}
	return nil
}
