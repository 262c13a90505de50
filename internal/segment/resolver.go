// Package segment turns a declarative audience description into the
// concrete set of device tokens a notification should be sent to.
package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/model"
)

// Store is the read-only data access the resolver needs.
type Store interface {
	ListUsers(ctx context.Context, planTiers []string) ([]model.User, error)
	ListUsersByID(ctx context.Context, ids []uuid.UUID) ([]model.User, error)
	GetPreferences(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]model.Preference, error)
	// ListActiveTokens returns active tokens for the given users ordered by
	// (user_id, created_at, token).
	ListActiveTokens(ctx context.Context, userIDs []uuid.UUID) ([]model.Token, error)
}

// Recipient is one device to deliver to.
type Recipient struct {
	Token  string
	UserID *uuid.UUID
}

// Result is the outcome of one resolution.
type Result struct {
	Recipients         []Recipient
	UsersMatched       int
	QuietHoursExcluded int
}

// Resolver applies segment filters against the store.
type Resolver struct {
	store  Store
	quiet  QuietHours
	now    func() time.Time
	logger *zap.Logger
}

// NewResolver creates a resolver. Quiet hours are ignored unless enabled.
func NewResolver(store Store, quiet QuietHours, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, quiet: quiet, now: time.Now, logger: logger}
}

// requirements lists the preference flags a user must have set.
type requirements struct {
	marketing   bool
	reminder    bool
	transaction bool
}

// requirementsFor derives opt-in requirements from the category, then lets
// explicit filter values override each one.
func requirementsFor(f model.SegmentFilter, c model.Category) requirements {
	var req requirements
	switch c {
	case model.CategoryMarketing, model.CategoryReferral:
		req.marketing = true
	case model.CategoryReminder:
		req.reminder = true
	case model.CategoryTransaction, model.CategoryPayment:
		req.transaction = true
	}
	if f.MarketingOptIn != nil {
		req.marketing = *f.MarketingOptIn
	}
	if f.ReminderOptIn != nil {
		req.reminder = *f.ReminderOptIn
	}
	if f.TransactionOptIn != nil {
		req.transaction = *f.TransactionOptIn
	}
	return req
}

// allows reports whether a user with the given preference row passes.
// ok is false when the user has no stored preferences, which counts as
// opted out of everything.
func (req requirements) allows(p model.Preference, ok, respectOptOut bool) bool {
	if respectOptOut && (!ok || !p.PushEnabled) {
		return false
	}
	if req.marketing && (!ok || !p.Marketing) {
		return false
	}
	if req.reminder && (!ok || !p.Reminder) {
		return false
	}
	if req.transaction && (!ok || !p.Transaction) {
		return false
	}
	return true
}

// Resolve returns the deduplicated recipient tokens for filter. Store errors
// are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, filter model.SegmentFilter, category model.Category) (*Result, error) {
	users, err := r.store.ListUsers(ctx, filter.PlanTiers)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	if len(filter.Countries) > 0 {
		kept := users[:0:0]
		for _, u := range users {
			if CountryMatches(u.Country, filter.Countries) {
				kept = append(kept, u)
			}
		}
		users = kept
	}

	return r.finish(ctx, users, filter, category)
}

// ResolveUsers resolves an explicit list of user ids. Plan and country
// restrictions in filter are ignored; opt-in requirements apply as in Resolve.
func (r *Resolver) ResolveUsers(ctx context.Context, userIDs []uuid.UUID, filter model.SegmentFilter, category model.Category) (*Result, error) {
	if len(userIDs) == 0 {
		return &Result{}, nil
	}
	users, err := r.store.ListUsersByID(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list users by id: %w", err)
	}
	return r.finish(ctx, users, filter, category)
}

func (r *Resolver) finish(ctx context.Context, users []model.User, filter model.SegmentFilter, category model.Category) (*Result, error) {
	res := &Result{}
	if len(users) == 0 {
		metrics.ObserveSegmentSize(0)
		return res, nil
	}

	ids := make([]uuid.UUID, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	prefs, err := r.store.GetPreferences(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}

	req := requirementsFor(filter, category)
	applyQuiet := r.quiet.Applies(category)
	now := r.now()

	survivors := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		p, ok := prefs[id]
		if !req.allows(p, ok, filter.RespectOptOut) {
			continue
		}
		if applyQuiet && r.quiet.Active(p.Timezone, now) {
			res.QuietHoursExcluded++
			continue
		}
		survivors = append(survivors, id)
	}
	res.UsersMatched = len(survivors)

	if len(survivors) == 0 {
		metrics.ObserveSegmentSize(0)
		return res, nil
	}

	tokens, err := r.store.ListActiveTokens(ctx, survivors)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}

	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, dup := seen[t.Token]; dup {
			continue
		}
		seen[t.Token] = struct{}{}
		res.Recipients = append(res.Recipients, Recipient{Token: t.Token, UserID: t.UserID})
	}

	metrics.ObserveSegmentSize(len(res.Recipients))
	r.logger.Debug("segment resolved",
		zap.String("category", string(category)),
		zap.Int("users_considered", len(users)),
		zap.Int("users_matched", res.UsersMatched),
		zap.Int("quiet_hours_excluded", res.QuietHoursExcluded),
		zap.Int("tokens", len(res.Recipients)),
	)
	return res, nil
}
