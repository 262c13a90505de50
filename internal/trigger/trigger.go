// Package trigger contains the rule-based notification jobs run on every
// orchestrator cycle.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/notify"
)

// Result is the discriminated outcome of one job: Err is nil on success.
type Result struct {
	Trigger   string `json:"trigger"`
	Processed int    `json:"processed"`
	Sent      int    `json:"sent"`
	Skipped   int    `json:"skipped"`
	Err       error  `json:"-"`
}

func (r Result) Ok() bool { return r.Err == nil }

// Context is the journal payload for the run.
func (r Result) Context() map[string]any {
	ctx := map[string]any{
		"processed": r.Processed,
		"sent":      r.Sent,
		"skipped":   r.Skipped,
		"ok":        r.Ok(),
	}
	if r.Err != nil {
		ctx["error"] = r.Err.Error()
	}
	return ctx
}

// Job is one independent trigger. Run never panics on data errors; it
// reports them through Result.Err.
type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) Result
}

// Notifier delivers content to one user.
type Notifier interface {
	SendToUser(ctx context.Context, userID uuid.UUID, content notify.Content, sentBy string) (*notify.Result, error)
}

// deliver sends to one user and folds the outcome into res. Opt-outs and
// vanished users are skips; anything else is recorded as an error.
func deliver(ctx context.Context, n Notifier, logger *zap.Logger, res *Result, userID uuid.UUID, content notify.Content) error {
	out, err := n.SendToUser(ctx, userID, content, "trigger:"+res.Trigger)
	switch {
	case err == nil:
		res.Processed++
		if out.Sent > 0 {
			res.Sent++
		}
		return nil
	case apperr.Is(err, apperr.KindConflict), apperr.Is(err, apperr.KindNotFound):
		res.Skipped++
		return nil
	default:
		logger.Warn("trigger send failed",
			zap.String("trigger", res.Trigger),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("user %s: %w", userID, err)
	}
}

// --- renewal reminders ---

type RenewalStore interface {
	ListUsersWithExpiringPlans(ctx context.Context, from, to time.Time) ([]model.User, error)
	MarkRenewalReminded(ctx context.Context, userID uuid.UUID, expiresAt time.Time) (bool, error)
}

// RenewalReminder notifies users whose plan expires within Window, once per
// expiry date.
type RenewalReminder struct {
	store    RenewalStore
	notifier Notifier
	renderer *Renderer
	window   time.Duration
	logger   *zap.Logger
}

func NewRenewalReminder(store RenewalStore, notifier Notifier, renderer *Renderer, window time.Duration, logger *zap.Logger) *RenewalReminder {
	if window <= 0 {
		window = 3 * 24 * time.Hour
	}
	return &RenewalReminder{store: store, notifier: notifier, renderer: renderer, window: window, logger: logger}
}

func (j *RenewalReminder) Name() string { return "renewal_reminder" }

var renewalFallback = model.Template{
	Slug:     "renewal_reminder",
	Category: model.CategoryReminder,
	Title:    "Your {{ plan }} plan expires soon",
	Body:     "Hi {{ name | first_name | default: 'there' }}, your plan ends in {{ days_left }} day(s). Renew to keep your benefits.",
}

func (j *RenewalReminder) Run(ctx context.Context, now time.Time) Result {
	res := Result{Trigger: j.Name()}
	users, err := j.store.ListUsersWithExpiringPlans(ctx, now, now.Add(j.window))
	if err != nil {
		res.Err = fmt.Errorf("list expiring plans: %w", err)
		return res
	}

	var errs []error
	for _, u := range users {
		if u.PlanExpiresAt == nil {
			continue
		}
		// Claim before sending so a double-fired run reminds at most once.
		claimed, err := j.store.MarkRenewalReminded(ctx, u.ID, *u.PlanExpiresAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("mark reminded %s: %w", u.ID, err))
			continue
		}
		if !claimed {
			res.Skipped++
			continue
		}

		daysLeft := int(u.PlanExpiresAt.Sub(now).Hours()/24) + 1
		title, body := j.renderer.Render(ctx, renewalFallback.Slug, renewalFallback, map[string]any{
			"name":       u.Name,
			"plan":       u.Plan,
			"days_left":  daysLeft,
			"expires_at": u.PlanExpiresAt.Format("2006-01-02"),
		})
		if err := deliver(ctx, j.notifier, j.logger, &res, u.ID, notify.Content{
			Category: model.CategoryReminder,
			Title:    title,
			Body:     body,
			Data:     map[string]any{"type": "renewal_reminder", "expiresAt": u.PlanExpiresAt.Format(time.RFC3339)},
		}); err != nil {
			errs = append(errs, err)
		}
	}
	res.Err = errors.Join(errs...)
	return res
}

// --- referrals ---

type ReferralStore interface {
	ListPendingReferrals(ctx context.Context, stage string) ([]model.Referral, error)
	MarkReferralNotified(ctx context.Context, id uuid.UUID, stage string, at time.Time) (bool, error)
}

// ReferralNotice tells the referrer that their referral reached a stage.
type ReferralNotice struct {
	stage    string
	store    ReferralStore
	notifier Notifier
	renderer *Renderer
	logger   *zap.Logger
}

func NewReferralInvited(store ReferralStore, notifier Notifier, renderer *Renderer, logger *zap.Logger) *ReferralNotice {
	return &ReferralNotice{stage: model.ReferralInvited, store: store, notifier: notifier, renderer: renderer, logger: logger}
}

func NewReferralVerified(store ReferralStore, notifier Notifier, renderer *Renderer, logger *zap.Logger) *ReferralNotice {
	return &ReferralNotice{stage: model.ReferralVerified, store: store, notifier: notifier, renderer: renderer, logger: logger}
}

func (j *ReferralNotice) Name() string { return "referral_" + j.stage }

var referralFallbacks = map[string]model.Template{
	model.ReferralInvited: {
		Slug:  "referral_invited",
		Title: "Your invite was accepted",
		Body:  "{{ referee_name | default: 'Your friend' }} joined with your invite.",
	},
	model.ReferralVerified: {
		Slug:  "referral_verified",
		Title: "You earned a referral reward",
		Body:  "{{ referee_name | default: 'Your friend' }} verified their account. Thanks for spreading the word!",
	},
}

func (j *ReferralNotice) Run(ctx context.Context, now time.Time) Result {
	res := Result{Trigger: j.Name()}
	pending, err := j.store.ListPendingReferrals(ctx, j.stage)
	if err != nil {
		res.Err = fmt.Errorf("list pending referrals: %w", err)
		return res
	}

	fallback := referralFallbacks[j.stage]
	var errs []error
	for _, r := range pending {
		claimed, err := j.store.MarkReferralNotified(ctx, r.ID, j.stage, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("mark referral %s: %w", r.ID, err))
			continue
		}
		if !claimed {
			res.Skipped++
			continue
		}

		title, body := j.renderer.Render(ctx, fallback.Slug, fallback, map[string]any{
			"referee_name": r.RefereeName,
		})
		if err := deliver(ctx, j.notifier, j.logger, &res, r.ReferrerID, notify.Content{
			Category: model.CategoryReferral,
			Title:    title,
			Body:     body,
			Data:     map[string]any{"type": j.Name(), "referralId": r.ID.String()},
		}); err != nil {
			errs = append(errs, err)
		}
	}
	res.Err = errors.Join(errs...)
	return res
}

// --- scheduled plan activation ---

type PlanStore interface {
	ActivateScheduledPlans(ctx context.Context, now time.Time) (int, error)
}

// PlanActivation promotes deferred plans whose start date has arrived. It
// sends nothing.
type PlanActivation struct {
	store  PlanStore
	logger *zap.Logger
}

func NewPlanActivation(store PlanStore, logger *zap.Logger) *PlanActivation {
	return &PlanActivation{store: store, logger: logger}
}

func (j *PlanActivation) Name() string { return "plan_activation" }

func (j *PlanActivation) Run(ctx context.Context, now time.Time) Result {
	res := Result{Trigger: j.Name()}
	n, err := j.store.ActivateScheduledPlans(ctx, now)
	if err != nil {
		res.Err = fmt.Errorf("activate scheduled plans: %w", err)
		return res
	}
	res.Processed = n
	if n > 0 {
		j.logger.Info("scheduled plans activated", zap.Int("count", n))
	}
	return res
}
