// Package memstore is an in-memory implementation of every herald store
// port. It backs STORE=memory dev mode and cross-package tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/model"
)

// Store is safe for concurrent use. Every method copies values in and out so
// callers never share memory with the store.
type Store struct {
	mu         sync.Mutex
	users      map[uuid.UUID]model.User
	prefs      map[uuid.UUID]model.Preference
	tokens     map[string]model.Token
	campaigns  map[uuid.UUID]model.Campaign
	logs       map[uuid.UUID]model.DeliveryLog
	logOrder   []uuid.UUID
	templates  map[string]model.Template
	referrals  map[uuid.UUID]model.Referral
	runs       []model.TriggerRunLog
	health     *model.HealthSnapshot
	pingErr    error
	failCreate error
}

func New() *Store {
	return &Store{
		users:     make(map[uuid.UUID]model.User),
		prefs:     make(map[uuid.UUID]model.Preference),
		tokens:    make(map[string]model.Token),
		campaigns: make(map[uuid.UUID]model.Campaign),
		logs:      make(map[uuid.UUID]model.DeliveryLog),
		templates: make(map[string]model.Template),
		referrals: make(map[uuid.UUID]model.Referral),
	}
}

// Ping returns the error set with SetPingError.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

// FailDeliveryLogInserts makes CreateDeliveryLog return err until reset with nil.
func (s *Store) FailDeliveryLogInserts(err error) {
	s.mu.Lock()
	s.failCreate = err
	s.mu.Unlock()
}

// --- users & preferences ---

func (s *Store) AddUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.users[u.ID] = u
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s not found", id)
	}
	return &u, nil
}

func (s *Store) sortedUsers(keep func(model.User) bool) []model.User {
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		if keep(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *Store) ListUsers(_ context.Context, planTiers []string) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedUsers(func(u model.User) bool {
		if len(planTiers) == 0 {
			return true
		}
		for _, p := range planTiers {
			if strings.EqualFold(u.Plan, p) {
				return true
			}
		}
		return false
	}), nil
}

func (s *Store) ListUsersByID(_ context.Context, ids []uuid.UUID) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return s.sortedUsers(func(u model.User) bool { return want[u.ID] }), nil
}

func (s *Store) GetPreferences(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]model.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]model.Preference, len(ids))
	for _, id := range ids {
		if p, ok := s.prefs[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) GetPreference(_ context.Context, userID uuid.UUID) (*model.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return nil, apperr.NotFound("preferences for user %s not found", userID)
	}
	return &p, nil
}

func (s *Store) UpsertPreference(_ context.Context, p *model.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	s.prefs[p.UserID] = *p
	return nil
}

// --- tokens ---

func (s *Store) UpsertToken(_ context.Context, t *model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.tokens[t.Token]; ok {
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
	} else {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
	}
	t.IsActive = true
	t.UpdatedAt = now
	s.tokens[t.Token] = *t
	return nil
}

// Token returns a copy of the stored token row.
func (s *Store) Token(value string) (model.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[value]
	return t, ok
}

func (s *Store) ListActiveTokens(_ context.Context, userIDs []uuid.UUID) ([]model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}
	var out []model.Token
	for _, t := range s.tokens {
		if t.IsActive && t.UserID != nil && want[*t.UserID] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if *a.UserID != *b.UserID {
			return a.UserID.String() < b.UserID.String()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Token < b.Token
	})
	return out, nil
}

func (s *Store) TouchToken(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil
	}
	t.IsActive = true
	t.LastUsedAt = &at
	t.UpdatedAt = at
	s.tokens[token] = t
	return nil
}

func (s *Store) DeactivateToken(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return apperr.NotFound("token not found")
	}
	t.IsActive = false
	t.UpdatedAt = at
	s.tokens[token] = t
	return nil
}

// --- delivery logs ---

func (s *Store) CreateDeliveryLog(_ context.Context, l *model.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	s.logs[l.ID] = copyLog(*l)
	s.logOrder = append(s.logOrder, l.ID)
	return nil
}

func (s *Store) MarkDeliveryFailed(_ context.Context, id uuid.UUID, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return apperr.NotFound("delivery log %s not found", id)
	}
	if l.Status != model.DeliverySent {
		return nil
	}
	l.Status = model.DeliveryFailed
	l.ErrorMessage = &message
	l.LastEventAt = &at
	l.UpdatedAt = at
	s.logs[id] = l
	return nil
}

func (s *Store) ApplyEvent(_ context.Context, id uuid.UUID, e events.Event, metadata map[string]any, at time.Time) (*model.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, apperr.NotFound("delivery log %s not found", id)
	}
	l = copyLog(l)
	events.Apply(&l, e, metadata, at)
	s.logs[id] = l
	out := copyLog(l)
	return &out, nil
}

// DeliveryLog returns a copy of one log row.
func (s *Store) DeliveryLog(id uuid.UUID) (model.DeliveryLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	return copyLog(l), ok
}

// DeliveryLogs returns every log row in insertion order.
func (s *Store) DeliveryLogs() []model.DeliveryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DeliveryLog, 0, len(s.logOrder))
	for _, id := range s.logOrder {
		out = append(out, copyLog(s.logs[id]))
	}
	return out
}

func (s *Store) ListDeliveryLogs(_ context.Context, campaignID uuid.UUID, limit, offset int) ([]model.DeliveryLog, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []model.DeliveryLog
	for _, id := range s.logOrder {
		l := s.logs[id]
		if l.CampaignID != nil && *l.CampaignID == campaignID {
			matched = append(matched, copyLog(l))
		}
	}
	return page(matched, limit, offset), len(matched), nil
}

// --- campaigns ---

func (s *Store) CreateCampaign(_ context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	s.campaigns[c.ID] = *c
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id uuid.UUID) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, apperr.NotFound("campaign %s not found", id)
	}
	return &c, nil
}

func (s *Store) ListCampaigns(_ context.Context, status model.CampaignStatus, limit, offset int) ([]model.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []model.Campaign
	for _, c := range s.campaigns {
		if status == "" || c.Status == status {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	return page(matched, limit, offset), len(matched), nil
}

func (s *Store) UpdateCampaign(_ context.Context, c *model.Campaign) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.campaigns[c.ID]
	if !ok {
		return false, apperr.NotFound("campaign %s not found", c.ID)
	}
	if !cur.Status.Editable() {
		return false, nil
	}
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = time.Now()
	s.campaigns[c.ID] = *c
	return true, nil
}

func (s *Store) CancelCampaign(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.transition(id, at, func(c *model.Campaign) bool {
		if !c.Status.Editable() {
			return false
		}
		c.Status = model.CampaignCancelled
		return true
	})
}

func (s *Store) ClaimCampaign(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.transition(id, at, func(c *model.Campaign) bool {
		if c.Status != model.CampaignScheduled {
			return false
		}
		c.Status = model.CampaignSending
		return true
	})
}

func (s *Store) CompleteCampaign(_ context.Context, id uuid.UUID, status model.CampaignStatus, sent, failed int, errMsg *string, at time.Time) error {
	_, err := s.transition(id, at, func(c *model.Campaign) bool {
		c.Status = status
		c.SentCount = sent
		c.FailedCount = failed
		c.ErrorMessage = errMsg
		c.SentAt = &at
		return true
	})
	return err
}

// transition applies fn under the lock and stores the result when fn
// reports a change.
func (s *Store) transition(id uuid.UUID, at time.Time, fn func(*model.Campaign) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, apperr.NotFound("campaign %s not found", id)
	}
	if !fn(&c) {
		return false, nil
	}
	c.UpdatedAt = at
	s.campaigns[id] = c
	return true, nil
}

func (s *Store) ListDueCampaigns(_ context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.Campaign
	for _, c := range s.campaigns {
		if c.Status == model.CampaignScheduled && c.ScheduledFor != nil && !c.ScheduledFor.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(*due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(*due[j].ScheduledFor)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// --- templates, referrals, plans ---

func (s *Store) AddTemplate(t model.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.Slug] = t
}

func (s *Store) GetTemplate(_ context.Context, slug string) (*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[slug]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) ListUsersWithExpiringPlans(_ context.Context, from, to time.Time) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedUsers(func(u model.User) bool {
		if u.PlanExpiresAt == nil || u.PlanExpiresAt.Before(from) || !u.PlanExpiresAt.Before(to) {
			return false
		}
		return u.RenewalRemindedFor == nil || !u.RenewalRemindedFor.Equal(*u.PlanExpiresAt)
	}), nil
}

func (s *Store) MarkRenewalReminded(_ context.Context, userID uuid.UUID, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, apperr.NotFound("user %s not found", userID)
	}
	if u.RenewalRemindedFor != nil && u.RenewalRemindedFor.Equal(expiresAt) {
		return false, nil
	}
	u.RenewalRemindedFor = &expiresAt
	s.users[userID] = u
	return true, nil
}

func (s *Store) ActivateScheduledPlans(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, u := range s.users {
		if u.PendingPlan == nil || u.PendingPlanStartsAt == nil || u.PendingPlanStartsAt.After(now) {
			continue
		}
		u.Plan = *u.PendingPlan
		u.PendingPlan = nil
		u.PendingPlanStartsAt = nil
		s.users[id] = u
		n++
	}
	return n, nil
}

func (s *Store) AddReferral(r model.Referral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.referrals[r.ID] = r
}

func (s *Store) Referral(id uuid.UUID) (model.Referral, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[id]
	return r, ok
}

// ListPendingReferrals returns referrals that still owe the notification
// for the given stage (invited or verified).
func (s *Store) ListPendingReferrals(_ context.Context, stage string) ([]model.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Referral
	for _, r := range s.referrals {
		switch stage {
		case model.ReferralInvited:
			if r.InvitedNotifiedAt == nil {
				out = append(out, r)
			}
		case model.ReferralVerified:
			if r.Status == model.ReferralVerified && r.VerifiedNotifiedAt == nil {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkReferralNotified(_ context.Context, id uuid.UUID, stage string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[id]
	if !ok {
		return false, apperr.NotFound("referral %s not found", id)
	}
	switch stage {
	case model.ReferralInvited:
		if r.InvitedNotifiedAt != nil {
			return false, nil
		}
		r.InvitedNotifiedAt = &at
	case model.ReferralVerified:
		if r.VerifiedNotifiedAt != nil {
			return false, nil
		}
		r.VerifiedNotifiedAt = &at
	default:
		return false, apperr.Validation("unknown referral stage %q", stage)
	}
	s.referrals[id] = r
	return true, nil
}

// --- trigger journal & health ---

func (s *Store) AppendTriggerRun(_ context.Context, triggerID string, runCtx map[string]any, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, model.TriggerRunLog{ID: uuid.New(), TriggerID: triggerID, Context: runCtx, CreatedAt: at})
	return nil
}

// TriggerRuns returns the journal in append order.
func (s *Store) TriggerRuns() []model.TriggerRunLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TriggerRunLog(nil), s.runs...)
}

func (s *Store) LatestHealth(context.Context) (*model.HealthSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health == nil {
		return nil, nil
	}
	h := *s.health
	return &h, nil
}

func (s *Store) RecordHealth(_ context.Context, snap *model.HealthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := *snap
	s.health = &h
	s.runs = append(s.runs, model.TriggerRunLog{
		ID:        uuid.New(),
		TriggerID: model.HealthTriggerID,
		Context: map[string]any{
			"campaignsFound":     h.CampaignsFound,
			"campaignsProcessed": h.CampaignsProcessed,
			"triggersProcessed":  h.TriggersProcessed,
			"triggersTotal":      h.TriggersTotal,
			"success":            h.Success,
		},
		CreatedAt: h.Timestamp,
	})
	return nil
}

func copyLog(l model.DeliveryLog) model.DeliveryLog {
	if l.Data != nil {
		data := make(map[string]any, len(l.Data))
		for k, v := range l.Data {
			if inner, ok := v.(map[string]any); ok {
				cp := make(map[string]any, len(inner))
				for ik, iv := range inner {
					cp[ik] = iv
				}
				v = cp
			}
			data[k] = v
		}
		l.Data = data
	}
	return l
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
