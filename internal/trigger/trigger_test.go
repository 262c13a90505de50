package trigger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/push"
	"github.com/lalithlochan/herald/internal/segment"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newNotifier(store *memstore.Store) *notify.Service {
	resolver := segment.NewResolver(store, segment.QuietHours{}, zap.NewNop())
	d := dispatch.New(store, push.NewLogProvider(zap.NewNop()), dispatch.Config{SendTimeout: time.Second}, zap.NewNop())
	return notify.NewService(store, resolver, d, zap.NewNop())
}

func seedUser(store *memstore.Store, u model.User, pref model.Preference, token string) uuid.UUID {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	store.AddUser(u)
	pref.UserID = u.ID
	store.UpsertPreference(context.Background(), &pref)
	id := u.ID
	store.UpsertToken(context.Background(), &model.Token{UserID: &id, Token: token})
	return u.ID
}

func ptrTime(t time.Time) *time.Time { return &t }

// recordingNotifier captures content without touching the store.
type recordingNotifier struct {
	calls []notify.Content
	err   error
}

func (n *recordingNotifier) SendToUser(_ context.Context, userID uuid.UUID, c notify.Content, _ string) (*notify.Result, error) {
	n.calls = append(n.calls, c)
	if n.err != nil {
		return nil, n.err
	}
	return &notify.Result{UserID: userID, Tokens: 1, Sent: 1}, nil
}

func TestRenewalReminder_SendsOncePerExpiry(t *testing.T) {
	store := memstore.New()
	seedUser(store, model.User{Name: "Ana Perez", Plan: "pro", PlanExpiresAt: ptrTime(testNow.Add(48 * time.Hour))},
		model.Preference{PushEnabled: true, Reminder: true}, "tok-ana")
	seedUser(store, model.User{Name: "Far", Plan: "pro", PlanExpiresAt: ptrTime(testNow.Add(30 * 24 * time.Hour))},
		model.Preference{PushEnabled: true, Reminder: true}, "tok-far")

	job := NewRenewalReminder(store, newNotifier(store), NewRenderer(store, zap.NewNop()), 3*24*time.Hour, zap.NewNop())

	first := job.Run(context.Background(), testNow)
	if !first.Ok() {
		t.Fatalf("first run: %v", first.Err)
	}
	if first.Processed != 1 || first.Sent != 1 {
		t.Errorf("first run = %+v, want 1 processed and sent", first)
	}

	second := job.Run(context.Background(), testNow.Add(time.Hour))
	if second.Processed != 0 || second.Sent != 0 {
		t.Errorf("second run = %+v, want nothing sent", second)
	}

	logs := store.DeliveryLogs()
	if len(logs) != 1 {
		t.Fatalf("expected 1 delivery log, got %d", len(logs))
	}
	if logs[0].Category != model.CategoryReminder {
		t.Errorf("category = %q", logs[0].Category)
	}
	if logs[0].Title != "Your pro plan expires soon" {
		t.Errorf("title = %q", logs[0].Title)
	}
	if !strings.HasPrefix(logs[0].Body, "Hi Ana,") {
		t.Errorf("body = %q", logs[0].Body)
	}
}

func TestRenewalReminder_OptedOutIsSkipped(t *testing.T) {
	store := memstore.New()
	seedUser(store, model.User{Plan: "pro", PlanExpiresAt: ptrTime(testNow.Add(time.Hour))},
		model.Preference{PushEnabled: true, Reminder: false}, "tok")

	job := NewRenewalReminder(store, newNotifier(store), NewRenderer(store, zap.NewNop()), 0, zap.NewNop())
	res := job.Run(context.Background(), testNow)
	if !res.Ok() {
		t.Fatalf("run: %v", res.Err)
	}
	if res.Skipped != 1 || res.Sent != 0 {
		t.Errorf("result = %+v, want 1 skipped", res)
	}
}

func TestRenewalReminder_StoredTemplate(t *testing.T) {
	store := memstore.New()
	store.AddTemplate(model.Template{
		Slug:  "renewal_reminder",
		Title: "Renew {{ plan | upcase }}",
		Body:  "{{ days_left }} left",
	})
	seedUser(store, model.User{Plan: "pro", PlanExpiresAt: ptrTime(testNow.Add(36 * time.Hour))},
		model.Preference{PushEnabled: true, Reminder: true}, "tok")

	n := &recordingNotifier{}
	job := NewRenewalReminder(store, n, NewRenderer(store, zap.NewNop()), 0, zap.NewNop())
	job.Run(context.Background(), testNow)

	if len(n.calls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(n.calls))
	}
	if n.calls[0].Title != "Renew PRO" || n.calls[0].Body != "2 left" {
		t.Errorf("content = %+v", n.calls[0])
	}
}

func TestRenderer_BrokenTemplateFallsBack(t *testing.T) {
	store := memstore.New()
	store.AddTemplate(model.Template{Slug: "x", Title: "{% if %}", Body: "ok"})
	r := NewRenderer(store, zap.NewNop())

	title, body := r.Render(context.Background(), "x", model.Template{Title: "T {{ v }}", Body: "B"}, map[string]any{"v": 1})
	if title != "T 1" || body != "B" {
		t.Errorf("got %q / %q", title, body)
	}
}

func TestRenewalReminder_SendErrorsAreReported(t *testing.T) {
	store := memstore.New()
	seedUser(store, model.User{Plan: "pro", PlanExpiresAt: ptrTime(testNow.Add(time.Hour))},
		model.Preference{PushEnabled: true, Reminder: true}, "tok")

	n := &recordingNotifier{err: errors.New("db down")}
	job := NewRenewalReminder(store, n, NewRenderer(store, zap.NewNop()), 0, zap.NewNop())
	res := job.Run(context.Background(), testNow)
	if res.Ok() {
		t.Fatal("expected error")
	}
	if res.Context()["error"] == nil {
		t.Error("journal context should carry the error")
	}
}

func TestReferralNotices(t *testing.T) {
	store := memstore.New()
	referrer := seedUser(store, model.User{Name: "Luis"}, model.Preference{PushEnabled: true, Marketing: true}, "tok-luis")

	invited := model.Referral{ID: uuid.New(), ReferrerID: referrer, RefereeName: "Marta", Status: model.ReferralInvited}
	verified := model.Referral{ID: uuid.New(), ReferrerID: referrer, RefereeName: "Jon", Status: model.ReferralVerified}
	store.AddReferral(invited)
	store.AddReferral(verified)

	notifier := newNotifier(store)
	renderer := NewRenderer(store, zap.NewNop())

	inv := NewReferralInvited(store, notifier, renderer, zap.NewNop())
	res := inv.Run(context.Background(), testNow)
	if !res.Ok() {
		t.Fatalf("invited: %v", res.Err)
	}
	// Both referrals were invited at some point.
	if res.Sent != 2 {
		t.Errorf("invited sent = %d, want 2", res.Sent)
	}

	ver := NewReferralVerified(store, notifier, renderer, zap.NewNop())
	res = ver.Run(context.Background(), testNow)
	if !res.Ok() || res.Sent != 1 {
		t.Errorf("verified = %+v", res)
	}

	again := ver.Run(context.Background(), testNow.Add(time.Minute))
	if again.Sent != 0 {
		t.Errorf("verified notice repeated: %+v", again)
	}

	r, _ := store.Referral(verified.ID)
	if r.VerifiedNotifiedAt == nil {
		t.Error("verified_notified_at not set")
	}

	var found bool
	for _, l := range store.DeliveryLogs() {
		if l.Category == model.CategoryReferral && strings.Contains(l.Body, "Jon verified") {
			found = true
		}
	}
	if !found {
		t.Error("expected a verified referral notice mentioning Jon")
	}
}

func TestPlanActivation(t *testing.T) {
	store := memstore.New()
	next := "premium"
	id := uuid.New()
	store.AddUser(model.User{ID: id, Plan: "basic", PendingPlan: &next, PendingPlanStartsAt: ptrTime(testNow.Add(-time.Minute))})
	store.AddUser(model.User{ID: uuid.New(), Plan: "basic", PendingPlan: &next, PendingPlanStartsAt: ptrTime(testNow.Add(time.Hour))})

	res := NewPlanActivation(store, zap.NewNop()).Run(context.Background(), testNow)
	if !res.Ok() || res.Processed != 1 {
		t.Fatalf("result = %+v", res)
	}
	u, _ := store.GetUser(context.Background(), id)
	if u.Plan != "premium" || u.PendingPlan != nil {
		t.Errorf("user = %+v", u)
	}
}
