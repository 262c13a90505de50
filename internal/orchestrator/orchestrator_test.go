package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/campaign"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/health"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/push"
	"github.com/lalithlochan/herald/internal/segment"
	"github.com/lalithlochan/herald/internal/trigger"
)

// scriptedExecutor returns canned behavior keyed by campaign name.
type scriptedExecutor struct {
	panicOn string
	failOn  string
	calls   []string
}

func (e *scriptedExecutor) Execute(_ context.Context, c *model.Campaign) (*campaign.Outcome, error) {
	e.calls = append(e.calls, c.Name)
	switch c.Name {
	case e.panicOn:
		panic("boom")
	case e.failOn:
		return &campaign.Outcome{CampaignID: c.ID}, errors.New("resolve audience: db down")
	}
	return &campaign.Outcome{CampaignID: c.ID, Status: model.CampaignSent, Sent: 1}, nil
}

type stubJob struct {
	name  string
	err   error
	panic bool
}

func (j stubJob) Name() string { return j.name }

func (j stubJob) Run(context.Context, time.Time) trigger.Result {
	if j.panic {
		panic("trigger exploded")
	}
	return trigger.Result{Trigger: j.name, Processed: 1, Sent: 1, Err: j.err}
}

type recordingMonitor struct {
	current  model.HealthSnapshot
	previous *model.HealthSnapshot
	calls    int
}

func (m *recordingMonitor) Evaluate(_ context.Context, cur model.HealthSnapshot, prev *model.HealthSnapshot) health.Report {
	m.calls++
	m.current = cur
	m.previous = prev
	return health.Report{Alerts: []health.Alert{}}
}

func seedDue(store *memstore.Store, names ...string) {
	base := time.Now().Add(-time.Hour)
	for i, n := range names {
		at := base.Add(time.Duration(i) * time.Minute)
		store.CreateCampaign(context.Background(), &model.Campaign{
			Name: n, Category: model.CategorySystem, Title: "t", Body: "b",
			Status: model.CampaignScheduled, ScheduledFor: &at,
			Target: model.Target{Type: model.TargetAll},
		})
	}
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	store := memstore.New()
	seedDue(store, "first", "second", "third")

	exec := &scriptedExecutor{panicOn: "second"}
	o := New(store, exec, nil, nil, nil, Config{}, zap.NewNop())
	summary := o.Run(context.Background(), 0)

	if len(exec.calls) != 3 {
		t.Fatalf("executed %v, want all three", exec.calls)
	}
	if summary.CampaignsFound != 3 || summary.CampaignsProcessed != 2 {
		t.Errorf("found=%d processed=%d, want 3/2", summary.CampaignsFound, summary.CampaignsProcessed)
	}
	if summary.Success {
		t.Error("summary should report failure")
	}
	want := []bool{true, false, true}
	for i, c := range summary.Campaigns {
		if c.Success != want[i] {
			t.Errorf("campaign %s success = %v, want %v", c.Name, c.Success, want[i])
		}
	}
	if summary.Campaigns[1].Error == "" {
		t.Error("panicking campaign should carry an error")
	}
}

func TestRun_ErroringCampaignDoesNotStopLoop(t *testing.T) {
	store := memstore.New()
	seedDue(store, "a", "b", "c")

	exec := &scriptedExecutor{failOn: "b"}
	summary := New(store, exec, nil, nil, nil, Config{}, zap.NewNop()).Run(context.Background(), 0)

	if summary.CampaignsProcessed != 2 || len(summary.Campaigns) != 3 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Campaigns[0].Name != "a" || summary.Campaigns[2].Name != "c" {
		t.Error("campaigns should run in due order")
	}
}

func TestRun_TriggersAreIsolatedAndJournaled(t *testing.T) {
	store := memstore.New()
	jobs := []trigger.Job{
		stubJob{name: "one"},
		stubJob{name: "two", err: errors.New("list failed")},
		stubJob{name: "three", panic: true},
		stubJob{name: "four"},
	}
	plans := stubJob{name: "plan_activation"}

	summary := New(store, &scriptedExecutor{}, jobs, plans, nil, Config{}, zap.NewNop()).Run(context.Background(), 0)

	if summary.TriggersTotal != 4 || summary.TriggersProcessed != 2 {
		t.Errorf("triggers %d/%d, want 2/4", summary.TriggersProcessed, summary.TriggersTotal)
	}
	if summary.Success {
		t.Error("failed triggers must fail the run")
	}
	if summary.PlanActivation == nil || !summary.PlanActivation.Success {
		t.Errorf("plan activation = %+v", summary.PlanActivation)
	}

	runs := store.TriggerRuns()
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.TriggerID)
	}
	wantIDs := []string{"one", "two", "three", "four", "plan_activation", model.HealthTriggerID}
	if len(ids) != len(wantIDs) {
		t.Fatalf("journal = %v, want %v", ids, wantIDs)
	}
	for i := range wantIDs {
		if ids[i] != wantIDs[i] {
			t.Errorf("journal[%d] = %s, want %s", i, ids[i], wantIDs[i])
		}
	}
	if runs[1].Context["error"] != "list failed" {
		t.Errorf("journal context = %v", runs[1].Context)
	}
}

func TestRun_HealthSnapshotHandOff(t *testing.T) {
	store := memstore.New()
	prev := model.HealthSnapshot{Success: false, TriggersTotal: 1, Timestamp: time.Now().Add(-15 * time.Minute)}
	store.RecordHealth(context.Background(), &prev)

	mon := &recordingMonitor{}
	o := New(store, &scriptedExecutor{}, []trigger.Job{stubJob{name: "only"}}, nil, mon, Config{}, zap.NewNop())
	summary := o.Run(context.Background(), 0)

	if mon.calls != 1 {
		t.Fatalf("monitor called %d times", mon.calls)
	}
	if mon.previous == nil || mon.previous.Success {
		t.Errorf("previous = %+v, want the stored failing snapshot", mon.previous)
	}
	if !mon.current.Success || mon.current.TriggersProcessed != 1 {
		t.Errorf("current = %+v", mon.current)
	}
	if summary.Health == nil {
		t.Error("summary should include the health report")
	}

	latest, _ := store.LatestHealth(context.Background())
	if latest == nil || !latest.Success || !latest.Timestamp.Equal(summary.StartedAt) {
		t.Errorf("latest health = %+v", latest)
	}
}

func TestRun_BatchLimit(t *testing.T) {
	tests := []struct {
		limit, want int
	}{
		{0, DefaultBatchSize},
		{-3, DefaultBatchSize},
		{2, 2},
		{50, MaxBatchSize},
	}
	for _, tt := range tests {
		if got := clampBatch(tt.limit, DefaultBatchSize); got != tt.want {
			t.Errorf("clampBatch(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}

	store := memstore.New()
	seedDue(store, "a", "b", "c", "d", "e", "f", "g")
	summary := New(store, &scriptedExecutor{}, nil, nil, nil, Config{}, zap.NewNop()).Run(context.Background(), 0)
	if summary.CampaignsFound != DefaultBatchSize {
		t.Errorf("found = %d, want %d", summary.CampaignsFound, DefaultBatchSize)
	}
}

type fakeLocker struct {
	acquired bool
	err      error
	released bool
}

func (l *fakeLocker) Acquire(context.Context) (func(), bool, error) {
	return func() { l.released = true }, l.acquired, l.err
}

func TestRun_Lock(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		store := memstore.New()
		seedDue(store, "a")
		exec := &scriptedExecutor{}
		summary := New(store, exec, nil, nil, nil, Config{Locker: &fakeLocker{}}, zap.NewNop()).Run(context.Background(), 0)
		if !summary.Skipped || len(exec.calls) != 0 {
			t.Errorf("summary = %+v, calls = %v", summary, exec.calls)
		}
	})

	t.Run("acquired and released", func(t *testing.T) {
		lock := &fakeLocker{acquired: true}
		summary := New(memstore.New(), &scriptedExecutor{}, nil, nil, nil, Config{Locker: lock}, zap.NewNop()).Run(context.Background(), 0)
		if summary.Skipped || !lock.released {
			t.Errorf("skipped=%v released=%v", summary.Skipped, lock.released)
		}
	})

	t.Run("lock backend down", func(t *testing.T) {
		store := memstore.New()
		seedDue(store, "a")
		exec := &scriptedExecutor{}
		New(store, exec, nil, nil, nil, Config{Locker: &fakeLocker{err: errors.New("redis down")}}, zap.NewNop()).Run(context.Background(), 0)
		if len(exec.calls) != 1 {
			t.Error("run should proceed when the lock backend is unavailable")
		}
	})
}

func TestRun_EndToEnd(t *testing.T) {
	store := memstore.New()
	uid := uuid.New()
	store.AddUser(model.User{ID: uid, Plan: "pro"})
	store.UpsertPreference(context.Background(), &model.Preference{UserID: uid, PushEnabled: true})
	store.UpsertToken(context.Background(), &model.Token{UserID: &uid, Token: "device-1"})
	seedDue(store, "launch")

	resolver := segment.NewResolver(store, segment.QuietHours{}, zap.NewNop())
	d := dispatch.New(store, push.NewLogProvider(zap.NewNop()), dispatch.Config{SendTimeout: time.Second}, zap.NewNop())
	exec := campaign.NewExecutor(store, resolver, d, zap.NewNop())

	summary := New(store, exec, nil, nil, nil, Config{}, zap.NewNop()).Run(context.Background(), 0)
	if !summary.Success || summary.CampaignsProcessed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Campaigns[0].Status != model.CampaignSent || summary.Campaigns[0].Sent != 1 {
		t.Errorf("campaign = %+v", summary.Campaigns[0])
	}

	// A second run finds nothing due.
	again := New(store, exec, nil, nil, nil, Config{}, zap.NewNop()).Run(context.Background(), 0)
	if again.CampaignsFound != 0 {
		t.Errorf("second run found %d campaigns", again.CampaignsFound)
	}
}

// cancellingProvider cancels the run while the push is in flight.
type cancellingProvider struct {
	cancel context.CancelFunc
}

func (p *cancellingProvider) Name() string { return "cancelling" }

func (p *cancellingProvider) Send(context.Context, *push.Message) (string, error) {
	p.cancel()
	return "msg-1", nil
}

// ctxStore fails bookkeeping writes once their context is done, the way a
// database driver does.
type ctxStore struct {
	*memstore.Store
}

func (s ctxStore) CompleteCampaign(ctx context.Context, id uuid.UUID, status model.CampaignStatus, sent, failed int, errMsg *string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CompleteCampaign(ctx, id, status, sent, failed, errMsg, at)
}

func (s ctxStore) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.MarkDeliveryFailed(ctx, id, message, at)
}

func (s ctxStore) AppendTriggerRun(ctx context.Context, triggerID string, runCtx map[string]any, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.AppendTriggerRun(ctx, triggerID, runCtx, at)
}

func (s ctxStore) RecordHealth(ctx context.Context, snap *model.HealthSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.RecordHealth(ctx, snap)
}

func TestRun_CancelledMidSendStillFinalizes(t *testing.T) {
	mem := memstore.New()
	store := ctxStore{mem}
	uid := uuid.New()
	mem.AddUser(model.User{ID: uid, Plan: "pro"})
	mem.UpsertPreference(context.Background(), &model.Preference{UserID: uid, PushEnabled: true})
	mem.UpsertToken(context.Background(), &model.Token{UserID: &uid, Token: "device-1"})
	seedDue(mem, "launch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := segment.NewResolver(store, segment.QuietHours{}, zap.NewNop())
	d := dispatch.New(store, &cancellingProvider{cancel: cancel}, dispatch.Config{SendTimeout: time.Second}, zap.NewNop())
	exec := campaign.NewExecutor(store, resolver, d, zap.NewNop())
	monitor := &recordingMonitor{}
	o := New(store, exec, []trigger.Job{stubJob{name: "renewal"}}, nil, monitor, Config{}, zap.NewNop())

	summary := o.Run(ctx, 0)
	if summary.CampaignsFound != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	// The provider answer and the cancellation race; either outcome is
	// final, but the campaign must not stay claimed.
	items, _, _ := mem.ListCampaigns(context.Background(), "", 10, 0)
	if len(items) != 1 {
		t.Fatalf("expected 1 campaign, got %d", len(items))
	}
	if st := items[0].Status; st != model.CampaignSent && st != model.CampaignFailed {
		t.Errorf("campaign left in %q after a cancelled run", st)
	}
	if items[0].Status != summary.Campaigns[0].Status {
		t.Errorf("stored status %q, reported %q", items[0].Status, summary.Campaigns[0].Status)
	}

	logs := mem.DeliveryLogs()
	if len(logs) != 1 {
		t.Fatalf("expected 1 delivery log, got %d", len(logs))
	}
	if items[0].Status == model.CampaignFailed && logs[0].Status != model.DeliveryFailed {
		t.Errorf("failed send not recorded on the log: %q", logs[0].Status)
	}

	if snap, err := mem.LatestHealth(context.Background()); err != nil || snap == nil {
		t.Errorf("health snapshot lost: %v, %v", snap, err)
	}
	if monitor.calls != 1 {
		t.Errorf("monitor evaluated %d times, want 1", monitor.calls)
	}

	var journaled bool
	for _, r := range mem.TriggerRuns() {
		if r.TriggerID == "renewal" {
			journaled = true
		}
	}
	if !journaled {
		t.Error("trigger run not journaled after cancellation")
	}

	// Nothing is left due for the next cycle.
	again := New(store, exec, nil, nil, nil, Config{}, zap.NewNop()).Run(context.Background(), 0)
	if again.CampaignsFound != 0 {
		t.Errorf("next run found %d campaigns", again.CampaignsFound)
	}
}

// unregisteredProvider rejects one token as permanently unaddressable.
type unregisteredProvider struct {
	token string
}

func (p unregisteredProvider) Name() string { return "unregistered" }

func (p unregisteredProvider) Send(_ context.Context, msg *push.Message) (string, error) {
	if msg.Token == p.token {
		return "", push.Permanent(p.Name(), errors.New("registration-token-not-registered"))
	}
	return "msg-1", nil
}

func TestPermanentFailureDropsTokenFromNextResolve(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	uid := uuid.New()
	store.AddUser(model.User{ID: uid, Plan: "pro"})
	store.UpsertPreference(ctx, &model.Preference{UserID: uid, PushEnabled: true})
	store.UpsertToken(ctx, &model.Token{UserID: &uid, Token: "stale"})
	store.UpsertToken(ctx, &model.Token{UserID: &uid, Token: "fresh"})

	resolver := segment.NewResolver(store, segment.QuietHours{}, zap.NewNop())
	d := dispatch.New(store, unregisteredProvider{token: "stale"}, dispatch.Config{SendTimeout: time.Second}, zap.NewNop())

	res := d.Send(ctx, dispatch.Request{Token: "stale", UserID: &uid, Category: model.CategorySystem, Title: "t"})
	if res.Success || !res.Deactivated || !push.IsPermanent(res.Err) {
		t.Fatalf("expected a permanent failure that deactivates, got %+v", res)
	}

	got, err := resolver.Resolve(ctx, model.SegmentFilter{RespectOptOut: true}, model.CategorySystem)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got.Recipients) != 1 || got.Recipients[0].Token != "fresh" {
		t.Errorf("recipients = %+v, want only the fresh token", got.Recipients)
	}
}
