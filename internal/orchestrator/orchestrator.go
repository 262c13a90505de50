// Package orchestrator runs one notification cycle: due campaigns, then
// triggers, then plan activation, then health evaluation.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/campaign"
	"github.com/lalithlochan/herald/internal/health"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/trigger"
)

const (
	DefaultBatchSize = 5
	MaxBatchSize     = 20

	// journalTimeout bounds the trigger journal and health writes. They run
	// detached from the run context so an aborted run still leaves a record.
	journalTimeout = 10 * time.Second
)

type Store interface {
	ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error)
	AppendTriggerRun(ctx context.Context, triggerID string, runCtx map[string]any, at time.Time) error
	LatestHealth(ctx context.Context) (*model.HealthSnapshot, error)
	RecordHealth(ctx context.Context, snap *model.HealthSnapshot) error
}

type Executor interface {
	Execute(ctx context.Context, c *model.Campaign) (*campaign.Outcome, error)
}

type Monitor interface {
	Evaluate(ctx context.Context, current model.HealthSnapshot, previous *model.HealthSnapshot) health.Report
}

// Locker guards against overlapping runs. Acquire reports false when
// another run holds the lock.
type Locker interface {
	Acquire(ctx context.Context) (release func(), acquired bool, err error)
}

type CampaignResult struct {
	CampaignID string               `json:"campaignId"`
	Name       string               `json:"name"`
	Success    bool                 `json:"success"`
	Skipped    bool                 `json:"skipped,omitempty"`
	Status     model.CampaignStatus `json:"status,omitempty"`
	Sent       int                  `json:"sent"`
	Failed     int                  `json:"failed"`
	Error      string               `json:"error,omitempty"`
}

type TriggerResult struct {
	Trigger   string `json:"trigger"`
	Success   bool   `json:"success"`
	Processed int    `json:"processed"`
	Sent      int    `json:"sent"`
	Skipped   int    `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// Summary is the outcome of one run.
type Summary struct {
	Skipped            bool             `json:"skipped,omitempty"`
	CampaignsFound     int              `json:"campaignsFound"`
	CampaignsProcessed int              `json:"campaignsProcessed"`
	Campaigns          []CampaignResult `json:"campaigns"`
	TriggersProcessed  int              `json:"triggersProcessed"`
	TriggersTotal      int              `json:"triggersTotal"`
	Triggers           []TriggerResult  `json:"triggers"`
	PlanActivation     *TriggerResult   `json:"planActivation,omitempty"`
	Success            bool             `json:"success"`
	Errors             []string         `json:"errors,omitempty"`
	Health             *health.Report   `json:"health,omitempty"`
	StartedAt          time.Time        `json:"startedAt"`
	DurationMs         int64            `json:"durationMs"`
}

func (s *Summary) Snapshot() model.HealthSnapshot {
	return model.HealthSnapshot{
		CampaignsFound:     s.CampaignsFound,
		CampaignsProcessed: s.CampaignsProcessed,
		TriggersProcessed:  s.TriggersProcessed,
		TriggersTotal:      s.TriggersTotal,
		Success:            s.Success,
		Timestamp:          s.StartedAt,
	}
}

type Config struct {
	DefaultBatchSize int
	Locker           Locker
}

type Orchestrator struct {
	store    Store
	executor Executor
	triggers []trigger.Job
	plans    trigger.Job
	monitor  Monitor
	locker   Locker
	batch    int
	logger   *zap.Logger
	now      func() time.Time
}

// New builds an orchestrator. Triggers run in the given order; plans may be
// nil.
func New(store Store, executor Executor, triggers []trigger.Job, plans trigger.Job, monitor Monitor, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.DefaultBatchSize <= 0 || cfg.DefaultBatchSize > MaxBatchSize {
		cfg.DefaultBatchSize = DefaultBatchSize
	}
	return &Orchestrator{
		store:    store,
		executor: executor,
		triggers: triggers,
		plans:    plans,
		monitor:  monitor,
		locker:   cfg.Locker,
		batch:    cfg.DefaultBatchSize,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes one cycle. limit caps the number of due campaigns picked up;
// zero selects the default. Run never returns an error: every failure is
// recorded in the summary.
func (o *Orchestrator) Run(ctx context.Context, limit int) *Summary {
	started := o.now()
	summary := &Summary{
		Campaigns: []CampaignResult{},
		Triggers:  []TriggerResult{},
		Success:   true,
		StartedAt: started,
	}

	if o.locker != nil {
		release, acquired, err := o.locker.Acquire(ctx)
		switch {
		case err != nil:
			o.logger.Warn("run lock unavailable, continuing without it", zap.Error(err))
		case !acquired:
			o.logger.Info("another orchestrator run is in progress, skipping")
			summary.Skipped = true
			return summary
		default:
			defer release()
		}
	}

	previous, err := o.store.LatestHealth(ctx)
	if err != nil {
		o.logger.Warn("failed to load previous health snapshot", zap.Error(err))
		previous = nil
	}

	o.runCampaigns(ctx, clampBatch(limit, o.batch), summary)
	o.runTriggers(ctx, summary)
	o.runPlanActivation(ctx, summary)

	summary.DurationMs = o.now().Sub(started).Milliseconds()

	jctx, cancel := journalContext(ctx)
	defer cancel()

	snap := summary.Snapshot()
	if err := o.store.RecordHealth(jctx, &snap); err != nil {
		o.logger.Error("failed to record health snapshot", zap.Error(err))
	}
	if o.monitor != nil {
		// Alert sinks carry their own timeouts.
		report := o.monitor.Evaluate(context.WithoutCancel(ctx), snap, previous)
		summary.Health = &report
	}

	metrics.RecordOrchestratorRun(summary.Success)
	o.logger.Info("orchestrator run complete",
		zap.Int("campaigns_found", summary.CampaignsFound),
		zap.Int("campaigns_processed", summary.CampaignsProcessed),
		zap.Int("triggers_processed", summary.TriggersProcessed),
		zap.Int("triggers_total", summary.TriggersTotal),
		zap.Bool("success", summary.Success),
		zap.Int64("duration_ms", summary.DurationMs),
	)
	return summary
}

func journalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
}

func clampBatch(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxBatchSize {
		return MaxBatchSize
	}
	return limit
}

func (o *Orchestrator) runCampaigns(ctx context.Context, limit int, summary *Summary) {
	due, err := o.store.ListDueCampaigns(ctx, o.now(), limit)
	if err != nil {
		o.logger.Error("failed to list due campaigns", zap.Error(err))
		summary.Success = false
		summary.Errors = append(summary.Errors, fmt.Sprintf("list due campaigns: %v", err))
		return
	}
	summary.CampaignsFound = len(due)

	for i := range due {
		res := o.runCampaign(ctx, &due[i])
		if res.Success {
			summary.CampaignsProcessed++
		} else {
			summary.Success = false
		}
		summary.Campaigns = append(summary.Campaigns, res)
	}
}

// runCampaign executes c, converting panics into a failed result so the
// loop continues with the next campaign.
func (o *Orchestrator) runCampaign(ctx context.Context, c *model.Campaign) (res CampaignResult) {
	res = CampaignResult{CampaignID: c.ID.String(), Name: c.Name}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("campaign execution panicked",
				zap.String("campaign_id", c.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	out, err := o.executor.Execute(ctx, c)
	if out != nil {
		res.Skipped = out.Skipped
		res.Status = out.Status
		res.Sent = out.Sent
		res.Failed = out.Failed
		res.Error = out.Error
	}
	if err != nil {
		o.logger.Error("campaign execution failed", zap.String("campaign_id", c.ID.String()), zap.Error(err))
		res.Error = err.Error()
		return res
	}
	res.Success = res.Status != model.CampaignFailed
	return res
}

func (o *Orchestrator) runTriggers(ctx context.Context, summary *Summary) {
	summary.TriggersTotal = len(o.triggers)
	for _, job := range o.triggers {
		tr := o.runJob(ctx, job)
		if tr.Success {
			summary.TriggersProcessed++
		} else {
			summary.Success = false
		}
		summary.Triggers = append(summary.Triggers, tr)
	}
}

func (o *Orchestrator) runPlanActivation(ctx context.Context, summary *Summary) {
	if o.plans == nil {
		return
	}
	tr := o.runJob(ctx, o.plans)
	if !tr.Success {
		summary.Success = false
	}
	summary.PlanActivation = &tr
}

// runJob runs one job in isolation and journals the outcome.
func (o *Orchestrator) runJob(ctx context.Context, job trigger.Job) TriggerResult {
	res := func() (r trigger.Result) {
		defer func() {
			if p := recover(); p != nil {
				o.logger.Error("trigger panicked",
					zap.String("trigger", job.Name()),
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()),
				)
				r = trigger.Result{Trigger: job.Name(), Err: fmt.Errorf("panic: %v", p)}
			}
		}()
		return job.Run(ctx, o.now())
	}()

	result := "ok"
	if !res.Ok() {
		result = "error"
		o.logger.Error("trigger failed", zap.String("trigger", job.Name()), zap.Error(res.Err))
	}
	metrics.RecordTriggerRun(job.Name(), result)

	jctx, cancel := journalContext(ctx)
	defer cancel()
	if err := o.store.AppendTriggerRun(jctx, job.Name(), res.Context(), o.now()); err != nil {
		o.logger.Warn("failed to journal trigger run", zap.String("trigger", job.Name()), zap.Error(err))
	}

	tr := TriggerResult{
		Trigger:   job.Name(),
		Success:   res.Ok(),
		Processed: res.Processed,
		Sent:      res.Sent,
		Skipped:   res.Skipped,
	}
	if res.Err != nil {
		tr.Error = res.Err.Error()
	}
	return tr
}
