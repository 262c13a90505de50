package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/segment"
)

// finishTimeout bounds the final status write, which runs detached from the
// caller so a cancelled run cannot leave a campaign in sending.
const finishTimeout = 10 * time.Second

// Resolver produces recipients for a campaign target.
type Resolver interface {
	Resolve(ctx context.Context, filter model.SegmentFilter, category model.Category) (*segment.Result, error)
	ResolveUsers(ctx context.Context, userIDs []uuid.UUID, filter model.SegmentFilter, category model.Category) (*segment.Result, error)
}

// Sender fans a batch of requests out to the push provider.
type Sender interface {
	FanOut(ctx context.Context, reqs []dispatch.Request) dispatch.Summary
}

// Outcome describes one execution.
type Outcome struct {
	CampaignID uuid.UUID            `json:"campaignId"`
	Skipped    bool                 `json:"skipped,omitempty"`
	Status     model.CampaignStatus `json:"status,omitempty"`
	Recipients int                  `json:"recipients"`
	Sent       int                  `json:"sent"`
	Failed     int                  `json:"failed"`
	Error      string               `json:"error,omitempty"`
}

// Executor runs due campaigns.
type Executor struct {
	store    Store
	resolver Resolver
	sender   Sender
	logger   *zap.Logger
	now      func() time.Time
}

func NewExecutor(store Store, resolver Resolver, sender Sender, logger *zap.Logger) *Executor {
	return &Executor{store: store, resolver: resolver, sender: sender, logger: logger, now: time.Now}
}

// Execute claims c (scheduled to sending), resolves its audience, fans out,
// and records the final status. A campaign that another run already
// claimed is reported as skipped. The returned error is non-nil only when
// the campaign could not be sent at all.
func (e *Executor) Execute(ctx context.Context, c *model.Campaign) (*Outcome, error) {
	out := &Outcome{CampaignID: c.ID}
	log := e.logger.With(zap.String("campaign_id", c.ID.String()))

	claimed, err := e.store.ClaimCampaign(ctx, c.ID, e.now())
	if err != nil {
		metrics.RecordCampaignRun("error")
		return out, fmt.Errorf("claim campaign: %w", err)
	}
	if !claimed {
		log.Info("campaign already claimed, skipping")
		metrics.RecordCampaignRun("skipped")
		out.Skipped = true
		return out, nil
	}

	res, err := e.resolve(ctx, c)
	if err != nil {
		msg := fmt.Sprintf("resolve audience: %v", err)
		out.Status = model.CampaignFailed
		out.Error = msg
		if cerr := e.complete(ctx, c.ID, model.CampaignFailed, 0, 0, &msg); cerr != nil {
			log.Error("failed to mark campaign failed", zap.Error(cerr))
		}
		metrics.RecordCampaignRun("failed")
		return out, fmt.Errorf("resolve audience: %w", err)
	}

	reqs := e.requests(c, res.Recipients)
	summary := e.sender.FanOut(ctx, reqs)
	out.Recipients = len(reqs)
	out.Sent = summary.Succeeded
	out.Failed = summary.Failed

	status := model.CampaignSent
	var errMsg *string
	if summary.Attempted > 0 && summary.Succeeded == 0 {
		status = model.CampaignFailed
		msg := fmt.Sprintf("all %d sends failed", summary.Attempted)
		errMsg = &msg
		out.Error = msg
	}
	out.Status = status

	if err := e.complete(ctx, c.ID, status, summary.Succeeded, summary.Failed, errMsg); err != nil {
		metrics.RecordCampaignRun("error")
		return out, fmt.Errorf("complete campaign: %w", err)
	}

	metrics.RecordCampaignRun(string(status))
	log.Info("campaign executed",
		zap.String("status", string(status)),
		zap.Int("users_matched", res.UsersMatched),
		zap.Int("quiet_hours_excluded", res.QuietHoursExcluded),
		zap.Int("recipients", out.Recipients),
		zap.Int("sent", out.Sent),
		zap.Int("failed", out.Failed),
		zap.Int("deactivated", summary.Deactivated),
	)
	return out, nil
}

// complete records the final status on a context that survives
// cancellation of ctx.
func (e *Executor) complete(ctx context.Context, id uuid.UUID, status model.CampaignStatus, sent, failed int, errMsg *string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	return e.store.CompleteCampaign(ctx, id, status, sent, failed, errMsg, e.now())
}

func (e *Executor) resolve(ctx context.Context, c *model.Campaign) (*segment.Result, error) {
	switch c.Target.Type {
	case model.TargetUsers:
		filter := c.Target.Filter
		filter.RespectOptOut = true
		return e.resolver.ResolveUsers(ctx, c.Target.UserIDs, filter, c.Category)
	case model.TargetAll:
		return e.resolver.Resolve(ctx, model.SegmentFilter{RespectOptOut: true}, c.Category)
	default:
		return e.resolver.Resolve(ctx, c.Target.Filter, c.Category)
	}
}

func (e *Executor) requests(c *model.Campaign, recipients []segment.Recipient) []dispatch.Request {
	target := c.Target.Type
	if b, err := json.Marshal(c.Target); err == nil {
		target = string(b)
	}

	data := make(map[string]any, len(c.Data)+1)
	for k, v := range c.Data {
		data[k] = v
	}
	data["campaignId"] = c.ID.String()

	id := c.ID
	reqs := make([]dispatch.Request, len(recipients))
	for i, r := range recipients {
		reqs[i] = dispatch.Request{
			Token:      r.Token,
			UserID:     r.UserID,
			CampaignID: &id,
			Category:   c.Category,
			Title:      c.Title,
			Body:       c.Body,
			ImageURL:   c.ImageURL,
			Data:       data,
			SentBy:     "campaign",
			Target:     target,
		}
	}
	return reqs
}
