// Package dispatch sends rendered notifications to individual device tokens
// and records one delivery-log row per attempt.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/push"
)

// LogIDKey is the payload key carrying the delivery-log id back to clients
// so engagement callbacks can reference the right row.
const LogIDKey = "logId"

// recordTimeout bounds the writes that follow a provider call. They run
// detached from the caller: once a push has gone out its outcome must be
// recorded even if the batch was cancelled meanwhile.
const recordTimeout = 5 * time.Second

// ErrSendTimeout is returned when the provider does not answer in time.
var ErrSendTimeout = errors.New("push send timed out")

// Store is the persistence the dispatcher writes to.
type Store interface {
	CreateDeliveryLog(ctx context.Context, log *model.DeliveryLog) error
	// MarkDeliveryFailed only changes a row still in sent status.
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, message string, at time.Time) error
	TouchToken(ctx context.Context, token string, at time.Time) error
	DeactivateToken(ctx context.Context, token string, at time.Time) error
}

// Request is one notification for one token.
type Request struct {
	Token      string
	UserID     *uuid.UUID
	CampaignID *uuid.UUID
	Category   model.Category
	Title      string
	Body       string
	ImageURL   *string
	Data       map[string]any
	SentBy     string
	Target     string
}

// Result is the outcome for one token. Err is nil on success.
type Result struct {
	Token       string
	UserID      *uuid.UUID
	LogID       uuid.UUID
	Success     bool
	Deactivated bool
	Err         error
}

// Config bounds provider calls.
type Config struct {
	SendTimeout time.Duration
	Concurrency int
}

// Dispatcher delivers notifications through a push provider.
type Dispatcher struct {
	store    Store
	provider push.Provider
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Dispatcher. Zero config values get defaults of a 10s send
// timeout and 10 concurrent sends.
func New(store Store, provider push.Provider, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Dispatcher{store: store, provider: provider, cfg: cfg, logger: logger, now: time.Now}
}

// Send delivers req and never returns an error: every failure is reported
// through the Result.
func (d *Dispatcher) Send(ctx context.Context, req Request) Result {
	res := Result{Token: req.Token, UserID: req.UserID}
	now := d.now()

	entry := &model.DeliveryLog{
		ID:         uuid.New(),
		UserID:     req.UserID,
		Token:      req.Token,
		Category:   req.Category,
		Title:      req.Title,
		Body:       req.Body,
		Data:       req.Data,
		Target:     req.Target,
		Status:     model.DeliverySent,
		SentBy:     req.SentBy,
		CampaignID: req.CampaignID,
		SentAt:     &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.store.CreateDeliveryLog(ctx, entry); err != nil {
		d.logger.Error("failed to create delivery log, skipping send",
			zap.String("token_preview", push.TokenPreview(req.Token)),
			zap.Error(err),
		)
		metrics.RecordPushSend(string(req.Category), "log_failed")
		res.Err = fmt.Errorf("create delivery log: %w", err)
		return res
	}
	res.LogID = entry.ID

	msg := &push.Message{
		Token: req.Token,
		Title: req.Title,
		Body:  req.Body,
		Data:  StringifyData(req.Data, entry.ID),
	}
	if req.ImageURL != nil {
		msg.ImageURL = *req.ImageURL
	}

	start := time.Now()
	_, err := d.sendWithTimeout(ctx, msg)
	metrics.RecordPushLatency(d.provider.Name(), time.Since(start))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err == nil {
		res.Success = true
		metrics.RecordPushSend(string(req.Category), "sent")
		if terr := d.store.TouchToken(ctx, req.Token, d.now()); terr != nil {
			d.logger.Warn("failed to touch token",
				zap.String("token_preview", push.TokenPreview(req.Token)),
				zap.Error(terr),
			)
		}
		return res
	}

	res.Err = err
	metrics.RecordPushSend(string(req.Category), "failed")
	failedAt := d.now()
	if merr := d.store.MarkDeliveryFailed(ctx, entry.ID, err.Error(), failedAt); merr != nil {
		d.logger.Error("failed to mark delivery failed",
			zap.String("log_id", entry.ID.String()),
			zap.Error(merr),
		)
	}

	if push.IsPermanent(err) {
		if derr := d.store.DeactivateToken(ctx, req.Token, failedAt); derr != nil {
			d.logger.Error("failed to deactivate token",
				zap.String("token_preview", push.TokenPreview(req.Token)),
				zap.Error(derr),
			)
		} else {
			res.Deactivated = true
			metrics.RecordTokenDeactivated()
		}
	}

	d.logger.Warn("push send failed",
		zap.String("log_id", entry.ID.String()),
		zap.String("token_preview", push.TokenPreview(req.Token)),
		zap.Bool("permanent", push.IsPermanent(err)),
		zap.Error(err),
	)
	return res
}

// sendWithTimeout bounds the provider call even if the provider ignores
// context cancellation.
func (d *Dispatcher) sendWithTimeout(ctx context.Context, msg *push.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	type outcome struct {
		id  string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		id, err := d.provider.Send(ctx, msg)
		done <- outcome{id, err}
	}()

	select {
	case o := <-done:
		return o.id, o.err
	case <-ctx.Done():
		return "", push.Transient(d.provider.Name(), fmt.Errorf("%w: %v", ErrSendTimeout, ctx.Err()))
	}
}

// StringifyData converts a structured payload to the provider's
// string-to-string form and adds the log id under LogIDKey. Strings pass
// through, nil becomes "", and everything else is JSON-encoded.
func StringifyData(data map[string]any, logID uuid.UUID) map[string]string {
	out := make(map[string]string, len(data)+1)
	for k, v := range data {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	out[LogIDKey] = logID.String()
	return out
}

// Summary aggregates a fan-out.
type Summary struct {
	Attempted   int
	Succeeded   int
	Failed      int
	Deactivated int
	Results     []Result
}

// FanOut sends every request with bounded concurrency. Individual failures
// never stop the batch. Results keep the order of reqs.
func (d *Dispatcher) FanOut(ctx context.Context, reqs []Request) Summary {
	results := make([]Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			results[i] = d.Send(ctx, reqs[i])
			return nil
		})
	}
	_ = g.Wait()

	s := Summary{Attempted: len(reqs), Results: results}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		if r.Deactivated {
			s.Deactivated++
		}
	}
	return s
}
