package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/campaign"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/orchestrator"
	"github.com/lalithlochan/herald/internal/redis"
)

// CampaignService is the campaign CRUD surface.
type CampaignService interface {
	Create(ctx context.Context, in campaign.CreateInput) (*model.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	List(ctx context.Context, status model.CampaignStatus, limit, offset int) (*campaign.ListResult, error)
	Update(ctx context.Context, id uuid.UUID, p campaign.Patch) (*model.Campaign, error)
	Cancel(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	Logs(ctx context.Context, id uuid.UUID, limit, offset int) ([]model.DeliveryLog, int, error)
}

// Runner executes one orchestrator cycle.
type Runner interface {
	Run(ctx context.Context, limit int) *orchestrator.Summary
}

type EventRecorder interface {
	Record(ctx context.Context, logID, event string, metadata map[string]any) (*model.DeliveryLog, error)
}

type Notifier interface {
	SendToUser(ctx context.Context, userID uuid.UUID, content notify.Content, sentBy string) (*notify.Result, error)
}

type PreferenceStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetPreference(ctx context.Context, userID uuid.UUID) (*model.Preference, error)
	UpsertPreference(ctx context.Context, p *model.Preference) error
}

type TokenStore interface {
	UpsertToken(ctx context.Context, t *model.Token) error
	DeactivateToken(ctx context.Context, token string, at time.Time) error
}

type HealthStore interface {
	LatestHealth(ctx context.Context) (*model.HealthSnapshot, error)
}

// Pinger is a dependency checked by GET /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerReporter exposes circuit breaker state on GET /health.
type BreakerReporter interface {
	Stats() circuitbreaker.Stats
}

// Idempotency remembers the outcome of create requests by Idempotency-Key.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, scope, key string) error
}

// Limiter returns a RateLimit error when key is over its budget.
type Limiter interface {
	Check(ctx context.Context, scope, key string) error
}

// Deps wires the handler. Idempotency, Limiter and Notifier may be nil.
type Deps struct {
	Campaigns   CampaignService
	Runner      Runner
	Events      EventRecorder
	Notifier    Notifier
	Preferences PreferenceStore
	Tokens      TokenStore
	Health      HealthStore
	Pingers     map[string]Pinger
	Breakers    []BreakerReporter
	Idempotency Idempotency
	Limiter     Limiter
	CronSecret  string
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

// Routes mounts every endpoint on a new router. Cross-cutting middleware
// (request IDs, recovery, access logging) is added by the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.CreateCampaign)
		r.Get("/", h.ListCampaigns)
		r.With(BearerAuth(h.deps.CronSecret, h.logger)).Post("/run", h.RunCampaigns)
		r.Get("/{id}", h.GetCampaign)
		r.Put("/{id}", h.UpdateCampaign)
		r.Delete("/{id}", h.CancelCampaign)
		r.Get("/{id}/logs", h.ListCampaignLogs)
	})

	r.With(RateLimitMiddleware(h.deps.Limiter, "events", h.logger, IPKeyFunc)).Post("/events", h.RecordEvent)

	r.Get("/preferences", h.GetPreferences)
	r.Put("/preferences", h.UpdatePreferences)

	r.Post("/notifications/send", h.SendNotification)

	r.Post("/tokens", h.RegisterToken)
	r.Delete("/tokens/{token}", h.DeactivateToken)

	r.Get("/health", h.Health)
	r.Get("/health/runs", h.HealthRuns)
	r.Handle("/metrics", metrics.Handler())

	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// writeAppError maps err onto a problem+json response. Rate-limit errors
// carry a Retry-After header.
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := h.logAppError(r, kind, err)
	if kind == apperr.KindRateLimit {
		setRetryAfter(w, apperr.RetryAfter(err))
	}
	h.writeError(w, status, kind.String(), http.StatusText(status), apperr.Message(err))
}

// writeCRUDError is the campaign-endpoint form of writeAppError.
func (h *Handler) writeCRUDError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := h.logAppError(r, kind, err)
	if kind == apperr.KindRateLimit {
		setRetryAfter(w, apperr.RetryAfter(err))
	}
	h.writeJSON(w, status, map[string]any{
		"success": false,
		"message": apperr.Message(err),
	})
}

func (h *Handler) logAppError(r *http.Request, kind apperr.Kind, err error) int {
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
	} else {
		h.logger.Debug("request rejected",
			zap.String("path", r.URL.Path),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
	}
	return status
}

// decodeJSON decodes the request body into v, reporting malformed bodies
// as validation errors.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("malformed JSON body: %v", err)
	}
	return nil
}
