// Package campaign manages broadcast campaigns: validated CRUD and the
// execution of a due campaign against its audience.
package campaign

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/model"
)

// Store is the campaign persistence port. UpdateCampaign, CancelCampaign
// and ClaimCampaign are conditional writes that report false when the row
// was not in an eligible status.
type Store interface {
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, status model.CampaignStatus, limit, offset int) ([]model.Campaign, int, error)
	UpdateCampaign(ctx context.Context, c *model.Campaign) (bool, error)
	CancelCampaign(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ClaimCampaign(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	CompleteCampaign(ctx context.Context, id uuid.UUID, status model.CampaignStatus, sent, failed int, errMsg *string, at time.Time) error
	ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error)
	ListDeliveryLogs(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]model.DeliveryLog, int, error)
}

// CreateInput is the body of a create request.
type CreateInput struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Category     model.Category `json:"category"`
	Title        string         `json:"title"`
	Body         string         `json:"body"`
	ImageURL     *string        `json:"imageUrl"`
	Data         map[string]any `json:"data"`
	Target       model.Target   `json:"target"`
	ScheduledFor *time.Time     `json:"scheduledFor"`
	CreatedBy    *string        `json:"createdBy"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name         *string               `json:"name"`
	Description  *string               `json:"description"`
	Category     *model.Category       `json:"category"`
	Title        *string               `json:"title"`
	Body         *string               `json:"body"`
	ImageURL     *string               `json:"imageUrl"`
	Data         map[string]any        `json:"data"`
	Target       *model.Target         `json:"target"`
	ScheduledFor *time.Time            `json:"scheduledFor"`
	Status       *model.CampaignStatus `json:"status"`
}

// ListResult is one page of campaigns.
type ListResult struct {
	Campaigns []model.Campaign `json:"campaigns"`
	Total     int              `json:"total"`
	Limit     int              `json:"limit"`
	Offset    int              `json:"offset"`
}

type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

func validateContent(name, title, body string, category model.Category) error {
	switch {
	case strings.TrimSpace(name) == "":
		return apperr.Validation("name is required")
	case strings.TrimSpace(title) == "":
		return apperr.Validation("title is required")
	case strings.TrimSpace(body) == "":
		return apperr.Validation("body is required")
	case !category.Valid():
		return apperr.Validation("invalid category %q", category)
	}
	return nil
}

// normalizeTarget defaults an empty type to segment and validates the rest.
func normalizeTarget(t model.Target) (model.Target, error) {
	switch t.Type {
	case "":
		t.Type = model.TargetSegment
	case model.TargetSegment:
	case model.TargetUsers:
		if len(t.UserIDs) == 0 {
			return t, apperr.Validation("target.userIds is required for users targets")
		}
	case model.TargetAll:
		t.Filter.PlanTiers = nil
		t.Filter.Countries = nil
	default:
		return t, apperr.Validation("invalid target type %q", t.Type)
	}
	if t.Type != model.TargetUsers {
		t.UserIDs = nil
	}
	return t, nil
}

func statusFor(scheduledFor *time.Time) model.CampaignStatus {
	if scheduledFor != nil {
		return model.CampaignScheduled
	}
	return model.CampaignDraft
}

// Create validates in and stores a draft, or a scheduled campaign when
// ScheduledFor is set.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Campaign, error) {
	if err := validateContent(in.Name, in.Title, in.Body, in.Category); err != nil {
		return nil, err
	}
	target, err := normalizeTarget(in.Target)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &model.Campaign{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(in.Name),
		Description:  in.Description,
		Category:     in.Category,
		Title:        in.Title,
		Body:         in.Body,
		ImageURL:     in.ImageURL,
		Data:         in.Data,
		Target:       target,
		ScheduledFor: in.ScheduledFor,
		Status:       statusFor(in.ScheduledFor),
		CreatedBy:    in.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("status", string(c.Status)),
		zap.String("target", c.Target.Type),
	)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	return s.store.GetCampaign(ctx, id)
}

// List returns one page, newest first. status may be empty.
func (s *Service) List(ctx context.Context, status model.CampaignStatus, limit, offset int) (*ListResult, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("invalid status %q", status)
	}
	items, total, err := s.store.ListCampaigns(ctx, status, limit, offset)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []model.Campaign{}
	}
	return &ListResult{Campaigns: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Update applies p to a draft or scheduled campaign. A patch whose only
// field is status=cancelled is treated as Cancel.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p Patch) (*model.Campaign, error) {
	if p.Status != nil {
		if *p.Status != model.CampaignCancelled || !p.onlyStatus() {
			return nil, apperr.Validation("status can only be changed to cancelled, on its own")
		}
		return s.Cancel(ctx, id)
	}

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.Editable() {
		return nil, apperr.Conflict("campaign is %s and can no longer be edited", c.Status)
	}

	if p.Name != nil {
		c.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Category != nil {
		c.Category = *p.Category
	}
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Body != nil {
		c.Body = *p.Body
	}
	if p.ImageURL != nil {
		c.ImageURL = p.ImageURL
	}
	if p.Data != nil {
		c.Data = p.Data
	}
	if p.Target != nil {
		c.Target = *p.Target
	}
	if p.ScheduledFor != nil {
		c.ScheduledFor = p.ScheduledFor
		c.Status = model.CampaignScheduled
	}

	if err := validateContent(c.Name, c.Title, c.Body, c.Category); err != nil {
		return nil, err
	}
	if c.Target, err = normalizeTarget(c.Target); err != nil {
		return nil, err
	}

	ok, err := s.store.UpdateCampaign(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("campaign changed state while being edited")
	}
	return c, nil
}

func (p Patch) onlyStatus() bool {
	return p.Name == nil && p.Description == nil && p.Category == nil && p.Title == nil &&
		p.Body == nil && p.ImageURL == nil && p.Data == nil && p.Target == nil && p.ScheduledFor == nil
}

// Cancel soft-cancels a draft or scheduled campaign. Cancelling an already
// cancelled campaign returns it unchanged; sending, sent and failed
// campaigns are a conflict.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	ok, err := s.store.CancelCampaign(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok && c.Status != model.CampaignCancelled {
		return nil, apperr.Conflict("campaign is %s and cannot be cancelled", c.Status)
	}
	if ok {
		s.logger.Info("campaign cancelled", zap.String("campaign_id", id.String()))
	}
	return c, nil
}

// Logs returns the delivery logs written for a campaign.
func (s *Service) Logs(ctx context.Context, id uuid.UUID, limit, offset int) ([]model.DeliveryLog, int, error) {
	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return nil, 0, err
	}
	logs, total, err := s.store.ListDeliveryLogs(ctx, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if logs == nil {
		logs = []model.DeliveryLog{}
	}
	return logs, total, nil
}
