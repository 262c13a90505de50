// Package notify sends a notification to every active device of one user.
package notify

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/segment"
)

type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
}

type Resolver interface {
	ResolveUsers(ctx context.Context, userIDs []uuid.UUID, filter model.SegmentFilter, category model.Category) (*segment.Result, error)
}

type Sender interface {
	FanOut(ctx context.Context, reqs []dispatch.Request) dispatch.Summary
}

// Content is a rendered notification.
type Content struct {
	Category model.Category `json:"category"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	ImageURL *string        `json:"imageUrl,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Result summarizes a direct send.
type Result struct {
	UserID      uuid.UUID   `json:"userId"`
	Tokens      int         `json:"tokens"`
	Sent        int         `json:"sent"`
	Failed      int         `json:"failed"`
	Deactivated int         `json:"deactivated"`
	LogIDs      []uuid.UUID `json:"logIds"`
}

type Service struct {
	users    UserStore
	resolver Resolver
	sender   Sender
	logger   *zap.Logger
}

func NewService(users UserStore, resolver Resolver, sender Sender, logger *zap.Logger) *Service {
	return &Service{users: users, resolver: resolver, sender: sender, logger: logger}
}

// SendToUser delivers content to all of the user's active tokens. It
// returns NotFound for unknown users and Conflict when the user's
// preferences exclude the category. Transaction and payment content only
// requires the master push toggle.
func (s *Service) SendToUser(ctx context.Context, userID uuid.UUID, content Content, sentBy string) (*Result, error) {
	if !content.Category.Valid() {
		return nil, apperr.Validation("invalid category %q", content.Category)
	}
	if strings.TrimSpace(content.Title) == "" || strings.TrimSpace(content.Body) == "" {
		return nil, apperr.Validation("title and body are required")
	}

	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	filter := model.SegmentFilter{RespectOptOut: true}
	if content.Category == model.CategoryTransaction || content.Category == model.CategoryPayment {
		no := false
		filter.TransactionOptIn = &no
	}

	res, err := s.resolver.ResolveUsers(ctx, []uuid.UUID{userID}, filter, content.Category)
	if err != nil {
		return nil, err
	}
	if res.UsersMatched == 0 && res.QuietHoursExcluded == 0 {
		return nil, apperr.Conflict("user has opted out of %s notifications", content.Category)
	}

	reqs := make([]dispatch.Request, len(res.Recipients))
	for i, r := range res.Recipients {
		reqs[i] = dispatch.Request{
			Token:    r.Token,
			UserID:   r.UserID,
			Category: content.Category,
			Title:    content.Title,
			Body:     content.Body,
			ImageURL: content.ImageURL,
			Data:     content.Data,
			SentBy:   sentBy,
			Target:   "user:" + userID.String(),
		}
	}
	summary := s.sender.FanOut(ctx, reqs)

	out := &Result{
		UserID:      userID,
		Tokens:      len(reqs),
		Sent:        summary.Succeeded,
		Failed:      summary.Failed,
		Deactivated: summary.Deactivated,
		LogIDs:      make([]uuid.UUID, 0, len(summary.Results)),
	}
	for _, r := range summary.Results {
		if r.LogID != uuid.Nil {
			out.LogIDs = append(out.LogIDs, r.LogID)
		}
	}

	s.logger.Info("direct notification sent",
		zap.String("user_id", userID.String()),
		zap.String("category", string(content.Category)),
		zap.String("sent_by", sentBy),
		zap.Int("tokens", out.Tokens),
		zap.Int("sent", out.Sent),
	)
	return out, nil
}
