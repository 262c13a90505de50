// Package push contains the outbound push-notification providers.
package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is one rendered notification addressed to one device token.
type Message struct {
	Token    string
	Title    string
	Body     string
	ImageURL string
	Data     map[string]string
}

// Provider delivers a message to a push service and returns the provider's
// message id.
type Provider interface {
	Send(ctx context.Context, msg *Message) (string, error)
	Name() string
}

// SendError is a typed provider failure. Permanent is set when the provider
// reported the token as no longer addressable.
type SendError struct {
	Provider  string
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s %s failure: %v", e.Provider, kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Permanent wraps err as a token-invalid failure.
func Permanent(provider string, err error) error {
	return &SendError{Provider: provider, Permanent: true, Err: err}
}

// Transient wraps err as a recoverable failure.
func Transient(provider string, err error) error {
	return &SendError{Provider: provider, Err: err}
}

// IsPermanent reports whether err says the token should be deactivated.
// Untyped errors are transient.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// TokenPreview shortens a token for logs.
func TokenPreview(token string) string {
	if len(token) > 20 {
		return token[:20] + "..."
	}
	return token
}

// LogProvider is a provider that only logs (for development)
type LogProvider struct {
	logger *zap.Logger
}

func NewLogProvider(logger *zap.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Send(ctx context.Context, msg *Message) (string, error) {
	id := uuid.NewString()
	p.logger.Info("push sent",
		zap.String("provider", p.Name()),
		zap.String("token_preview", TokenPreview(msg.Token)),
		zap.String("title", msg.Title),
		zap.Any("data", msg.Data),
		zap.String("message_id", id),
	)
	return id, nil
}
