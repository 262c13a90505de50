package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/push"
)

// ProtectedProvider wraps a push provider with a CircuitBreaker. While the
// breaker is open, sends fail immediately with a transient error.
type ProtectedProvider struct {
	provider push.Provider
	breaker  *CircuitBreaker
	logger   *zap.Logger
}

func NewProtectedProvider(provider push.Provider, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{provider: provider, breaker: breaker, logger: logger}
}

func (p *ProtectedProvider) Name() string { return p.provider.Name() }

// Send forwards msg when the breaker allows it. A permanent token rejection
// proves the provider is reachable, so it counts as a success for the
// breaker while still being returned to the caller.
func (p *ProtectedProvider) Send(ctx context.Context, msg *push.Message) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push",
			zap.String("breaker", p.breaker.Name()),
			zap.String("token_preview", push.TokenPreview(msg.Token)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", push.Transient(p.provider.Name(),
			fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.Name()))
	}

	id, err := p.provider.Send(ctx, msg)
	switch {
	case err == nil, push.IsPermanent(err):
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
	}
	return id, err
}

func (p *ProtectedProvider) Stats() Stats { return p.breaker.Stats() }
