package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/push"
)

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = c.now
	return cb, c
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "fcm", MaxFailures: 3, RecoveryTimeout: time.Second})
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", cb.GetState())
	}
	trip(cb, 1)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("open breaker should reject")
	}
}

func TestCircuitBreaker_ProbeLifecycle(t *testing.T) {
	cb, c := newTestBreaker(Config{Name: "fcm", MaxFailures: 2, RecoveryTimeout: 30 * time.Second})
	trip(cb, 2)

	c.advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("should still reject before recovery timeout")
	}

	c.advance(time.Second)
	if !cb.Allow() {
		t.Fatal("should allow a probe after recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("only one probe allowed in half-open")
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("failed probe should reopen, got %s", cb.GetState())
	}

	c.advance(30 * time.Second)
	cb.Allow()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("successful probe should close, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "sns", MaxFailures: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset the failure streak")
	}
}

func TestCircuitBreaker_ResetAndStats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stats", MaxFailures: 2, RecoveryTimeout: time.Minute})
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	cb.Allow() // rejected

	s := cb.Stats()
	if s.TotalRequests != 4 || s.TotalSuccesses != 1 || s.TotalFailures != 2 || s.TotalRejected != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.State != "open" || s.LastFailure == "" {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	cb := New(Config{Name: "x"}, zap.NewNop())
	if cb.config.MaxFailures != 5 || cb.config.RecoveryTimeout != 30*time.Second || cb.config.HalfOpenMaxRequests != 1 {
		t.Fatalf("defaults not applied: %+v", cb.config)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockProvider struct {
	err   error
	calls int
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Send(context.Context, *push.Message) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return "id", nil
}

func TestProtectedProvider_FailFastWhenOpen(t *testing.T) {
	mock := &mockProvider{err: push.Transient("mock", errors.New("503"))}
	cb, _ := newTestBreaker(Config{Name: "mock", MaxFailures: 2, RecoveryTimeout: time.Minute})
	pp := NewProtectedProvider(mock, cb, zap.NewNop())
	msg := &push.Message{Token: "tok"}

	pp.Send(context.Background(), msg)
	pp.Send(context.Background(), msg)
	mock.calls = 0

	_, err := pp.Send(context.Background(), msg)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if push.IsPermanent(err) {
		t.Fatal("open circuit must be a transient failure")
	}
	if mock.calls != 0 {
		t.Fatalf("provider called %d times while open", mock.calls)
	}
}

func TestProtectedProvider_PermanentTokenErrorDoesNotTrip(t *testing.T) {
	mock := &mockProvider{err: push.Permanent("mock", errors.New("unregistered"))}
	cb, _ := newTestBreaker(Config{Name: "mock", MaxFailures: 2})
	pp := NewProtectedProvider(mock, cb, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := pp.Send(context.Background(), &push.Message{Token: "tok"})
		if !push.IsPermanent(err) {
			t.Fatalf("permanent error should pass through, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("dead tokens should not open the breaker, got %s", cb.GetState())
	}
	if pp.Name() != "mock" || pp.Stats().TotalSuccesses != 5 {
		t.Fatalf("accessors should delegate: %+v", pp.Stats())
	}
}
