package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
)

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"host and port", "", "", "5.6.7.8:1234", "ip:5.6.7.8"},
		{"bare host from RealIP", "", "", "5.6.7.8", "ip:5.6.7.8"},
		{"ipv6", "", "", "[2001:db8::1]:443", "ip:2001:db8::1"},
		{"forwarded header ignored", "1.2.3.4", "", "5.6.7.8:1234", "ip:5.6.7.8"},
		{"real ip header ignored", "", "1.2.3.4", "5.6.7.8:1234", "ip:5.6.7.8"},
		{"no address", "", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			if result := IPKeyFunc(req); result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestIPKeyFunc_BehindRealIP(t *testing.T) {
	var key string
	h := middleware.RealIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = IPKeyFunc(r)
	}))

	req := httptest.NewRequest(http.MethodPost, "/events", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if key != "ip:1.2.3.4" {
		t.Errorf("expected the address resolved by RealIP, got %q", key)
	}
}

func TestTimeoutExcept(t *testing.T) {
	deadlines := map[string]bool{}
	h := TimeoutExcept(time.Minute, RunPath)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Context().Deadline()
		deadlines[r.URL.Path] = ok
	}))

	for _, path := range []string{"/campaigns", RunPath} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	if !deadlines["/campaigns"] {
		t.Error("regular routes should carry the request timeout")
	}
	if deadlines[RunPath] {
		t.Error("the run route should not carry the request timeout")
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 20},
		{"abc", 20},
		{"5", 5},
		{" 7 ", 7},
		{"0", 1},
		{"-3", 1},
		{"1000", 100},
	}
	for _, tt := range tests {
		if got := ClampInt(tt.raw, 1, 100, 20); got != tt.want {
			t.Errorf("ClampInt(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

// stubLimiter returns a fixed error from Check.
type stubLimiter struct {
	err   error
	calls int
}

func (s *stubLimiter) Check(context.Context, string, string) error {
	s.calls++
	return s.err
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name           string
		limiter        Limiter
		expectedStatus int
		retryAfter     string
	}{
		{"nil limiter", nil, http.StatusNoContent, ""},
		{"allowed", &stubLimiter{}, http.StatusNoContent, ""},
		{"limited", &stubLimiter{err: apperr.RateLimited(1500 * time.Millisecond)}, http.StatusTooManyRequests, "2"},
		{"limiter down fails open", &stubLimiter{err: errors.New("connection refused")}, http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RateLimitMiddleware(tt.limiter, "events", zap.NewNop(), IPKeyFunc)(ok)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", nil))

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
		})
	}
}

func TestBearerAuth_EmptySecretSkipsCheck(t *testing.T) {
	called := false
	h := BearerAuth("", zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/campaigns/run", nil))
	if !called {
		t.Error("expected handler to run without a configured secret")
	}
}
