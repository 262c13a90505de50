package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindOfWrapped(t *testing.T) {
	base := NotFound("campaign %s not found", "abc")
	wrapped := fmt.Errorf("get campaign: %w", base)

	if got := KindOf(wrapped); got != KindNotFound {
		t.Fatalf("KindOf = %s, want not_found", got)
	}
	if !Is(wrapped, KindNotFound) {
		t.Fatal("Is should see through fmt.Errorf wrapping")
	}
	if Is(nil, KindNotFound) {
		t.Fatal("nil error has no kind")
	}
}

func TestKindOfPlainErrorIsInfrastructure(t *testing.T) {
	if got := KindOf(errors.New("connection refused")); got != KindInfrastructure {
		t.Fatalf("KindOf = %s, want infrastructure_error", got)
	}
}

func TestMessageHidesInfrastructureCause(t *testing.T) {
	err := Infrastructure("query campaigns", errors.New("password authentication failed"))
	if got := Message(err); got != "internal server error" {
		t.Fatalf("Message = %q", got)
	}
	if got := Message(Conflict("campaign already sent")); got != "campaign already sent" {
		t.Fatalf("Message = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuthorization, http.StatusUnauthorized},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindRateLimit, http.StatusTooManyRequests},
		{KindInfrastructure, http.StatusInternalServerError},
		{KindMigrationRequired, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("events: %w", RateLimited(42*time.Second))
	if got := RetryAfter(err); got != 42*time.Second {
		t.Fatalf("RetryAfter = %v", got)
	}
}
