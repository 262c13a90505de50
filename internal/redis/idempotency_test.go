package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "campaigns", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "campaigns", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "campaigns", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReserveThenStore(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "campaigns", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Store(ctx, "campaigns", "key-1", &IdempotencyResult{ResourceID: "c-789", StatusCode: 201}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "campaigns", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.ResourceID != "c-789" || cached.StatusCode != 201 {
		t.Errorf("cached = %+v", cached)
	}

	if ttl := mr.TTL("idempotency:campaigns:key-1"); ttl != IdempotencyTTL {
		t.Errorf("ttl = %v, want %v", ttl, IdempotencyTTL)
	}
}

func TestIdempotencyService_ReleaseAllowsRetry(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	svc.CheckOrReserve(ctx, "campaigns", "key-1")
	if err := svc.Release(ctx, "campaigns", "key-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "campaigns", "key-1"); err != nil {
		t.Fatalf("retry after release should reserve again: %v", err)
	}
}

func TestIdempotencyService_ReservationExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	svc.CheckOrReserve(ctx, "campaigns", "key-1")
	mr.FastForward(processingTTL + time.Second)

	if _, err := svc.CheckOrReserve(ctx, "campaigns", "key-1"); err != nil {
		t.Fatalf("expired reservation should be reusable: %v", err)
	}
}
