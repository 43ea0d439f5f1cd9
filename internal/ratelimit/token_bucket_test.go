package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	allowed, _, _ = bucket.Allow(ctx, "other-tenant")
	if !allowed {
		t.Fatalf("buckets must be per key")
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 1, 2)
	now := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return now }

	if ok, _, _ := bucket.Allow(ctx, "t"); !ok {
		t.Fatalf("expected first call allowed")
	}
	if ok, _, _ := bucket.Allow(ctx, "t"); ok {
		t.Fatalf("expected empty bucket")
	}
	now = now.Add(250 * time.Millisecond)
	if ok, tokens, _ := bucket.Allow(ctx, "t"); ok {
		t.Fatalf("half a token must not admit, tokens=%v", tokens)
	}
	now = now.Add(300 * time.Millisecond)
	ok, tokens, err := bucket.Allow(ctx, "t")
	if err != nil || !ok {
		t.Fatalf("expected refill to admit, err=%v", err)
	}
	if tokens < 0 || tokens >= 1 {
		t.Fatalf("tokens after refill = %v", tokens)
	}
	if ttl := mr.TTL("opqueue:ratelimit:t"); ttl <= 0 {
		t.Fatalf("expected key ttl, got %v", ttl)
	}
}
