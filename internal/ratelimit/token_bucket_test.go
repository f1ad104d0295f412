package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestBucketExhausts(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBucket(t, 3, 0)

	for i := 0; i < 3; i++ {
		allowed, _, err := b.Allow(ctx, "rl:u1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected request %d within capacity", i)
		}
	}

	allowed, tokens, err := b.Allow(ctx, "rl:u1")
	if err != nil {
		t.Fatalf("allow over capacity: %v", err)
	}
	if allowed {
		t.Fatalf("expected rejection past capacity, tokens=%f", tokens)
	}
}

func TestBucketRefills(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBucket(t, 1, 2) // 2 tokens per second

	allowed, _, err := b.Allow(ctx, "rl:u1")
	if err != nil || !allowed {
		t.Fatalf("first request: allowed=%v err=%v", allowed, err)
	}
	allowed, _, err = b.Allow(ctx, "rl:u1")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if allowed {
		t.Fatalf("expected empty bucket")
	}

	// The script reads wall-clock time, so advancing miniredis alone is
	// not enough; wait long enough for at least one token.
	mr.FastForward(time.Second)
	time.Sleep(600 * time.Millisecond)

	allowed, _, err = b.Allow(ctx, "rl:u1")
	if err != nil {
		t.Fatalf("after refill: %v", err)
	}
	if !allowed {
		t.Fatalf("expected token after refill window")
	}
}

func TestBucketsAreIndependentPerKey(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBucket(t, 1, 0)

	allowed, _, err := b.Allow(ctx, "rl:u1")
	if err != nil || !allowed {
		t.Fatalf("u1 first request: allowed=%v err=%v", allowed, err)
	}
	allowed, _, err = b.Allow(ctx, "rl:u1")
	if err != nil {
		t.Fatalf("u1 second request: %v", err)
	}
	if allowed {
		t.Fatalf("expected u1 exhausted")
	}

	allowed, _, err = b.Allow(ctx, "rl:u2")
	if err != nil || !allowed {
		t.Fatalf("u2 should have its own bucket: allowed=%v err=%v", allowed, err)
	}
}
