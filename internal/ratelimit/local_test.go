package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLocalLimiterAllow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := NewLocalLimiter(rdb, 2)
	now := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)

	allowed, used, resetAt, err := rl.Allow(context.Background(), "vicuna-13b", "1.2.3.4", now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}
	if want := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC); !resetAt.Equal(want) {
		t.Fatalf("expected window reset at %v, got %v", want, resetAt)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "vicuna-13b", "1.2.3.4", now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "vicuna-13b", "1.2.3.4", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
}

func TestLocalLimiterKeysAreScoped(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := NewLocalLimiter(rdb, 1)
	now := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)

	if allowed, _, _, _ := rl.Allow(context.Background(), "vicuna-13b", "1.2.3.4", now); !allowed {
		t.Fatalf("first user should be allowed")
	}
	if allowed, _, _, _ := rl.Allow(context.Background(), "vicuna-13b", "1.2.3.4", now); allowed {
		t.Fatalf("first user should be exhausted")
	}
	// A different user and a different model each get their own window.
	if allowed, _, _, _ := rl.Allow(context.Background(), "vicuna-13b", "5.6.7.8", now); !allowed {
		t.Fatalf("second user must not share the counter")
	}
	if allowed, _, _, _ := rl.Allow(context.Background(), "llama-3-70b", "1.2.3.4", now); !allowed {
		t.Fatalf("second model must not share the counter")
	}
}
