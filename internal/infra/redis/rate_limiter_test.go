package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	limiter := NewRateLimiter(newClient(mr), 3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "c1")
		if err != nil {
			t.Fatalf("allow failed: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d within limit must pass", i)
		}
	}
	if allowed, _ := limiter.Allow(ctx, "c1"); allowed {
		t.Fatal("request over the limit must be denied")
	}
	if allowed, _ := limiter.Allow(ctx, "c2"); !allowed {
		t.Fatal("keys must be limited independently")
	}

	mr.FastForward(2 * time.Second)
	if allowed, _ := limiter.Allow(ctx, "c1"); !allowed {
		t.Fatal("expired window must reset the count")
	}
}
