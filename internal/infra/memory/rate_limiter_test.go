package memory

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 4, 18, 10, 0, 0, 0, time.UTC)
	current := base
	limiter := NewRateLimiterWithClock(3, time.Second, func() time.Time { return current })

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

	// Another key has its own window.
	if allowed, _ := limiter.Allow(ctx, "c2"); !allowed {
		t.Fatal("keys must be limited independently")
	}

	current = base.Add(time.Second)
	if allowed, _ := limiter.Allow(ctx, "c1"); !allowed {
		t.Fatal("a new window must reset the count")
	}
}

func TestRateLimiterForget(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(1, time.Hour)

	if allowed, _ := limiter.Allow(ctx, "c1"); !allowed {
		t.Fatal("first request must pass")
	}
	if allowed, _ := limiter.Allow(ctx, "c1"); allowed {
		t.Fatal("second request must be denied")
	}

	limiter.Forget("c1")
	if allowed, _ := limiter.Allow(ctx, "c1"); !allowed {
		t.Fatal("forgotten key starts a fresh window")
	}
}
