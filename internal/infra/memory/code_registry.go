package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"online-test-service/internal/domain"
)

// CodeRegistry is an in-memory implementation of app.JoinCodeRegistry.
type CodeRegistry struct {
	ttl   time.Duration
	clock func() time.Time
	rnd   *rand.Rand

	mu      sync.Mutex
	byCode map[int]domain.JoinCode
	byTest map[string]int
}

func NewCodeRegistry(ttl time.Duration) *CodeRegistry {
	return &CodeRegistry{
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		byCode: make(map[int]domain.JoinCode),
		byTest: make(map[string]int),
	}
}

// NewCodeRegistryWithClock is test-only for deterministic expiry.
func NewCodeRegistryWithClock(ttl time.Duration, clock func() time.Time) *CodeRegistry {
	registry := NewCodeRegistry(ttl)
	registry.clock = clock
	return registry
}

// Issue returns the live code for the test unchanged, or purges an expired
// one and mints a fresh 6-digit code.
func (r *CodeRegistry) Issue(_ context.Context, testID string) (domain.JoinCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	if code, ok := r.byTest[testID]; ok {
		existing := r.byCode[code]
		if !existing.Expired(now) {
			return existing, nil
		}
		delete(r.byCode, code)
		delete(r.byTest, testID)
	}

	for {
		code := 100000 + r.rnd.Intn(900000)
		if _, taken := r.byCode[code]; taken {
			continue
		}
		joinCode := domain.JoinCode{
			ID:        uuid.NewString(),
			Code:      code,
			TestID:    testID,
			ExpiresAt: now.Add(r.ttl),
		}
		r.byCode[code] = joinCode
		r.byTest[testID] = code
		return joinCode, nil
	}
}

// Resolve looks a code up without destroying it; expiry is enforced on the
// issue path only.
func (r *CodeRegistry) Resolve(_ context.Context, code int) (domain.JoinCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	joinCode, ok := r.byCode[code]
	if !ok || joinCode.Expired(r.clock()) {
		return domain.JoinCode{}, domain.ErrInvalidCode
	}
	return joinCode, nil
}
