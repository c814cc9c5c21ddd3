package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"online-test-service/internal/domain"
)

// CodeRegistry stores join codes in Redis:
//
//	SET joincode:code:{code} {json} EX ttl   (primary record, NX for collision safety)
//	SET joincode:test:{testId} {code} EX ttl (reverse index for idempotent issue)
//
// Key TTLs make expiry purge automatic; the resolver never deletes.
type CodeRegistry struct {
	client *redis.Client
	ttl    time.Duration
	clock  func() time.Time
	rndMu  sync.Mutex
	rnd    *rand.Rand
}

func NewCodeRegistry(client *redis.Client, ttl time.Duration) *CodeRegistry {
	return &CodeRegistry{
		client: client,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *CodeRegistry) Issue(ctx context.Context, testID string) (domain.JoinCode, error) {
	existing, err := r.client.Get(ctx, r.testKey(testID)).Result()
	if err == nil {
		if code, convErr := strconv.Atoi(existing); convErr == nil {
			joinCode, resolveErr := r.Resolve(ctx, code)
			if resolveErr == nil {
				return joinCode, nil
			}
		}
	} else if !errors.Is(err, redis.Nil) {
		return domain.JoinCode{}, domain.TransientError("issue join code", err)
	}

	now := r.clock()
	for attempt := 0; attempt < 16; attempt++ {
		code := r.randomCode()
		joinCode := domain.JoinCode{
			ID:        uuid.NewString(),
			Code:      code,
			TestID:    testID,
			ExpiresAt: now.Add(r.ttl),
		}
		raw, err := json.Marshal(joinCode)
		if err != nil {
			return domain.JoinCode{}, domain.TransientError("issue join code", err)
		}
		ok, err := r.client.SetNX(ctx, r.codeKey(code), raw, r.ttl).Result()
		if err != nil {
			return domain.JoinCode{}, domain.TransientError("issue join code", err)
		}
		if !ok {
			continue // code collision, mint another
		}
		if err := r.client.Set(ctx, r.testKey(testID), strconv.Itoa(code), r.ttl).Err(); err != nil {
			return domain.JoinCode{}, domain.TransientError("issue join code", err)
		}
		return joinCode, nil
	}
	return domain.JoinCode{}, domain.TransientError("issue join code", errors.New("could not allocate a unique code"))
}

func (r *CodeRegistry) Resolve(ctx context.Context, code int) (domain.JoinCode, error) {
	raw, err := r.client.Get(ctx, r.codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.JoinCode{}, domain.ErrInvalidCode
	}
	if err != nil {
		return domain.JoinCode{}, domain.TransientError("resolve join code", err)
	}
	var joinCode domain.JoinCode
	if err := json.Unmarshal([]byte(raw), &joinCode); err != nil {
		return domain.JoinCode{}, domain.TransientError("resolve join code", err)
	}
	return joinCode, nil
}

func (r *CodeRegistry) randomCode() int {
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return 100000 + r.rnd.Intn(900000)
}

func (r *CodeRegistry) codeKey(code int) string {
	return "joincode:code:" + strconv.Itoa(code)
}

func (r *CodeRegistry) testKey(testID string) string {
	return "joincode:test:" + testID
}
