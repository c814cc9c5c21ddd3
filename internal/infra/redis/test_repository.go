package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"online-test-service/internal/domain"
)

// TestLoader fetches test content from a backing store.
type TestLoader interface {
	LoadTest(ctx context.Context, testID string) (*domain.TestDefinition, error)
}

// TestRepository caches full test definitions in Redis as JSON strings
// (key test:{testID}:content) and falls back to a loader on cache miss.
type TestRepository struct {
	client *redis.Client
	loader TestLoader
	ttl    time.Duration
	sf     singleflight.Group
	rndMu  sync.Mutex
	rnd    *rand.Rand
}

func NewTestRepository(client *redis.Client, loader TestLoader, ttl time.Duration) *TestRepository {
	return &TestRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *TestRepository) GetTest(ctx context.Context, testID string) (*domain.TestDefinition, error) {
	key := r.contentKey(testID)

	if test, ok := r.fromCache(ctx, key); ok {
		return test, nil
	}

	result, err, _ := r.sf.Do(testID, func() (interface{}, error) {
		// Re-check in case another goroutine filled the cache.
		if test, ok := r.fromCache(ctx, key); ok {
			return test, nil
		}

		test, err := r.loader.LoadTest(ctx, testID)
		if err != nil {
			return nil, err
		}

		if raw, err := json.Marshal(test); err == nil {
			// Cache fill is best effort; scoring still works off the loader.
			_ = r.client.Set(ctx, key, raw, r.ttlWithJitter()).Err()
		}
		return test, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.TestDefinition), nil
}

func (r *TestRepository) fromCache(ctx context.Context, key string) (*domain.TestDefinition, bool) {
	raw, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) || err != nil {
		return nil, false
	}
	var test domain.TestDefinition
	if err := json.Unmarshal([]byte(raw), &test); err != nil {
		return nil, false
	}
	return &test, true
}

func (r *TestRepository) contentKey(testID string) string {
	return "test:" + testID + ":content"
}

func (r *TestRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
