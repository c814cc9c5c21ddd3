package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"online-test-service/internal/domain"
	"online-test-service/internal/infra/memory"
)

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}

func sampleTest() *domain.TestDefinition {
	return &domain.TestDefinition{
		ID:      "test-1",
		OwnerID: "owner-1",
		Sections: []domain.Section{
			{
				ID: "s1",
				Tasks: []domain.Task{
					{
						ID: "t1",
						Questions: []domain.Question{
							{ID: "q1", QuestionText: "What is the capital of France?", Answers: []string{"Paris"}},
						},
					},
				},
			},
		},
	}
}

type countingLoader struct {
	memory.TestLoader
	calls int
}

func (l *countingLoader) LoadTest(ctx context.Context, testID string) (*domain.TestDefinition, error) {
	l.calls++
	return l.TestLoader.LoadTest(ctx, testID)
}

func TestTestRepositoryCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	loader := &countingLoader{
		TestLoader: memory.NewStaticTestLoader(map[string]*domain.TestDefinition{
			"test-1": sampleTest(),
		}),
	}
	repo := NewTestRepository(newClient(mr), loader, time.Minute)

	got, err := repo.GetTest(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("get test: %v", err)
	}
	if got.Sections[0].Tasks[0].Questions[0].Answers[0] != "Paris" {
		t.Fatal("answer key must survive the cache round trip")
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls)
	}

	// Second call should hit cache, loader not incremented.
	if _, err := repo.GetTest(context.Background(), "test-1"); err != nil {
		t.Fatalf("get test: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls)
	}
}

func TestTestRepositoryReloadsAfterExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	loader := &countingLoader{
		TestLoader: memory.NewStaticTestLoader(map[string]*domain.TestDefinition{
			"test-1": sampleTest(),
		}),
	}
	repo := NewTestRepository(newClient(mr), loader, time.Minute)

	if _, err := repo.GetTest(context.Background(), "test-1"); err != nil {
		t.Fatalf("get test: %v", err)
	}
	// Jitter caps the TTL at 110% of the base.
	mr.FastForward(2 * time.Minute)

	if _, err := repo.GetTest(context.Background(), "test-1"); err != nil {
		t.Fatalf("get test: %v", err)
	}
	if loader.calls != 2 {
		t.Fatalf("expected reload after expiry, loader calls=%d", loader.calls)
	}
}

func TestTestRepositoryUnknownTest(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	repo := NewTestRepository(newClient(mr), memory.NewStaticTestLoader(nil), time.Minute)
	if _, err := repo.GetTest(context.Background(), "missing"); err != domain.ErrTestNotFound {
		t.Fatalf("expected test not found, got %v", err)
	}
}
