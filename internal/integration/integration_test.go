package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"online-test-service/internal/app"
	"online-test-service/internal/auth"
	"online-test-service/internal/domain"
	pginfra "online-test-service/internal/infra/postgres"
	pgmigrations "online-test-service/internal/infra/postgres/migrations"
	redisinfra "online-test-service/internal/infra/redis"
	transport "online-test-service/internal/transport/http"
)

func TestSessionLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := openBun(t, pgURL)
	defer db.Close()
	migrateDB(t, ctx, db)
	seedTest(t, ctx, db, sampleTest())
	seedUser(t, ctx, db, "owner-1", 3)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}

	tests := redisinfra.NewTestRepository(redisClient, pginfra.NewTestLoader(pool), 5*time.Minute)
	store := pginfra.NewSessionStore(db, tests)
	verifier := auth.NewVerifier("integration-secret")
	service := app.NewSessionService(app.Deps{
		Store:       store,
		Codes:       redisinfra.NewCodeRegistry(redisClient, time.Hour),
		Tests:       tests,
		Verifier:    verifier,
		Coins:       pginfra.NewCoinGate(db),
		Activity:    pginfra.NewActivityLogger(db),
		Broadcaster: transport.NewHub(),
		SessionCost: 1,
	})

	ownerToken, err := verifier.Sign("owner-1", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	created, err := service.Create(ctx, "conn-owner", ownerToken, "test-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var coins int
	if err := db.QueryRowContext(ctx, `SELECT coins FROM users WHERE id = 'owner-1'`).Scan(&coins); err != nil {
		t.Fatalf("read coins: %v", err)
	}
	if coins != 2 {
		t.Fatalf("expected one coin debited, got %d", coins)
	}

	if _, err := service.Join(ctx, "conn-p1", "", created.JoinCode.Code); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := service.SubmitMetadata(ctx, "conn-p1", created.JoinCode.Code, "Ada", "Lovelace", "ada@example.com"); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if err := service.Start(ctx, "conn-owner", ownerToken, created.JoinCode.Code, 30); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := service.SubmitAnswer(ctx, "conn-p1", "test-1", "s1", "t1", "q1", "Paris"); err != nil {
		t.Fatalf("submit q1: %v", err)
	}
	scored, err := service.SubmitAnswer(ctx, "conn-p1", "test-1", "s1", "t1", "q2", "Madrid")
	if err != nil {
		t.Fatalf("submit q2: %v", err)
	}
	if scored.CorrectAnswersCount != 1 || scored.TotalQuestions != 2 || scored.Percentage != 50 {
		t.Fatalf("expected 1 of 2 correct, got %+v", scored)
	}

	finished, err := service.FinishAsParticipant(ctx, "conn-p1", created.SessionID)
	if err != nil {
		t.Fatalf("participant finish: %v", err)
	}
	if finished.Score.TotalScore != 1 || finished.Score.Percentage != 50 {
		t.Fatalf("unexpected score: %+v", finished.Score)
	}

	if err := service.Finish(ctx, ownerToken, created.SessionID); err != nil {
		t.Fatalf("finish: %v", err)
	}

	session, err := store.GetByID(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if session.FinishedAt == nil {
		t.Fatal("session must be terminal")
	}
	if len(session.Participants) != 1 || session.Participants[0].Status != domain.StatusCompleted {
		t.Fatalf("roster not finalized: %+v", session.Participants)
	}
	result := session.Results.Results["conn-p1"]
	if result == nil || result.TotalQuestions != 2 {
		t.Fatalf("ledger not persisted: %+v", session.Results)
	}

	// A terminal session no longer blocks a new one for the same test.
	if _, err := service.Create(ctx, "conn-owner", ownerToken, "test-1"); err != nil {
		t.Fatalf("create after finish: %v", err)
	}

	// Audit rows land asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	for {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT count(*) FROM activities WHERE user_id = 'owner-1'`).Scan(&count); err != nil {
			t.Fatalf("count activities: %v", err)
		}
		if count >= 3 { // created, started, finished at minimum
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected activity records, got %d", count)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestActiveSessionUniquePerTest(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()

	db := openBun(t, pgURL)
	defer db.Close()
	migrateDB(t, ctx, db)
	seedTest(t, ctx, db, sampleTest())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	tests := &directLoader{loader: pginfra.NewTestLoader(pool)}
	store := pginfra.NewSessionStore(db, tests)

	first, err := store.Create(ctx, "test-1", "jc-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The partial unique index is the last line of defense under races.
	if _, err := store.Create(ctx, "test-1", "jc-2"); !errors.Is(err, domain.ErrSessionExists) {
		t.Fatalf("expected duplicate guard, got %v", err)
	}

	if _, err := store.Finish(ctx, first.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := store.Create(ctx, "test-1", "jc-3"); err != nil {
		t.Fatalf("create after finish: %v", err)
	}
}

// directLoader adapts the postgres loader to the repository interface
// without a cache in front.
type directLoader struct {
	loader *pginfra.TestLoader
}

func (d *directLoader) GetTest(ctx context.Context, testID string) (*domain.TestDefinition, error) {
	return d.loader.LoadTest(ctx, testID)
}

func openBun(t *testing.T, dsn string) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

func migrateDB(t *testing.T, ctx context.Context, db *bun.DB) {
	t.Helper()
	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func seedTest(t *testing.T, ctx context.Context, db *bun.DB, test *domain.TestDefinition) {
	t.Helper()
	data, err := json.Marshal(test)
	if err != nil {
		t.Fatalf("marshal test: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO tests (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, test.ID, string(data)); err != nil {
		t.Fatalf("insert test: %v", err)
	}
}

func seedUser(t *testing.T, ctx context.Context, db *bun.DB, userID string, coins int) {
	t.Helper()
	if _, err := db.ExecContext(ctx, `INSERT INTO users (id, coins) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET coins=EXCLUDED.coins`, userID, coins); err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func sampleTest() *domain.TestDefinition {
	return &domain.TestDefinition{
		ID:      "test-1",
		Title:   "Capitals",
		OwnerID: "owner-1",
		Sections: []domain.Section{
			{
				ID: "s1",
				Tasks: []domain.Task{
					{
						ID: "t1",
						Questions: []domain.Question{
							{ID: "q1", QuestionText: "Capital of France?", Answers: []string{"Paris"}},
							{ID: "q2", QuestionText: "Capital of Italy?", Answers: []string{"Rome"}},
						},
					},
				},
			},
		},
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "tester", "POSTGRES_PASSWORD": "testpass", "POSTGRES_DB": "testdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://tester:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
