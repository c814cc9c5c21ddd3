package cli

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"online-test-service/internal/app"
	"online-test-service/internal/auth"
	"online-test-service/internal/config"
	"online-test-service/internal/domain"
	"online-test-service/internal/infra/memory"
	pginfra "online-test-service/internal/infra/postgres"
	redisinfra "online-test-service/internal/infra/redis"
	transport "online-test-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the session coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	var bunDB *bun.DB
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		bunDB = bun.NewDB(sqldb, pgdialect.New())
		defer bunDB.Close()
	}

	cacheTTL := config.TTLDuration(cfg.Test.CacheTTL, 10*time.Minute)
	var loader memory.TestLoader = memory.NewStaticTestLoader(sampleTests())
	if pool != nil {
		loader = pginfra.NewTestLoader(pool)
	}
	var tests app.TestRepository
	if redisClient != nil {
		tests = redisinfra.NewTestRepository(redisClient, loader, cacheTTL)
	} else {
		tests = memory.NewTestRepository(loader, cacheTTL)
	}

	codeTTL := config.TTLDuration(cfg.JoinCode.TTL, 24*time.Hour)
	var codes app.JoinCodeRegistry
	if redisClient != nil {
		codes = redisinfra.NewCodeRegistry(redisClient, codeTTL)
	} else {
		codes = memory.NewCodeRegistry(codeTTL)
	}

	var store app.SessionStore
	var coins app.CoinGate
	var activity app.ActivityLogger
	if bunDB != nil {
		store = pginfra.NewSessionStore(bunDB, tests)
		coins = pginfra.NewCoinGate(bunDB)
		activity = pginfra.NewActivityLogger(bunDB)
	} else {
		store = memory.NewSessionStore(tests)
		coins = memory.NewCoinGate(nil)
		activity = memory.NewActivityLogger()
	}

	secret := cfg.Auth.Secret
	if secret == "" {
		log.Printf("auth secret not configured, using development default")
		secret = "dev-secret"
	}

	limit := cfg.Session.RateLimit.Limit
	if limit == 0 {
		limit = 30
	}
	window := config.TTLDuration(cfg.Session.RateLimit.Window, 10*time.Second)
	var limiter transport.RateLimiter
	if redisClient != nil {
		limiter = redisinfra.NewRateLimiter(redisClient, limit, window)
	} else {
		limiter = memory.NewRateLimiter(limit, window)
	}

	hub := transport.NewHub()
	service := app.NewSessionService(app.Deps{
		Store:       store,
		Codes:       codes,
		Tests:       tests,
		Verifier:    auth.NewVerifier(secret),
		Coins:       coins,
		Activity:    activity,
		Broadcaster: hub,
		SessionCost: cfg.Session.Cost,
	})
	wsHandler := transport.NewWSHandler(service, hub, limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting online-test service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleTests provides minimal demo content for runs without Postgres; swap
// the loader for the database-backed one in production.
func sampleTests() map[string]*domain.TestDefinition {
	return map[string]*domain.TestDefinition{
		"test-1": {
			ID:      "test-1",
			Title:   "Geography warm-up",
			OwnerID: "owner-1",
			Sections: []domain.Section{
				{
					ID:    "s1",
					Title: "Capitals",
					Tasks: []domain.Task{
						{
							ID:    "t1",
							Title: "Europe",
							Questions: []domain.Question{
								{
									ID:           "q1",
									QuestionText: "What is the capital of France?",
									Answers:      []string{"Paris"},
								},
								{
									ID:                "q2",
									QuestionText:      "What is the capital of Italy?",
									AcceptableAnswers: []string{"Rome", "Roma"},
								},
							},
						},
					},
				},
			},
		},
	}
}
