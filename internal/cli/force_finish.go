package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"online-test-service/internal/app"
	"online-test-service/internal/auth"
	"online-test-service/internal/config"
	"online-test-service/internal/infra/memory"
	pginfra "online-test-service/internal/infra/postgres"
	transport "online-test-service/internal/transport/http"
)

// NewForceFinishCmd terminates a stuck session from the command line. It
// finalizes the roster and results the same way the duration timer does.
func NewForceFinishCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "force-finish <session-id>",
		Short: "Force a session into its terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForceFinish(cmd.Context(), *configPath, args[0])
		},
	}
}

func runForceFinish(ctx context.Context, configPath, sessionID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	loader := memory.NewStaticTestLoader(nil)
	tests := memory.NewTestRepository(loader, time.Minute)
	store := pginfra.NewSessionStore(db, tests)

	service := app.NewSessionService(app.Deps{
		Store:       store,
		Codes:       memory.NewCodeRegistry(time.Minute),
		Tests:       tests,
		Verifier:    auth.NewVerifier(cfg.Auth.Secret),
		Coins:       memory.NewCoinGate(nil),
		Activity:    pginfra.NewActivityLogger(db),
		Broadcaster: transport.NewHub(),
	})

	if err := service.ForceFinish(ctx, sessionID); err != nil {
		return err
	}
	log.Printf("session %s finished", sessionID)
	return nil
}
