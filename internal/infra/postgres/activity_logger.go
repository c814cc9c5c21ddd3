package postgres

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type activityRow struct {
	bun.BaseModel `bun:"table:activities,alias:a"`

	ID        string    `bun:"id,pk"`
	UserID    string    `bun:"user_id"`
	Action    string    `bun:"action"`
	Details   string    `bun:"details"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// ActivityLogger writes audit records asynchronously. The session flow never
// waits on it and a failed insert only produces a log line.
type ActivityLogger struct {
	db *bun.DB
}

func NewActivityLogger(db *bun.DB) *ActivityLogger {
	return &ActivityLogger{db: db}
}

func (l *ActivityLogger) LogActivity(userID, action, details string) {
	row := &activityRow{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		Details:   details,
		CreatedAt: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.db.NewInsert().Model(row).Exec(ctx); err != nil {
			log.Printf("activity insert failed: user=%s action=%s: %v", userID, action, err)
		}
	}()
}
