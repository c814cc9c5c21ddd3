package postgres

import (
	"context"

	"github.com/uptrace/bun"

	"online-test-service/internal/domain"
)

type userRow struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID    string `bun:"id,pk"`
	Email string `bun:"email"`
	Coins int    `bun:"coins"`
}

// CoinGate debits the session cost with a single conditional update, so a
// refused debit leaves the balance untouched.
type CoinGate struct {
	db *bun.DB
}

func NewCoinGate(db *bun.DB) *CoinGate {
	return &CoinGate{db: db}
}

func (g *CoinGate) CheckAndDebit(ctx context.Context, userID string, amount int) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	res, err := g.db.NewUpdate().Model((*userRow)(nil)).
		Set("coins = coins - ?", amount).
		Where("id = ? AND coins >= ?", userID, amount).
		Exec(ctx)
	if err != nil {
		return false, domain.TransientError("debit coins", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.TransientError("debit coins", err)
	}
	return affected == 1, nil
}
