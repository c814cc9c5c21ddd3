package memory

import (
	"context"
	"sync"
)

// CoinGate tracks balances in memory. Keys absent from the map are treated
// as unlimited, so demo setups without seeded users still work.
type CoinGate struct {
	mu       sync.Mutex
	balances map[string]int
}

func NewCoinGate(balances map[string]int) *CoinGate {
	if balances == nil {
		balances = make(map[string]int)
	}
	return &CoinGate{balances: balances}
}

func (g *CoinGate) CheckAndDebit(_ context.Context, userID string, amount int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	balance, tracked := g.balances[userID]
	if !tracked {
		return true, nil
	}
	if balance < amount {
		return false, nil
	}
	g.balances[userID] = balance - amount
	return true, nil
}

// Balance reports the tracked balance, for tests.
func (g *CoinGate) Balance(userID string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	balance, ok := g.balances[userID]
	return balance, ok
}
