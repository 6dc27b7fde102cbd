package leaderboard

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/feltledger/submission-gateway/pkgs/ledger"
)

// PlayerView is a single-address lookup result
type PlayerView struct {
	Address      string       `json:"address"`
	Scope        ledger.Scope `json:"scope"`
	Score        uint64       `json:"score"`
	Transactions uint64       `json:"transactions"`
	Rank         int          `json:"rank,omitempty"`
	Known        bool         `json:"known"`
	Source       string       `json:"source"`
}

// Lookup reads one address's totals live from the ledger. When the ledger is
// unreachable, competition-scope lookups fall back to local totals.
func (a *Aggregator) Lookup(ctx context.Context, scope ledger.Scope, addr common.Address) (*PlayerView, error) {
	if scope != ledger.ScopeCompetition && scope != ledger.ScopeGlobal {
		return nil, ErrUnknownScope
	}

	view := &PlayerView{
		Address: addr.Hex(),
		Scope:   scope,
		Known:   a.state.IsKnown(addr),
		Source:  "ledger",
		Rank:    a.cachedRank(scope, addr),
	}

	score, scoreErr := a.reader.ReadMetric(ctx, scope, ledger.MetricScore, addr)
	txs, txErr := a.reader.ReadMetric(ctx, scope, ledger.MetricTransactions, addr)
	if scoreErr == nil && txErr == nil {
		view.Score = score
		view.Transactions = txs
		return view, nil
	}

	readErr := scoreErr
	if readErr == nil {
		readErr = txErr
	}

	if scope == ledger.ScopeCompetition {
		if local, ok := a.state.TotalsOf(addr); ok {
			view.Score = local.Score
			view.Transactions = local.Transactions
			view.Source = "local"
			return view, nil
		}
	}
	return nil, fmt.Errorf("failed to read totals for %s: %w", addr.Hex(), readErr)
}

func (a *Aggregator) cachedRank(scope ledger.Scope, addr common.Address) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, ok := a.cache[scope]
	if !ok {
		return 0
	}
	hex := addr.Hex()
	for _, e := range entry.entries {
		if strings.EqualFold(e.Address, hex) {
			return e.Rank
		}
	}
	return 0
}
