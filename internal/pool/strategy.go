package pool

import (
	"fmt"
	"time"

	"github.com/gravitygw/gravity-gateway/internal/config"
)

// SelectionResult is the outcome of one selection attempt. A nil Account
// with WaitMs > 0 means "pause and retry the same selection", not "no
// accounts exist".
type SelectionResult struct {
	Account *Account
	Index   int
	WaitMs  int64
}

// SelectOptions carries the caller's selection context.
type SelectOptions struct {
	// CurrentIndex is the previously selected index, for affinity.
	CurrentIndex int

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

func (o SelectOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Strategy chooses an account for a model. Adaptive strategies use the
// notification hooks to maintain health state; stateless ones no-op them.
type Strategy interface {
	Name() string
	SelectAccount(accounts []*Account, modelID string, opts SelectOptions) SelectionResult
	OnSuccess(account *Account, modelID string)
	OnRateLimit(account *Account, modelID string)
	OnFailure(account *Account, modelID string)
}

// NewStrategy builds a strategy by configured name. The set is closed:
// sticky, round_robin, hybrid.
func NewStrategy(cfg config.AccountsConfig) (Strategy, error) {
	switch cfg.Strategy {
	case "sticky":
		return &StickyStrategy{TolerableWait: cfg.TolerableWait}, nil
	case "round_robin":
		return &RoundRobinStrategy{}, nil
	case "hybrid":
		return NewHybridStrategy(cfg.HealthFloor, cfg.HealthDecayWindow), nil
	default:
		return nil, fmt.Errorf("pool: unknown strategy %q", cfg.Strategy)
	}
}

// scanForward walks the account list circularly starting just after
// startIdx and returns the first usable account. Strict circular order;
// first usable wins.
func scanForward(accounts []*Account, modelID string, startIdx int, now time.Time) (int, *Account) {
	n := len(accounts)
	for off := 1; off <= n; off++ {
		idx := (startIdx + off) % n
		if accounts[idx].Usable(modelID, now) {
			return idx, accounts[idx]
		}
	}
	return -1, nil
}
