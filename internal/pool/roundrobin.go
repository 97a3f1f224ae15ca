package pool

// RoundRobinStrategy advances the cursor on every selection, spreading
// load evenly across usable accounts. The cursor itself lives in the
// caller's persisted state (SelectOptions.CurrentIndex).
type RoundRobinStrategy struct{}

func (r *RoundRobinStrategy) Name() string { return "round_robin" }

func (r *RoundRobinStrategy) SelectAccount(accounts []*Account, modelID string, opts SelectOptions) SelectionResult {
	now := opts.now()
	n := len(accounts)
	if n == 0 {
		return SelectionResult{Index: -1}
	}

	cur := opts.CurrentIndex
	if cur < 0 || cur >= n {
		cur = n - 1 // so the scan starts at index 0
	}

	if idx, acct := scanForward(accounts, modelID, cur, now); acct != nil {
		return SelectionResult{Account: acct, Index: idx}
	}

	if ClearExpiredLimits(accounts, now) > 0 {
		if idx, acct := scanForward(accounts, modelID, cur, now); acct != nil {
			return SelectionResult{Account: acct, Index: idx}
		}
	}

	return SelectionResult{Index: cur, WaitMs: MinWaitTimeMs(accounts, modelID, now)}
}

func (r *RoundRobinStrategy) OnSuccess(*Account, string)   {}
func (r *RoundRobinStrategy) OnRateLimit(*Account, string) {}
func (r *RoundRobinStrategy) OnFailure(*Account, string)   {}
