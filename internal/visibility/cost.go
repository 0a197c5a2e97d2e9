package visibility

import (
	"errors"
	"sync"
)

// ErrBudgetExceeded is returned by Reserve when the requested estimate
// would push spend past the configured ceiling.
var ErrBudgetExceeded = errors.New("budget exceeded")

type CostState struct {
	SpentUSD     float64 `json:"spent_usd"`
	LimitUSD     float64 `json:"limit_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
	OverLimit    bool    `json:"over_limit"`
}

// CostTracker is a session-scoped spending ledger with a hard ceiling.
// Reservations are an atomic check-and-add: spend is incremented
// optimistically on reserve and corrected on commit once the true cost
// is known. Two concurrent reservations can never both pass a check
// that only one could satisfy.
type CostTracker struct {
	mu    sync.Mutex
	spent float64
	limit float64
}

func NewCostTracker(limitUSD float64) *CostTracker {
	return &CostTracker{limit: limitUSD}
}

// Reserve checks and claims estimateUSD in one step. On rejection spend
// is left untouched.
func (t *CostTracker) Reserve(estimateUSD float64) (*Reservation, error) {
	if estimateUSD < 0 {
		estimateUSD = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spent+estimateUSD > t.limit {
		return nil, ErrBudgetExceeded
	}
	t.spent += estimateUSD
	return &Reservation{tracker: t, estimate: estimateUSD}, nil
}

// Snapshot returns a read-only view of the ledger.
func (t *CostTracker) Snapshot() CostState {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.limit - t.spent
	if remaining < 0 {
		remaining = 0
	}
	return CostState{
		SpentUSD:     t.spent,
		LimitUSD:     t.limit,
		RemainingUSD: remaining,
		OverLimit:    t.spent >= t.limit,
	}
}

// Reservation is one in-flight claim on the budget. Exactly one of
// Commit or Release settles it; later calls are no-ops.
type Reservation struct {
	tracker  *CostTracker
	estimate float64
	settled  bool
	mu       sync.Mutex
}

// Commit replaces the reserved estimate with the actual cost.
func (r *Reservation) Commit(actualUSD float64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	if actualUSD < 0 {
		actualUSD = 0
	}
	r.tracker.mu.Lock()
	r.tracker.spent += actualUSD - r.estimate
	if r.tracker.spent < 0 {
		r.tracker.spent = 0
	}
	r.tracker.mu.Unlock()
}

// Release abandons the reservation, refunding the estimate.
func (r *Reservation) Release() {
	r.Commit(0)
}
