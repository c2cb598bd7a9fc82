package credits

import (
	"context"
	"sync"
)

// Source reports a user's current balance.
type Source interface {
	Credits(ctx context.Context, userID string) (int, error)
}

type State int

const (
	Loading State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "loading"
}

// Balance is a snapshot of what the UI knows about the balance. Credits is
// only meaningful when State is Ready.
type Balance struct {
	State   State
	Credits int
	Err     error
}

// Tracker keeps the balance of one user for a front end session. It starts
// in Loading and only leaves it through Refresh.
type Tracker struct {
	source Source
	userID string

	mu      sync.Mutex
	balance Balance
}

func NewTracker(source Source, userID string) *Tracker {
	return &Tracker{source: source, userID: userID}
}

func (t *Tracker) Current() Balance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance
}

// Refresh asks the source again. A failure keeps no stale number around.
func (t *Tracker) Refresh(ctx context.Context) Balance {
	t.mu.Lock()
	t.balance = Balance{State: Loading}
	t.mu.Unlock()

	credits, err := t.source.Credits(ctx, t.userID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.balance = Balance{State: Failed, Err: err}
	} else {
		t.balance = Balance{State: Ready, Credits: credits}
	}
	return t.balance
}

// OptimisticDeduct lowers the displayed balance before the server confirms
// the debit. The balance never goes below zero. It does nothing unless the
// balance is Ready.
func (t *Tracker) OptimisticDeduct(amount int) Balance {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balance.State == Ready {
		t.balance.Credits = max(t.balance.Credits-amount, 0)
	}
	return t.balance
}

// CanAfford is false while the balance is unknown.
func (t *Tracker) CanAfford(cost int) bool {
	b := t.Current()
	return b.State == Ready && b.Credits >= cost
}
