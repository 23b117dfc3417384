package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is the protection lifecycle of a managed position. The set
// is closed: every switch over it lists all five values.
type PositionState uint8

const (
	StateNaked     PositionState = iota + 1 // open, no valid stop on the exchange
	StateProtected                          // valid stop confirmed
	StateChaos                              // conflicting stop/close orders detected
	StateDuplicate                          // another local record tracks the same exchange position
	StateClosed                             // terminal
)

// AllPositionStates lists every state, in lifecycle order.
var AllPositionStates = []PositionState{StateNaked, StateProtected, StateChaos, StateDuplicate, StateClosed}

func (s PositionState) String() string {
	switch s {
	case StateNaked:
		return "NAKED"
	case StateProtected:
		return "PROTECTED"
	case StateChaos:
		return "CHAOS"
	case StateDuplicate:
		return "DUPLICATE"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("PositionState(%d)", uint8(s))
}

// ParsePositionState is the inverse of String.
func ParsePositionState(v string) (PositionState, error) {
	for _, s := range AllPositionStates {
		if s.String() == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("domain: unknown position state %q", v)
}

// Terminal reports whether no transition can leave s.
func (s PositionState) Terminal() bool {
	return s == StateClosed
}

// CanTransition reports whether the state machine allows s -> to.
func (s PositionState) CanTransition(to PositionState) bool {
	switch s {
	case StateNaked:
		return to == StateProtected || to == StateChaos || to == StateDuplicate || to == StateClosed
	case StateProtected:
		return to == StateNaked || to == StateChaos || to == StateDuplicate || to == StateClosed
	case StateChaos:
		return to == StateProtected || to == StateNaked || to == StateDuplicate || to == StateClosed
	case StateDuplicate:
		return to == StateClosed
	case StateClosed:
		return false
	}
	return false
}

// PositionSource records how a position came to be tracked.
type PositionSource string

const (
	SourceSignal PositionSource = "signal"
	SourceImport PositionSource = "reconcile_import"
)

// ManagedPosition is the local record of one open (or archived) position.
type ManagedPosition struct {
	ID                string
	Symbol            string
	Side              Side
	Quantity          decimal.Decimal
	EntryPrice        decimal.Decimal
	StopOrderID       string // empty when no stop is attached
	TakeProfitOrderID string // empty when no take-profit is attached
	State             PositionState
	Source            PositionSource
	OpenedAt          time.Time
	LastActivityAt    time.Time
	LastReconciledAt  time.Time
	NakedSince        time.Time // zero unless State == StateNaked
	LastRemediationAt time.Time
	ClosedAt          time.Time
}

// IsOpen reports whether the position still needs protection.
func (p ManagedPosition) IsOpen() bool {
	return !p.State.Terminal()
}

// HasStop reports whether a stop order id is attached.
func (p ManagedPosition) HasStop() bool {
	return p.StopOrderID != ""
}

// NakedFor returns how long the position has been without a stop.
func (p ManagedPosition) NakedFor(now time.Time) time.Duration {
	if p.State != StateNaked || p.NakedSince.IsZero() {
		return 0
	}
	return now.Sub(p.NakedSince)
}

// StopPrice computes the protective stop level pct away from entry, on the
// losing side of the position.
func (p ManagedPosition) StopPrice(pct decimal.Decimal) decimal.Decimal {
	offset := p.EntryPrice.Mul(pct)
	if p.Side == SideLong {
		return p.EntryPrice.Sub(offset)
	}
	return p.EntryPrice.Add(offset)
}

// TakeProfitPrice computes the take-profit level pct away from entry, on the
// winning side of the position.
func (p ManagedPosition) TakeProfitPrice(pct decimal.Decimal) decimal.Decimal {
	offset := p.EntryPrice.Mul(pct)
	if p.Side == SideLong {
		return p.EntryPrice.Add(offset)
	}
	return p.EntryPrice.Sub(offset)
}

// Transition is one recorded state change of a position.
type Transition struct {
	PositionID string
	Symbol     string
	From       PositionState
	To         PositionState
	Cause      string
	At         time.Time
}
