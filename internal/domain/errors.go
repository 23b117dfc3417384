package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateIntent     = errors.New("duplicate intent")
	ErrGuardRejected       = errors.New("guard rejected signal")
	ErrExchangeTransient   = errors.New("exchange transient error")
	ErrExchangeFatal       = errors.New("exchange fatal error")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrReconciliationDrift = errors.New("reconciliation drift")
	ErrKillSwitchActive    = errors.New("kill switch active")
	ErrAckRequired         = errors.New("kill switch reset requires an acknowledgment")
	ErrInvalidTransition   = errors.New("invalid position transition")
	ErrNotFound            = errors.New("not found")
)

// GuardLayer names one stage of the duplicate guard.
type GuardLayer string

const (
	LayerIntentHash   GuardLayer = "intent_hash"
	LayerSymbolLock   GuardLayer = "symbol_lock"
	LayerPyramiding   GuardLayer = "pyramiding"
	LayerExchangeLive GuardLayer = "exchange_live"
	LayerPendingCache GuardLayer = "pending_cache"
)

// GuardLayers lists the stages in evaluation order.
var GuardLayers = []GuardLayer{LayerIntentHash, LayerSymbolLock, LayerPyramiding, LayerExchangeLive, LayerPendingCache}

// Rejection reasons reported by the guard.
const (
	ReasonKillSwitchActive    = "kill_switch_active"
	ReasonDuplicateIntent     = "duplicate_intent"
	ReasonSymbolLockTimeout   = "symbol_lock_timeout"
	ReasonPyramidingBlocked   = "pyramiding_blocked"
	ReasonOppositePosition    = "opposite_position_open"
	ReasonExchangePosition    = "exchange_position_exists"
	ReasonExchangeOrder       = "exchange_order_pending"
	ReasonNothingToReduce     = "nothing_to_reduce"
	ReasonExchangeCheckFailed = "exchange_check_failed"
	ReasonPendingOrderRecent  = "pending_order_recent"
	ReasonLookupFailed        = "lookup_failed"
)

// GuardRejection is returned when a signal fails one of the guard layers.
type GuardRejection struct {
	Layer  GuardLayer
	Reason string
}

func (e *GuardRejection) Error() string {
	return fmt.Sprintf("guard %s: %s", e.Layer, e.Reason)
}

// Unwrap lets callers match both the generic rejection and the specific
// cause with errors.Is.
func (e *GuardRejection) Unwrap() []error {
	errs := []error{ErrGuardRejected}
	switch e.Reason {
	case ReasonDuplicateIntent:
		errs = append(errs, ErrDuplicateIntent)
	case ReasonKillSwitchActive:
		errs = append(errs, ErrKillSwitchActive)
	}
	return errs
}

// ExchangeErrorKind classifies a failed exchange call.
type ExchangeErrorKind string

const (
	ExchangeTransient ExchangeErrorKind = "transient"
	ExchangeFatal     ExchangeErrorKind = "fatal"
	ExchangeNotFound  ExchangeErrorKind = "not_found"
)

// ExchangeError wraps a failed exchange call with its classification.
type ExchangeError struct {
	Op     string
	Kind   ExchangeErrorKind
	Status int // HTTP status when known
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("exchange %s (%s, status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("exchange %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() []error {
	var kind error
	switch e.Kind {
	case ExchangeTransient:
		kind = ErrExchangeTransient
	case ExchangeNotFound:
		kind = ErrOrderNotFound
	default:
		kind = ErrExchangeFatal
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}

// NewTransient, NewFatal and NewNotFound build classified exchange errors.
func NewTransient(op string, status int, err error) error {
	return &ExchangeError{Op: op, Kind: ExchangeTransient, Status: status, Err: err}
}

func NewFatal(op string, status int, err error) error {
	return &ExchangeError{Op: op, Kind: ExchangeFatal, Status: status, Err: err}
}

func NewNotFound(op string, err error) error {
	return &ExchangeError{Op: op, Kind: ExchangeNotFound, Err: err}
}

// IsRetryable reports whether a failed exchange call may be retried.
// Unclassified errors are treated as fatal.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExchangeTransient)
}

// InvariantViolation reports a position left without a stop for too long.
type InvariantViolation struct {
	PositionID string
	Symbol     string
	NakedFor   time.Duration
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("position %s (%s) naked for %s", e.PositionID, e.Symbol, e.NakedFor.Round(time.Second))
}

func (e *InvariantViolation) Unwrap() error { return ErrInvariantViolation }

// DriftError reports one disagreement found by reconciliation.
type DriftError struct {
	Kind   DriftKind
	Symbol string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("%s drift on %s", e.Kind, e.Symbol)
}

func (e *DriftError) Unwrap() error { return ErrReconciliationDrift }
