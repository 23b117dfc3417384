package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position or of the signal that opens it.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryOrderSide is the order side that opens (or adds to) a position of this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitOrderSide is the order side that reduces or protects a position of this side.
func (s Side) ExitOrderSide() OrderSide {
	return s.EntryOrderSide().Opposite()
}

// Signal is a ranked trading candidate produced by the upstream strategy.
// It is never mutated by this module.
type Signal struct {
	Symbol      string          `yaml:"symbol" json:"symbol"`
	Side        Side            `yaml:"side" json:"side"`
	Quantity    decimal.Decimal `yaml:"quantity" json:"quantity"`
	Strategy    string          `yaml:"strategy" json:"strategy"`
	GeneratedAt time.Time       `yaml:"generated_at" json:"generated_at"`
	Score       float64         `yaml:"score" json:"score"`
	// ReduceOnly marks a signal that closes or shrinks an existing position;
	// Side then names the position being reduced. Reduce-only signals stay
	// admissible while the kill switch is armed.
	ReduceOnly bool `yaml:"reduce_only" json:"reduce_only"`
}

// Validate checks the fields every order derived from s depends on.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("signal: empty symbol")
	}
	if !s.Side.Valid() {
		return fmt.Errorf("signal %s: invalid side %q", s.Symbol, s.Side)
	}
	if !s.Quantity.IsPositive() {
		return fmt.Errorf("signal %s: quantity must be positive, got %s", s.Symbol, s.Quantity)
	}
	if s.GeneratedAt.IsZero() {
		return fmt.Errorf("signal %s: missing generation time", s.Symbol)
	}
	return nil
}

// NormalizeSymbol is the one spelling of a symbol every layer keys on.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Normalized returns a copy of s with its symbol in canonical form.
func (s Signal) Normalized() Signal {
	s.Symbol = NormalizeSymbol(s.Symbol)
	return s
}

// BucketStart returns the start of the time bucket the signal belongs to.
func BucketStart(t time.Time, bucket time.Duration) time.Time {
	if bucket <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(bucket)
}

// Fingerprint derives the idempotency key of a signal. The same logical
// signal repeated inside one bucket yields the same fingerprint; the next
// bucket yields a new one. Quantities are normalised so "1.50" and "1.5" collide.
func Fingerprint(s Signal, bucket time.Duration) string {
	canonical := strings.Join([]string{
		NormalizeSymbol(s.Symbol),
		string(s.Side),
		s.Quantity.String(),
		fmt.Sprintf("%d", BucketStart(s.GeneratedAt, bucket).Unix()),
		s.Strategy,
		fmt.Sprintf("%t", s.ReduceOnly),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16])
}
