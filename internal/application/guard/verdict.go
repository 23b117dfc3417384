package guard

import (
	"github.com/alejandrodnm/tradeguard/internal/domain"
)

// Verdict is the tagged result of one guard stage.
type Verdict struct {
	Accept bool
	Layer  domain.GuardLayer
	Reason string
}

func accept() Verdict { return Verdict{Accept: true} }

func reject(layer domain.GuardLayer, reason string) Verdict {
	return Verdict{Layer: layer, Reason: reason}
}

// Err converts a rejection into a *domain.GuardRejection; nil on accept.
func (v Verdict) Err() error {
	if v.Accept {
		return nil
	}
	return &domain.GuardRejection{Layer: v.Layer, Reason: v.Reason}
}

// The functions below hold the decision logic of each layer. They take
// already-fetched facts and do no I/O.

func intentVerdict(armed, reduceOnly, seen bool) Verdict {
	if armed && !reduceOnly {
		return reject(domain.LayerIntentHash, domain.ReasonKillSwitchActive)
	}
	if seen {
		return reject(domain.LayerIntentHash, domain.ReasonDuplicateIntent)
	}
	return accept()
}

func pyramidingVerdict(s domain.Signal, local []domain.ManagedPosition, allowPyramiding bool) Verdict {
	if s.ReduceOnly {
		// Whether there is anything to reduce is decided against the exchange.
		return accept()
	}
	for _, p := range local {
		if p.Symbol != s.Symbol || !p.IsOpen() {
			continue
		}
		if p.Side != s.Side {
			return reject(domain.LayerPyramiding, domain.ReasonOppositePosition)
		}
		if !allowPyramiding {
			return reject(domain.LayerPyramiding, domain.ReasonPyramidingBlocked)
		}
	}
	return accept()
}

func exchangeVerdict(s domain.Signal, positions []domain.ExchangePosition, orders []domain.ExchangeOrder, fetchErr error, allowPyramiding bool) Verdict {
	if fetchErr != nil {
		return reject(domain.LayerExchangeLive, domain.ReasonExchangeCheckFailed)
	}

	var held *domain.ExchangePosition
	for i := range positions {
		if positions[i].Symbol == s.Symbol && positions[i].Quantity.IsPositive() {
			held = &positions[i]
			break
		}
	}

	if s.ReduceOnly {
		if held == nil || held.Side != s.Side {
			return reject(domain.LayerExchangeLive, domain.ReasonNothingToReduce)
		}
		return accept()
	}

	if held != nil && (held.Side != s.Side || !allowPyramiding) {
		return reject(domain.LayerExchangeLive, domain.ReasonExchangePosition)
	}
	for _, o := range orders {
		if o.Symbol == s.Symbol && !o.IsProtective() {
			return reject(domain.LayerExchangeLive, domain.ReasonExchangeOrder)
		}
	}
	return accept()
}

func pendingVerdict(pending bool) Verdict {
	if pending {
		return reject(domain.LayerPendingCache, domain.ReasonPendingOrderRecent)
	}
	return accept()
}
