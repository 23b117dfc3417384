package domain

import "time"

// KillSwitchState is the persisted global breaker. It is only changed by an
// explicit trip or an acknowledged reset; restarts never clear it.
type KillSwitchState struct {
	Armed          bool
	Reason         string
	TrippedAt      time.Time
	ResetAt        time.Time
	Acknowledgment string // operator note recorded by the last reset
}
