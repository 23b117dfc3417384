package domain

import "time"

// AuditKind classifies audit events.
type AuditKind string

const (
	AuditGuardReject        AuditKind = "guard_reject"
	AuditIntentRecorded     AuditKind = "intent_recorded"
	AuditOrderSubmit        AuditKind = "order_submit"
	AuditOrderCancel        AuditKind = "order_cancel"
	AuditExchangeTransient  AuditKind = "exchange_transient"
	AuditExchangeFatal      AuditKind = "exchange_fatal"
	AuditTransition         AuditKind = "position_transition"
	AuditRemediation        AuditKind = "remediation"
	AuditInvariantViolation AuditKind = "invariant_violation"
	AuditDrift              AuditKind = "reconciliation_drift"
	AuditKillSwitch         AuditKind = "kill_switch"
)

// Severity decides whether an audit event is also escalated as an alert.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityAlert Severity = "alert"
)

// AuditEvent is one append-only entry of the audit stream.
type AuditEvent struct {
	ID          string
	At          time.Time
	Kind        AuditKind
	Severity    Severity
	Symbol      string
	Fingerprint string
	PositionID  string
	OrderID     string
	Message     string
}
