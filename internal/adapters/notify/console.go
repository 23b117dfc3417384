package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implements ports.Alerter and prints operator reports.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewConsole builds a console that writes to stderr, keeping stdout for reports.
func NewConsole() *Console {
	return &Console{out: os.Stderr, now: time.Now}
}

// NewConsoleWriter builds a console for tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w, now: time.Now}
}

// Alert prints one alert line. It never fails the caller.
func (c *Console) Alert(_ context.Context, ev domain.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] ALERT %s", ev.At.Local().Format("15:04:05"), ev.Kind)
	if ev.Symbol != "" {
		fmt.Fprintf(&sb, " %s", ev.Symbol)
	}
	fmt.Fprintf(&sb, ": %s", ev.Message)
	if ev.PositionID != "" {
		fmt.Fprintf(&sb, " (position %s)", shortID(ev.PositionID))
	}
	_, err := fmt.Fprintln(c.out, sb.String())
	return err
}

// ReportInput groups what the operator report shows.
type ReportInput struct {
	KillSwitch domain.KillSwitchState
	Positions  []domain.ManagedPosition
	Intents    []domain.OrderIntent
	Audit      []domain.AuditEvent
}

// PrintReport prints kill switch state, open positions, recent intents and
// the tail of the audit stream.
func (c *Console) PrintReport(in ReportInput) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n=== TRADEGUARD REPORT (%s) ===\n", c.now().Format(time.RFC3339))

	fmt.Fprintf(c.out, "\n── KILL SWITCH ──\n")
	ks := in.KillSwitch
	if ks.Armed {
		fmt.Fprintf(c.out, "  ARMED since %s: %s\n", ks.TrippedAt.Local().Format(time.DateTime), ks.Reason)
	} else {
		fmt.Fprintf(c.out, "  disarmed")
		if !ks.ResetAt.IsZero() {
			fmt.Fprintf(c.out, " (last reset %s: %q)", ks.ResetAt.Local().Format(time.DateTime), ks.Acknowledgment)
		}
		fmt.Fprintln(c.out)
	}

	fmt.Fprintf(c.out, "\n── POSITIONS (%d) ──\n", len(in.Positions))
	if len(in.Positions) > 0 {
		c.positionsTable(in.Positions)
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── INTENTS (%d) ──\n", len(in.Intents))
	if len(in.Intents) > 0 {
		c.intentsTable(in.Intents)
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── AUDIT (last %d) ──\n", len(in.Audit))
	if len(in.Audit) > 0 {
		c.auditTable(in.Audit)
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}
	fmt.Fprintln(c.out)
}

func (c *Console) positionsTable(ps []domain.ManagedPosition) {
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Symbol", "Side", "Qty", "Entry", "State", "Stop", "Source", "Last activity")
	for _, p := range ps {
		stop := p.StopOrderID
		if stop == "" {
			stop = "-"
		}
		table.Append(
			shortID(p.ID),
			p.Symbol,
			string(p.Side),
			p.Quantity.String(),
			p.EntryPrice.StringFixed(2),
			p.State.String(),
			truncate(stop, 14),
			string(p.Source),
			age(c.now(), p.LastActivityAt),
		)
	}
	table.Render()
}

func (c *Console) intentsTable(intents []domain.OrderIntent) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Fingerprint", "Symbol", "Side", "Qty", "Status", "Order", "Reason", "Age")
	for _, i := range intents {
		side := string(i.Side)
		if i.ReduceOnly {
			side += " (reduce)"
		}
		table.Append(
			truncate(i.Fingerprint, 12),
			i.Symbol,
			side,
			i.Quantity.String(),
			string(i.Status),
			truncate(i.OrderID, 14),
			truncate(i.Reason, 40),
			age(c.now(), i.CreatedAt),
		)
	}
	table.Render()
}

func (c *Console) auditTable(events []domain.AuditEvent) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Time", "Severity", "Kind", "Symbol", "Message")
	for _, ev := range events {
		table.Append(
			ev.At.Local().Format("01-02 15:04:05"),
			string(ev.Severity),
			string(ev.Kind),
			ev.Symbol,
			truncate(ev.Message, 60),
		)
	}
	table.Render()
}

// ReconcileSummary is the outcome of a manual reconciliation pass.
type ReconcileSummary struct {
	Duration    time.Duration
	Exchange    int
	Local       int
	Drift       map[domain.DriftKind]int
	Transitions int
	Imported    int
	Remediated  int
	Cancelled   int
	Errors      []error
}

// PrintReconcile prints the drift table of one reconciliation pass.
func (c *Console) PrintReconcile(s ReconcileSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\nreconciliation: %d exchange / %d local positions in %s\n",
		s.Exchange, s.Local, s.Duration.Round(time.Millisecond))

	kinds := make([]string, 0, len(s.Drift))
	for k := range s.Drift {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	table := tablewriter.NewWriter(c.out)
	table.Header("Drift", "Count")
	for _, k := range kinds {
		table.Append(k, fmt.Sprintf("%d", s.Drift[domain.DriftKind(k)]))
	}
	table.Render()

	fmt.Fprintf(c.out, "  transitions: %d | imported: %d | re-protected: %d | cancelled: %d\n",
		s.Transitions, s.Imported, s.Remediated, s.Cancelled)
	if len(s.Errors) == 0 {
		fmt.Fprintln(c.out, "  errors: none")
		return
	}
	fmt.Fprintf(c.out, "  errors (%d):\n", len(s.Errors))
	for _, err := range s.Errors {
		fmt.Fprintf(c.out, "    - %v\n", err)
	}
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
