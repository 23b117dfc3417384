// Package httpapi is the operational HTTP surface: liveness, kill switch
// control and read-only views of positions, intents and the audit stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/application/killswitch"
	"github.com/alejandrodnm/tradeguard/internal/application/ledger"
	"github.com/alejandrodnm/tradeguard/internal/application/supervisor"
	"github.com/alejandrodnm/tradeguard/internal/domain"
	"github.com/alejandrodnm/tradeguard/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultAuditLimit   = 100
	maxAuditLimit       = 1000
	defaultIntentWindow = 24 * time.Hour
)

// Store is the read side the API serves from.
type Store interface {
	OpenPositions(ctx context.Context) ([]domain.ManagedPosition, error)
	AllPositions(ctx context.Context) ([]domain.ManagedPosition, error)
	GetPosition(ctx context.Context, id string) (domain.ManagedPosition, error)
	Transitions(ctx context.Context, positionID string) ([]domain.Transition, error)
	RecentAudit(ctx context.Context, limit int) ([]domain.AuditEvent, error)
}

// Server holds the handlers' dependencies.
type Server struct {
	store     Store
	ledger    *ledger.Ledger
	ks        *killswitch.Switch
	heartbeat *supervisor.Heartbeat
}

func New(store Store, l *ledger.Ledger, ks *killswitch.Switch, hb *supervisor.Heartbeat) *Server {
	return &Server{store: store, ledger: l, ks: ks, heartbeat: hb}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/killswitch", s.killSwitchState)
		r.Post("/killswitch/trip", s.tripKillSwitch)
		r.Post("/killswitch/reset", s.resetKillSwitch)

		r.Get("/positions", s.listPositions)
		r.Get("/positions/{id}/transitions", s.positionTransitions)

		r.Get("/intents", s.listIntents)
		r.Get("/audit", s.listAudit)
	})
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("httpapi: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("httpapi: shutting down")
	return srv.Shutdown(shutdownCtx)
}

// health handles GET /health. A stale heartbeat answers 503 so a supervisor
// can restart the process.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	l := s.heartbeat.Liveness()
	status := http.StatusOK
	if l.Stale {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, l)
}

type killSwitchView struct {
	Armed          bool       `json:"armed"`
	Reason         string     `json:"reason,omitempty"`
	TrippedAt      *time.Time `json:"tripped_at,omitempty"`
	ResetAt        *time.Time `json:"reset_at,omitempty"`
	Acknowledgment string     `json:"acknowledgment,omitempty"`
}

func newKillSwitchView(st domain.KillSwitchState) killSwitchView {
	return killSwitchView{
		Armed:          st.Armed,
		Reason:         st.Reason,
		TrippedAt:      optTime(st.TrippedAt),
		ResetAt:        optTime(st.ResetAt),
		Acknowledgment: st.Acknowledgment,
	}
}

// killSwitchState handles GET /api/v1/killswitch
func (s *Server) killSwitchState(w http.ResponseWriter, r *http.Request) {
	st, err := s.ks.State(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newKillSwitchView(st))
}

// tripKillSwitch handles POST /api/v1/killswitch/trip
func (s *Server) tripKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "no reason given"
	}
	if err := s.ks.Trip(r.Context(), "operator: "+reason); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.killSwitchState(w, r)
}

// resetKillSwitch handles POST /api/v1/killswitch/reset
func (s *Server) resetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Acknowledgment string `json:"acknowledgment"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := s.ks.Reset(r.Context(), req.Acknowledgment)
	if errors.Is(err, domain.ErrAckRequired) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.killSwitchState(w, r)
}

type positionView struct {
	ID                string     `json:"id"`
	Symbol            string     `json:"symbol"`
	Side              string     `json:"side"`
	Quantity          string     `json:"quantity"`
	EntryPrice        string     `json:"entry_price"`
	State             string     `json:"state"`
	Source            string     `json:"source"`
	StopOrderID       string     `json:"stop_order_id,omitempty"`
	TakeProfitOrderID string     `json:"take_profit_order_id,omitempty"`
	OpenedAt          time.Time  `json:"opened_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	LastReconciledAt  *time.Time `json:"last_reconciled_at,omitempty"`
	NakedSince        *time.Time `json:"naked_since,omitempty"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

func newPositionView(p domain.ManagedPosition) positionView {
	return positionView{
		ID:                p.ID,
		Symbol:            p.Symbol,
		Side:              string(p.Side),
		Quantity:          p.Quantity.String(),
		EntryPrice:        p.EntryPrice.String(),
		State:             p.State.String(),
		Source:            string(p.Source),
		StopOrderID:       p.StopOrderID,
		TakeProfitOrderID: p.TakeProfitOrderID,
		OpenedAt:          p.OpenedAt,
		LastActivityAt:    p.LastActivityAt,
		LastReconciledAt:  optTime(p.LastReconciledAt),
		NakedSince:        optTime(p.NakedSince),
		ClosedAt:          optTime(p.ClosedAt),
	}
}

// listPositions handles GET /api/v1/positions (?all=true includes closed)
func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	load := s.store.OpenPositions
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		load = s.store.AllPositions
	}
	ps, err := load(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]positionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type transitionView struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Cause string    `json:"cause"`
	At    time.Time `json:"at"`
}

// positionTransitions handles GET /api/v1/positions/{id}/transitions
func (s *Server) positionTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetPosition(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, "position not found", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	trs, err := s.store.Transitions(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]transitionView, 0, len(trs))
	for _, t := range trs {
		out = append(out, transitionView{From: t.From.String(), To: t.To.String(), Cause: t.Cause, At: t.At})
	}
	writeJSON(w, http.StatusOK, out)
}

type intentView struct {
	Fingerprint string    `json:"fingerprint"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    string    `json:"quantity"`
	Strategy    string    `json:"strategy"`
	ReduceOnly  bool      `json:"reduce_only"`
	Status      string    `json:"status"`
	OrderID     string    `json:"order_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// listIntents handles GET /api/v1/intents?window=24h
func (s *Server) listIntents(w http.ResponseWriter, r *http.Request) {
	window := defaultIntentWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, "window must be a positive duration", http.StatusBadRequest)
			return
		}
		window = d
	}
	intents, err := s.ledger.RecentIntents(r.Context(), window)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]intentView, 0, len(intents))
	for _, in := range intents {
		out = append(out, intentView{
			Fingerprint: in.Fingerprint,
			Symbol:      in.Symbol,
			Side:        string(in.Side),
			Quantity:    in.Quantity.String(),
			Strategy:    in.Strategy,
			ReduceOnly:  in.ReduceOnly,
			Status:      string(in.Status),
			OrderID:     in.OrderID,
			Reason:      in.Reason,
			CreatedAt:   in.CreatedAt,
			UpdatedAt:   in.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type auditView struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Kind        string    `json:"kind"`
	Severity    string    `json:"severity"`
	Symbol      string    `json:"symbol,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	PositionID  string    `json:"position_id,omitempty"`
	OrderID     string    `json:"order_id,omitempty"`
	Message     string    `json:"message"`
}

// listAudit handles GET /api/v1/audit?limit=100
func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxAuditLimit)
	}
	events, err := s.store.RecentAudit(r.Context(), limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]auditView, 0, len(events))
	for _, ev := range events {
		out = append(out, auditView{
			ID:          ev.ID,
			At:          ev.At,
			Kind:        string(ev.Kind),
			Severity:    string(ev.Severity),
			Symbol:      ev.Symbol,
			Fingerprint: ev.Fingerprint,
			PositionID:  ev.PositionID,
			OrderID:     ev.OrderID,
			Message:     ev.Message,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// decodeBody decodes a small JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
