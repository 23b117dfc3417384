// Package supervisor exposes the liveness contract an external process
// supervisor polls. All correctness state lives in the database; a restart
// only needs the heartbeat to go stale.
package supervisor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Liveness is the snapshot served to watchdogs.
type Liveness struct {
	LastTick  time.Time `json:"last_tick"`
	LastFetch time.Time `json:"last_fetch"`
	Stale     bool      `json:"stale"`
	Reason    string    `json:"reason,omitempty"`
}

// Heartbeat tracks the last worker-loop tick and the last successful
// exchange fetch.
type Heartbeat struct {
	lastTick   atomic.Int64
	lastFetch  atomic.Int64
	staleAfter time.Duration
	file       string
	now        func() time.Time
}

// NewHeartbeat builds a heartbeat. file may be empty.
func NewHeartbeat(staleAfter time.Duration, file string) *Heartbeat {
	h := &Heartbeat{staleAfter: staleAfter, file: file, now: time.Now}
	start := h.now().UnixNano()
	h.lastTick.Store(start)
	h.lastFetch.Store(start)
	return h
}

// WithClock replaces the time source, for tests.
func (h *Heartbeat) WithClock(now func() time.Time) *Heartbeat {
	h.now = now
	start := now().UnixNano()
	h.lastTick.Store(start)
	h.lastFetch.Store(start)
	return h
}

// MarkTick records a worker-loop iteration and refreshes the heartbeat file.
func (h *Heartbeat) MarkTick() {
	if h == nil {
		return
	}
	h.lastTick.Store(h.now().UnixNano())
	if h.file != "" {
		if err := h.writeFile(); err != nil {
			slog.Warn("supervisor: heartbeat file write failed", "path", h.file, "err", err)
		}
	}
}

// MarkFetch records a successful exchange data fetch.
func (h *Heartbeat) MarkFetch() {
	if h == nil {
		return
	}
	h.lastFetch.Store(h.now().UnixNano())
}

// Liveness reports the current state.
func (h *Heartbeat) Liveness() Liveness {
	l := Liveness{
		LastTick:  time.Unix(0, h.lastTick.Load()).UTC(),
		LastFetch: time.Unix(0, h.lastFetch.Load()).UTC(),
	}
	if h.staleAfter <= 0 {
		return l
	}
	now := h.now()
	switch {
	case now.Sub(l.LastTick) > h.staleAfter:
		l.Stale = true
		l.Reason = fmt.Sprintf("no loop tick for %s", now.Sub(l.LastTick).Round(time.Second))
	case now.Sub(l.LastFetch) > h.staleAfter:
		l.Stale = true
		l.Reason = fmt.Sprintf("no exchange fetch for %s", now.Sub(l.LastFetch).Round(time.Second))
	}
	return l
}

// writeFile replaces the heartbeat file atomically so a watchdog never
// reads a half-written document.
func (h *Heartbeat) writeFile() error {
	data, err := json.Marshal(h.Liveness())
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(h.file), ".heartbeat-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), h.file)
}
