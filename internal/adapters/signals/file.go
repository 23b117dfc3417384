// Package signals reads the ranked batch written by the upstream strategy.
package signals

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/alejandrodnm/tradeguard/internal/domain"
	"gopkg.in/yaml.v3"
)

// FileSource implements ports.SignalSource over a YAML file that the
// strategy process rewrites every cycle.
type FileSource struct {
	path     string
	window   time.Duration
	maxBatch int
	now      func() time.Time
}

type batchFile struct {
	Signals []domain.Signal `yaml:"signals"`
}

// NewFileSource reads path on every call. Signals older than window are
// dropped; at most maxBatch survive. Zero disables either limit.
func NewFileSource(path string, window time.Duration, maxBatch int) *FileSource {
	return &FileSource{path: path, window: window, maxBatch: maxBatch, now: time.Now}
}

// WithClock overrides the clock used for the freshness window.
func (s *FileSource) WithClock(now func() time.Time) *FileSource {
	s.now = now
	return s
}

// NextBatch returns fresh, valid signals ordered by score, best first.
// A missing file is an empty batch: the strategy has not written yet.
func (s *FileSource) NextBatch(ctx context.Context) ([]domain.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("signals: batch file not found", "path", s.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signals.NextBatch: read %q: %w", s.path, err)
	}

	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("signals.NextBatch: parse %q: %w", s.path, err)
	}

	now := s.now()
	out := make([]domain.Signal, 0, len(f.Signals))
	var stale, invalid int
	for _, sig := range f.Signals {
		if err := sig.Validate(); err != nil {
			slog.Warn("signals: dropping invalid signal", "err", err)
			invalid++
			continue
		}
		if s.window > 0 && now.Sub(sig.GeneratedAt) > s.window {
			stale++
			continue
		}
		out = append(out, sig.Normalized())
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if s.maxBatch > 0 && len(out) > s.maxBatch {
		out = out[:s.maxBatch]
	}

	slog.Debug("signals: batch loaded", "path", s.path, "signals", len(out), "stale", stale, "invalid", invalid)
	return out, nil
}
