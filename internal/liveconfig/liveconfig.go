// Package liveconfig holds configuration values that can change at runtime
// without a redeploy. Values live in durable storage and are pulled on a
// staleness interval by an explicit refresher; reads always return the
// last known value and never block on the store.
package liveconfig

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// DefaultRefreshInterval is how long a loaded value is trusted before the
// refresher reads the store again.
const DefaultRefreshInterval = 60 * time.Second

// Source reads the durable copy of the live configuration.
type Source interface {
	TowRadiusMeters() (float64, error)
}

// StaticSource is a Source pinned to a constant, for tests and for runs
// without a database.
type StaticSource float64

func (s StaticSource) TowRadiusMeters() (float64, error) { return float64(s), nil }

// Radius is an atomically swappable handle on the tow search radius.
// It satisfies geo.RadiusSource.
type Radius struct {
	bits   atomic.Uint64
	src    Source
	logger *slog.Logger
}

// NewRadius seeds the handle with fallback and attempts one initial load.
// A failed load keeps the fallback; the handle is usable either way.
func NewRadius(src Source, fallbackMeters float64, logger *slog.Logger) *Radius {
	r := &Radius{src: src, logger: logger}
	r.bits.Store(math.Float64bits(fallbackMeters))
	r.Refresh()
	return r
}

// Meters returns the current radius. Never blocks, never touches the store.
func (r *Radius) Meters() float64 {
	return math.Float64frombits(r.bits.Load())
}

// Refresh reads the store once and swaps the value on success. On failure
// the stale value stays in place.
func (r *Radius) Refresh() {
	v, err := r.src.TowRadiusMeters()
	if err != nil {
		r.logger.Warn("live config refresh failed, keeping stale radius",
			"error", err, "radius_m", r.Meters())
		return
	}
	old := r.Meters()
	if v != old {
		r.logger.Info("tow radius updated", "old_m", old, "new_m", v)
	}
	r.bits.Store(math.Float64bits(v))
}

// Run refreshes on interval until ctx is cancelled.
func (r *Radius) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Refresh()
		}
	}
}
