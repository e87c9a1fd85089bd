package engine

import (
	"context"
	"time"
)

// DefaultSweepInterval bounds how stale an expired batch or event can be
// when nobody is reading it.
const DefaultSweepInterval = 30 * time.Second

// RunSweeper periodically settles expired batches and events so timeouts
// fire even without read traffic. Lazy evaluation on read paths still
// applies; the sweeper only narrows the staleness window.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.SweepOnce()
		}
	}
}

// SweepOnce scans active batches and live events and flips the expired
// ones, taking each entity's lock so it never races a concurrent
// accept, cancel, or read.
func (e *Engine) SweepOnce() {
	batches, err := e.store.ActiveBatches()
	if err != nil {
		e.logger.Error("sweep: list active batches failed", "error", err)
	} else {
		for _, b := range batches {
			mu := e.locks.lock(batchKey(b.ID))
			if cur, err := e.getBatch(b.ID); err == nil {
				e.settleBatchLocked(cur)
			}
			mu.Unlock()
		}
	}

	events, err := e.store.LiveEvents()
	if err != nil {
		e.logger.Error("sweep: list live events failed", "error", err)
		return
	}
	for _, ev := range events {
		mu := e.locks.lock(eventKey(ev.ID))
		if cur, err := e.getEvent(ev.ID); err == nil {
			e.settleEventLocked(cur)
		}
		mu.Unlock()
	}
}
