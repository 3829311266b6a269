package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"deploywatch.org/core/monitor/models"
)

const DefaultSweepInterval = 30 * time.Second

// StartSweeper force-times-out stuck runs on a fixed interval,
// independent of request traffic, until ctx is cancelled.
func (t *Tracker) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep(ctx)
			}
		}
	}()
}

// Sweep force-completes every active run whose elapsed running time
// exceeds the configured timeout.
func (t *Tracker) Sweep(ctx context.Context) {
	timeout := t.alerts.Settings().RunTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	now := time.Now()

	t.mu.Lock()
	var stale []string
	activeIDs := make(map[string]struct{}, len(t.active))
	for id, run := range t.active {
		activeIDs[id] = struct{}{}
		if now.Sub(run.StartedAt) > timeout {
			stale = append(stale, id)
		}
	}
	for id := range t.seq {
		if _, ok := activeIDs[id]; !ok {
			delete(t.seq, id)
		}
	}
	t.mu.Unlock()

	// drop write-order state for runs out of the active set since the
	// previous sweep; any persist for them has long since landed
	t.pmu.Lock()
	for id := range t.persisted {
		if _, ok := activeIDs[id]; ok {
			continue
		}
		if _, marked := t.prunable[id]; marked {
			delete(t.persisted, id)
			delete(t.prunable, id)
		} else {
			t.prunable[id] = struct{}{}
		}
	}
	t.pmu.Unlock()

	for _, id := range stale {
		t.forceTimeout(ctx, id, timeout)
	}
}

// forceTimeout re-checks that the run is still active and still past
// the deadline before completing it, to avoid racing a concurrent
// CompleteRun.
func (t *Tracker) forceTimeout(ctx context.Context, runID string, timeout time.Duration) {
	t.mu.Lock()
	run, ok := t.active[runID]
	if !ok {
		// lost the race to a concurrent completion
		t.mu.Unlock()
		return
	}
	if time.Since(run.StartedAt) <= timeout {
		t.mu.Unlock()
		return
	}

	run.Errors = append(run.Errors, models.ErrorRecord{
		ID:        uuid.NewString(),
		Type:      "timeout",
		Message:   "run exceeded the configured timeout",
		Timestamp: time.Now(),
		Context:   map[string]any{"timeout_ms": timeout.Milliseconds()},
	})
	t.finishLocked(run, false, models.RunTimeout, nil)
	delete(t.active, runID)
	snapshot, seq := t.snapshotLocked(run)
	t.mu.Unlock()

	t.l.Warn("run timed out", "id", runID, "timeout", timeout)
	if err := t.finalize(ctx, snapshot, seq); err != nil {
		t.l.Error("failed to finalize timed out run", "id", runID, "err", err)
	}
}
