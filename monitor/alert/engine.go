package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"deploywatch.org/core/eventbus"
	"deploywatch.org/core/log"
	"deploywatch.org/core/monitor/db"
	"deploywatch.org/core/monitor/models"
)

// Dispatcher fans a generated alert out to notification channels.
// Implementations must isolate per-channel failures; Dispatch never
// returns an error.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *models.Alert)
}

// Engine evaluates threshold rules, deduplicates alerts by signature,
// enforces per-type cooldowns and owns the persisted monitoring
// settings.
type Engine struct {
	db  *db.DB
	bus *eventbus.Bus
	l   *slog.Logger

	// set once during wiring, before any evaluation runs
	dispatcher Dispatcher

	mu           sync.Mutex
	settings     models.Settings
	active       map[string]*models.Alert // signature -> active alert
	lastNotified map[string]time.Time     // signature -> last notification
	suppressed   int64
	seq          map[string]uint64 // per-alert snapshot counter, under mu

	// pmu orders alert persistence: an older snapshot can never
	// overwrite a newer one. The bookkeeping grows with alerts raised
	// per process, not with occurrences.
	pmu       sync.Mutex
	persisted map[string]uint64
}

// New loads persisted settings (seeding defaults on first start) and
// rebuilds the dedup indexes from stored active alerts, so a restart
// preserves operator actions and signature state.
func New(d *db.DB, bus *eventbus.Bus, logger *slog.Logger) (*Engine, error) {
	settings, found, err := d.GetSettings()
	if err != nil {
		return nil, err
	}
	if !found {
		settings = models.DefaultSettings()
		if err := d.PutSettings(settings); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		db:           d,
		bus:          bus,
		l:            log.SubLogger(logger, "alerts"),
		settings:     settings,
		active:       make(map[string]*models.Alert),
		lastNotified: make(map[string]time.Time),
		seq:          make(map[string]uint64),
		persisted:    make(map[string]uint64),
	}

	actives, err := d.ListAlerts(true)
	if err != nil {
		return nil, err
	}
	for _, a := range actives {
		e.active[a.Signature] = a
		e.lastNotified[a.Signature] = a.Timestamp
	}

	return e, nil
}

// snapshotLocked copies an alert and assigns the copy's write
// sequence. Caller holds e.mu.
func (e *Engine) snapshotLocked(a *models.Alert) (models.Alert, uint64) {
	e.seq[a.ID]++
	return *a, e.seq[a.ID]
}

// putSnapshot persists a snapshot unless a later one for the same
// alert already reached the store.
func (e *Engine) putSnapshot(snapshot *models.Alert, seq uint64) error {
	e.pmu.Lock()
	defer e.pmu.Unlock()
	if seq <= e.persisted[snapshot.ID] {
		return nil
	}
	if err := e.db.PutAlert(snapshot); err != nil {
		return err
	}
	e.persisted[snapshot.ID] = seq
	return nil
}

// SetDispatcher attaches the notification dispatcher. Must be called
// during wiring, before evaluations start.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

// Settings returns a copy of the current settings.
func (e *Engine) Settings() models.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// UpdateSettings is the single runtime update path for monitoring
// configuration. The new settings are persisted, swapped in, and
// broadcast so channels re-read synchronously.
func (e *Engine) UpdateSettings(ctx context.Context, s models.Settings) error {
	if s.Cooldown < 0 {
		return models.ValidationErr("cooldown must not be negative")
	}
	if s.Retry.MaxAttempts < 1 {
		return models.ValidationErr("retry max attempts must be at least 1")
	}

	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()

	if err := e.db.PutSettings(s); err != nil {
		return err
	}

	e.bus.Publish(eventbus.TopicSettingsUpdated, s)
	return nil
}

// SuppressedCount reports how many occurrences were dropped by the
// cooldown window since startup.
func (e *Engine) SuppressedCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suppressed
}

// EvaluateRun applies the run-level threshold rules. Any number of
// rules may fire per pass.
func (e *Engine) EvaluateRun(ctx context.Context, run *models.PipelineRun) {
	thresholds := e.Settings().Thresholds

	if run.Status.Terminal() && !run.Success {
		data := map[string]any{"run_id": run.ID}
		if len(run.Errors) > 0 {
			data["error"] = run.Errors[len(run.Errors)-1].Message
		}
		e.Raise(ctx, models.AlertPipelineFailure, models.SeverityHigh, data)
	}

	if run.Status.Terminal() && thresholds.SlowPipeline > 0 && run.Duration() > thresholds.SlowPipeline {
		e.Raise(ctx, models.AlertSlowPipeline, models.SeverityMedium, map[string]any{
			"run_id":   run.ID,
			"duration": run.Duration().Milliseconds(),
		})
	}

	for _, stage := range run.Stages {
		if stage.Status == models.StageFailed {
			e.Raise(ctx, models.AlertStageFailure, models.SeverityHigh, map[string]any{
				"run_id": run.ID,
				"stage":  stage.Name,
			})
		}
		if stage.Name == "build" && thresholds.SlowBuild > 0 && stage.Duration > thresholds.SlowBuild {
			e.Raise(ctx, models.AlertSlowBuild, models.SeverityMedium, map[string]any{
				"run_id":   run.ID,
				"duration": stage.Duration.Milliseconds(),
			})
		}
	}
}

// EvaluateWebhook applies the webhook-level rules. Auth failure and a
// bad response status on the same record raise independently
// deduplicated alerts.
func (e *Engine) EvaluateWebhook(ctx context.Context, rec *models.WebhookRecord) {
	thresholds := e.Settings().Thresholds

	if rt := rec.Timing.RoundTrip(); thresholds.WebhookRoundTrip > 0 && rt > thresholds.WebhookRoundTrip {
		e.Raise(ctx, models.AlertWebhookTimeout, models.SeverityMedium, map[string]any{
			"webhook_id": rec.ID,
			"duration":   rt.Milliseconds(),
		})
	}

	if !rec.Authentication.Success {
		e.Raise(ctx, models.AlertWebhookAuthFailure, models.SeverityHigh, map[string]any{
			"webhook_id": rec.ID,
			"method":     rec.Authentication.Method,
		})
	}

	if rec.Response.Status >= 400 {
		e.Raise(ctx, models.AlertWebhookError, models.SeverityHigh, map[string]any{
			"webhook_id": rec.ID,
			"status":     rec.Response.Status,
		})
	}
}

// Raise records one occurrence of a condition. An existing active
// alert with the same signature absorbs it; with no active alert, an
// occurrence inside the cooldown window is suppressed entirely (the
// suppressed counter is still bumped for visibility); otherwise a new
// alert is created, persisted and dispatched.
func (e *Engine) Raise(ctx context.Context, alertType string, severity models.Severity, data map[string]any) {
	sig := Signature(alertType, severity, data)
	now := time.Now()

	e.mu.Lock()
	if existing, ok := e.active[sig]; ok {
		existing.Occurrences++
		existing.LastSeen = now
		snapshot, seq := e.snapshotLocked(existing)
		e.mu.Unlock()

		// persist outside the lock
		if err := e.putSnapshot(&snapshot, seq); err != nil {
			e.l.Error("failed to persist alert occurrence", "id", snapshot.ID, "err", err)
		}
		return
	}

	cooldown := e.settings.CooldownFor(alertType)
	if last, ok := e.lastNotified[sig]; ok && now.Sub(last) < cooldown {
		e.suppressed++
		e.mu.Unlock()
		e.l.Debug("occurrence suppressed by cooldown", "type", alertType, "signature", sig)
		return
	}

	alert := &models.Alert{
		ID:          uuid.NewString(),
		Type:        alertType,
		Severity:    severity,
		Timestamp:   now,
		Data:        data,
		Status:      models.AlertActive,
		Signature:   sig,
		Occurrences: 1,
		LastSeen:    now,
	}
	e.active[sig] = alert
	e.lastNotified[sig] = now
	snapshot, seq := e.snapshotLocked(alert)
	e.mu.Unlock()

	if err := e.putSnapshot(&snapshot, seq); err != nil {
		e.l.Error("failed to persist alert", "id", snapshot.ID, "err", err)
	}

	e.l.Info("alert generated", "type", alertType, "severity", severity, "id", snapshot.ID)
	e.bus.Publish(eventbus.TopicAlertGenerated, snapshot)

	if e.dispatcher != nil {
		e.dispatcher.Dispatch(ctx, &snapshot)
	}
}

// Acknowledge marks an active alert as seen by an operator. Returns
// found=false for unknown or already-resolved ids; a double
// acknowledge is not an error.
func (e *Engine) Acknowledge(ctx context.Context, id, by string) (bool, error) {
	a, err := e.db.GetAlert(id)
	if models.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if a.Status == models.AlertResolved {
		return false, nil
	}

	now := time.Now()

	e.mu.Lock()
	if cur, ok := e.active[a.Signature]; ok && cur.ID == a.ID {
		cur.Acknowledged = true
		cur.AcknowledgedBy = by
		cur.AcknowledgedAt = &now
		snapshot, seq := e.snapshotLocked(cur)
		e.mu.Unlock()

		if err := e.putSnapshot(&snapshot, seq); err != nil {
			return false, err
		}
		e.bus.Publish(eventbus.TopicAlertAcknowledged, snapshot)
		return true, nil
	}
	e.mu.Unlock()

	// active in the store but not in the index; update the stored
	// record directly
	a.Acknowledged = true
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &now
	if err := e.db.PutAlert(a); err != nil {
		return false, err
	}

	e.bus.Publish(eventbus.TopicAlertAcknowledged, *a)
	return true, nil
}

// Resolve closes an alert and frees its signature for future
// occurrences. Returns found=false for unknown or already-resolved
// ids.
func (e *Engine) Resolve(ctx context.Context, id, by string) (bool, error) {
	a, err := e.db.GetAlert(id)
	if models.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if a.Status == models.AlertResolved {
		return false, nil
	}

	now := time.Now()
	a.Status = models.AlertResolved
	a.ResolvedBy = by
	a.ResolvedAt = &now

	e.mu.Lock()
	if cur, ok := e.active[a.Signature]; ok && cur.ID == a.ID {
		// carry unpersisted in-memory state into the closing record
		a.Occurrences = cur.Occurrences
		a.LastSeen = cur.LastSeen
		a.Acknowledged = cur.Acknowledged
		a.AcknowledgedBy = cur.AcknowledgedBy
		a.AcknowledgedAt = cur.AcknowledgedAt
		delete(e.active, a.Signature)
	}
	snapshot, seq := e.snapshotLocked(a)
	e.mu.Unlock()

	if err := e.putSnapshot(&snapshot, seq); err != nil {
		return false, err
	}

	e.bus.Publish(eventbus.TopicAlertResolved, snapshot)
	return true, nil
}

// Active returns the currently active alerts, unordered.
func (e *Engine) Active() []*models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.Alert, 0, len(e.active))
	for _, a := range e.active {
		snapshot := *a
		out = append(out, &snapshot)
	}
	return out
}
