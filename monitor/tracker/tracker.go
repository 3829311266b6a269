// Package tracker owns the pipeline run state machine: run creation,
// name-keyed stage updates, completion, error records and the timeout
// sweep. Every relevant transition is persisted whole-record and fed
// to the alert engine.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"deploywatch.org/core/eventbus"
	"deploywatch.org/core/log"
	"deploywatch.org/core/monitor/alert"
	"deploywatch.org/core/monitor/db"
	"deploywatch.org/core/monitor/models"
)

type Tracker struct {
	db     *db.DB
	bus    *eventbus.Bus
	alerts *alert.Engine
	l      *slog.Logger

	// mu guards the active index and all in-memory run mutation.
	// Persistence happens outside it, on snapshots.
	mu     sync.Mutex
	active map[string]*models.PipelineRun
	seq    map[string]uint64 // per-run snapshot counter, under mu

	// pmu orders snapshot persistence: an older whole-record write can
	// never land after a newer one. Sweep prunes the bookkeeping once
	// a run has been out of the active set for a full interval.
	pmu       sync.Mutex
	persisted map[string]uint64
	prunable  map[string]struct{}
}

func New(d *db.DB, bus *eventbus.Bus, alerts *alert.Engine, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:     d,
		bus:    bus,
		alerts: alerts,
		l:      log.SubLogger(logger, "tracker"),
		active: make(map[string]*models.PipelineRun),

		seq:       make(map[string]uint64),
		persisted: make(map[string]uint64),
		prunable:  make(map[string]struct{}),
	}
}

// snapshotLocked clones the run and assigns the clone's write
// sequence. Caller holds t.mu.
func (t *Tracker) snapshotLocked(run *models.PipelineRun) (*models.PipelineRun, uint64) {
	t.seq[run.ID]++
	return run.Clone(), t.seq[run.ID]
}

// putSnapshot persists a snapshot unless a later one for the same run
// already reached the store.
func (t *Tracker) putSnapshot(snapshot *models.PipelineRun, seq uint64) error {
	t.pmu.Lock()
	defer t.pmu.Unlock()
	if seq <= t.persisted[snapshot.ID] {
		return nil
	}
	if err := t.db.PutRun(snapshot); err != nil {
		return err
	}
	t.persisted[snapshot.ID] = seq
	return nil
}

// CreateRun validates the trigger, allocates an id and starts
// tracking a new running pipeline.
func (t *Tracker) CreateRun(ctx context.Context, trigger models.Trigger) (string, error) {
	if !models.KnownTriggerType(trigger.Type) {
		return "", models.ValidationErr("unknown trigger type %q", trigger.Type)
	}
	if trigger.Timestamp.IsZero() {
		return "", models.ValidationErr("trigger timestamp is required")
	}
	if err := models.CheckJSONSafe("trigger metadata", trigger.Metadata); err != nil {
		return "", err
	}

	run := &models.PipelineRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Status:    models.RunRunning,
		StartedAt: time.Now(),
	}

	t.mu.Lock()
	t.active[run.ID] = run
	snapshot, seq := t.snapshotLocked(run)
	t.mu.Unlock()

	if err := t.putSnapshot(snapshot, seq); err != nil {
		return "", err
	}

	t.l.Info("run started", "id", run.ID, "trigger", trigger.Type, "source", trigger.Source)
	t.bus.Publish(eventbus.TopicPipelineStarted, *snapshot)
	return run.ID, nil
}

// UpdateStage applies one stage report to an active run. The stage is
// created on first reference; timestamps and duration are stamped by
// status transition; the data bag is merged. Updates for one run apply
// in arrival order.
func (t *Tracker) UpdateStage(ctx context.Context, runID, name string, status models.StageStatus, data map[string]any) error {
	if err := models.CheckJSONSafe("stage data", data); err != nil {
		return err
	}

	t.mu.Lock()
	run, ok := t.active[runID]
	if !ok {
		t.mu.Unlock()
		return models.NotFoundErr("active run", runID)
	}

	stage := run.Stage(name)
	if stage == nil {
		stage = &models.PipelineStage{
			Name:   name,
			Status: models.StagePending,
		}
		run.Stages = append(run.Stages, stage)
	}

	now := time.Now()
	switch status {
	case models.StageRunning:
		if stage.StartedAt == nil {
			stamp := now
			stage.StartedAt = &stamp
		}
	case models.StageCompleted, models.StageFailed:
		if stage.FinishedAt == nil {
			stamp := now
			stage.FinishedAt = &stamp
		}
		// duration is set exactly once, when both timestamps exist
		if stage.StartedAt != nil && stage.Duration == 0 {
			stage.Duration = stage.FinishedAt.Sub(*stage.StartedAt)
		}
	}
	stage.Status = status

	if len(data) > 0 {
		if stage.Data == nil {
			stage.Data = make(map[string]any, len(data))
		}
		for k, v := range data {
			stage.Data[k] = v
		}
	}

	snapshot, seq := t.snapshotLocked(run)
	t.mu.Unlock()

	if err := t.putSnapshot(snapshot, seq); err != nil {
		return err
	}

	t.bus.Publish(eventbus.TopicPipelineUpdated, *snapshot)
	t.alerts.EvaluateRun(ctx, snapshot)
	return nil
}

// CompleteRun finishes a run, recomputes outcome rates from stage
// failure counts and merges caller-supplied metrics. Completing an
// already-terminal run is a no-op so metrics are never double-counted.
func (t *Tracker) CompleteRun(ctx context.Context, runID string, success bool, final *models.PerformanceMetrics) error {
	t.mu.Lock()
	run, ok := t.active[runID]
	if !ok {
		t.mu.Unlock()

		// the run may have completed or timed out already; treat
		// terminal records as a no-op rather than an error
		stored, err := t.db.GetRun(runID)
		if err != nil {
			return err
		}
		if stored.Status.Terminal() {
			return nil
		}
		return models.NotFoundErr("active run", runID)
	}

	t.finishLocked(run, success, terminalStatus(success), final)
	delete(t.active, runID)
	snapshot, seq := t.snapshotLocked(run)
	t.mu.Unlock()

	return t.finalize(ctx, snapshot, seq)
}

func terminalStatus(success bool) models.RunStatus {
	if success {
		return models.RunCompleted
	}
	return models.RunFailed
}

// finishLocked stamps the terminal state. Caller holds t.mu.
func (t *Tracker) finishLocked(run *models.PipelineRun, success bool, status models.RunStatus, final *models.PerformanceMetrics) {
	now := time.Now()
	run.FinishedAt = &now
	run.Status = status
	run.Success = success

	if final != nil {
		mergeMetrics(&run.Metrics, final)
	}
	run.Metrics.TotalPipelineTime = run.Duration()

	// outcome rates always derive from stage failure counts
	if total := len(run.Stages); total > 0 {
		run.Metrics.ErrorRate = float64(run.FailedStageCount()) / float64(total) * 100
	} else {
		run.Metrics.ErrorRate = 0
	}
	run.Metrics.SuccessRate = 100 - run.Metrics.ErrorRate
}

// mergeMetrics copies non-zero fields from src over dst, leaving
// derived fields to the caller.
func mergeMetrics(dst, src *models.PerformanceMetrics) {
	if src.WebhookLatency != 0 {
		dst.WebhookLatency = src.WebhookLatency
	}
	if src.BuildTime != 0 {
		dst.BuildTime = src.BuildTime
	}
	if src.DeploymentTime != 0 {
		dst.DeploymentTime = src.DeploymentTime
	}
	if src.SiteResponseTime != 0 {
		dst.SiteResponseTime = src.SiteResponseTime
	}
	if src.Throughput != 0 {
		dst.Throughput = src.Throughput
	}
}

// finalize persists and announces a terminal run.
func (t *Tracker) finalize(ctx context.Context, snapshot *models.PipelineRun, seq uint64) error {
	if err := t.putSnapshot(snapshot, seq); err != nil {
		return err
	}

	t.l.Info("run finished",
		"id", snapshot.ID,
		"status", snapshot.Status,
		"duration", snapshot.Duration(),
	)
	t.bus.Publish(eventbus.TopicPipelineCompleted, *snapshot)
	t.bus.Publish(eventbus.TopicMetricsUpdated, snapshot.Metrics)
	t.alerts.EvaluateRun(ctx, snapshot)
	return nil
}

// AddError appends an error record to an active run (and to the named
// stage's local list when that stage exists), then re-evaluates
// alerts.
func (t *Tracker) AddError(ctx context.Context, runID, stage, errType, message string, errCtx map[string]any) error {
	if err := models.CheckJSONSafe("error context", errCtx); err != nil {
		return err
	}

	t.mu.Lock()
	run, ok := t.active[runID]
	if !ok {
		t.mu.Unlock()
		return models.NotFoundErr("active run", runID)
	}

	run.Errors = append(run.Errors, models.ErrorRecord{
		ID:        uuid.NewString(),
		Stage:     stage,
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Context:   errCtx,
	})
	if s := run.Stage(stage); s != nil {
		s.Errors = append(s.Errors, message)
	}

	snapshot, seq := t.snapshotLocked(run)
	t.mu.Unlock()

	if err := t.putSnapshot(snapshot, seq); err != nil {
		return err
	}

	t.bus.Publish(eventbus.TopicPipelineUpdated, *snapshot)
	t.alerts.EvaluateRun(ctx, snapshot)
	return nil
}

// RecordWebhook persists an observed webhook relay and runs the
// webhook alert rules over it.
func (t *Tracker) RecordWebhook(ctx context.Context, rec *models.WebhookRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Source == "" || rec.Destination == "" {
		return models.ValidationErr("webhook record requires source and destination")
	}
	if err := models.CheckJSONSafe("webhook payload", rec.Payload); err != nil {
		return err
	}

	if err := t.db.PutWebhookRecord(rec); err != nil {
		return err
	}

	t.alerts.EvaluateWebhook(ctx, rec)
	return nil
}

// GetRun returns the live copy of an active run, falling back to the
// store for historical ones.
func (t *Tracker) GetRun(runID string) (*models.PipelineRun, error) {
	t.mu.Lock()
	if run, ok := t.active[runID]; ok {
		snapshot := run.Clone()
		t.mu.Unlock()
		return snapshot, nil
	}
	t.mu.Unlock()

	return t.db.GetRun(runID)
}

// ListRuns queries stored runs filtered by status with limit/offset.
func (t *Tracker) ListRuns(status models.RunStatus, limit, offset int) ([]*models.PipelineRun, error) {
	return t.db.ListRuns(status, limit, offset)
}

// ActiveCount reports how many runs are currently in flight.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// MetricsWindow aggregates terminal runs over the trailing window.
func (t *Tracker) MetricsWindow(window time.Duration) (*models.AggregatedMetrics, error) {
	now := time.Now()
	since := now.Add(-window)

	runs, err := t.db.RunsFinishedSince(since)
	if err != nil {
		return nil, err
	}

	agg := &models.AggregatedMetrics{
		WindowStart: since,
		WindowEnd:   now,
		TotalRuns:   len(runs),
	}

	var totalDuration time.Duration
	for _, run := range runs {
		switch run.Status {
		case models.RunCompleted:
			agg.Succeeded++
		case models.RunTimeout:
			agg.TimedOut++
		default:
			agg.Failed++
		}
		totalDuration += run.Duration()
	}

	if agg.TotalRuns > 0 {
		agg.AvgDuration = totalDuration / time.Duration(agg.TotalRuns)
		agg.SuccessRate = float64(agg.Succeeded) / float64(agg.TotalRuns) * 100
		agg.ErrorRate = 100 - agg.SuccessRate
		agg.Throughput = float64(agg.TotalRuns) / window.Minutes()
	}

	return agg, nil
}
