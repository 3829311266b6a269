package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deploywatch.org/core/eventbus"
	"deploywatch.org/core/log"
	"deploywatch.org/core/monitor/alert"
	"deploywatch.org/core/monitor/db"
	"deploywatch.org/core/monitor/models"
)

func testTracker(t *testing.T) (*Tracker, *db.DB) {
	t.Helper()
	d, err := db.Make(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	logger := log.New("test")
	engine, err := alert.New(d, eventbus.New(), logger)
	require.NoError(t, err)

	return New(d, eventbus.New(), engine, logger), d
}

func webhookTrigger() models.Trigger {
	return models.Trigger{
		Type:      models.TriggerWebhook,
		Source:    "content-cms",
		Timestamp: time.Now(),
	}
}

func TestCreateRunValidatesTrigger(t *testing.T) {
	trk, _ := testTracker(t)
	ctx := context.Background()

	_, err := trk.CreateRun(ctx, models.Trigger{Type: "cron", Timestamp: time.Now()})
	assert.True(t, models.IsValidation(err), "unknown trigger type must be rejected")

	_, err = trk.CreateRun(ctx, models.Trigger{Type: models.TriggerManual})
	assert.True(t, models.IsValidation(err), "zero timestamp must be rejected")

	id, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, trk.ActiveCount())
}

func TestCreateRunPersists(t *testing.T) {
	trk, d := testTracker(t)

	id, err := trk.CreateRun(context.Background(), webhookTrigger())
	require.NoError(t, err)

	stored, err := d.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, stored.Status)
	assert.Equal(t, "content-cms", stored.Trigger.Source)
}

func TestStageDurations(t *testing.T) {
	trk, _ := testTracker(t)
	ctx := context.Background()

	id, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)

	require.NoError(t, trk.UpdateStage(ctx, id, "build", models.StageRunning, nil))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, trk.UpdateStage(ctx, id, "build", models.StageCompleted, nil))
	require.NoError(t, trk.CompleteRun(ctx, id, true, nil))

	run, err := trk.GetRun(id)
	require.NoError(t, err)

	stage := run.Stage("build")
	require.NotNil(t, stage)
	require.NotNil(t, stage.StartedAt)
	require.NotNil(t, stage.FinishedAt)
	assert.Equal(t, stage.FinishedAt.Sub(*stage.StartedAt), stage.Duration)
	assert.Positive(t, stage.Duration)

	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, run.FinishedAt.Sub(run.StartedAt), run.Duration())
	assert.Equal(t, run.Duration(), run.Metrics.TotalPipelineTime)
}

func TestStageRereportMergesByName(t *testing.T) {
	trk, _ := testTracker(t)
	ctx := context.Background()

	id, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)

	require.NoError(t, trk.UpdateStage(ctx, id, "deploy", models.StageRunning, map[string]any{"target": "cdn"}))
	require.NoError(t, trk.UpdateStage(ctx, id, "deploy", models.StageCompleted, map[string]any{"objects": 42}))

	run, err := trk.GetRun(id)
	require.NoError(t, err)
	require.Len(t, run.Stages, 1, "stages are keyed by name, not position")

	stage := run.Stages[0]
	assert.Equal(t, models.StageCompleted, stage.Status)
	assert.Equal(t, "cdn", stage.Data["target"])
	assert.EqualValues(t, 42, stage.Data["objects"])
}

func TestUpdateStageUnknownRun(t *testing.T) {
	trk, _ := testTracker(t)

	err := trk.UpdateStage(context.Background(), "missing", "build", models.StageRunning, nil)
	assert.True(t, models.IsNotFound(err))
}

func TestCompleteRunIsIdempotent(t *testing.T) {
	trk, _ := testTracker(t)
	ctx := context.Background()

	id, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)
	require.NoError(t, trk.UpdateStage(ctx, id, "build", models.StageCompleted, nil))

	require.NoError(t, trk.CompleteRun(ctx, id, true, &models.PerformanceMetrics{BuildTime: time.Minute}))

	first, err := trk.GetRun(id)
	require.NoError(t, err)

	// a repeated completion must not flip the outcome or re-count
	// metrics
	require.NoError(t, trk.CompleteRun(ctx, id, false, &models.PerformanceMetrics{BuildTime: time.Hour}))

	second, err := trk.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, second.Status)
	assert.True(t, second.Success)
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.Equal(t, first.FinishedAt.UnixNano(), second.FinishedAt.UnixNano())
}

func TestCompleteRunUnknown(t *testing.T) {
	trk, _ := testTracker(t)

	err := trk.CompleteRun(context.Background(), "missing", true, nil)
	assert.True(t, models.IsNotFound(err))
}

func TestOutcomeRatesFromStageFailures(t *testing.T) {
	trk, _ := testTracker(t)
	ctx := context.Background()

	id, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)

	require.NoError(t, trk.UpdateStage(ctx, id, "build", models.StageCompleted, nil))
	require.NoError(t, trk.UpdateStage(ctx, id, "deploy", models.StageFailed, nil))
	require.NoError(t, trk.CompleteRun(ctx, id, false, nil))

	run, err := trk.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.InDelta(t, 50.0, run.Metrics.ErrorRate, 0.001)
	assert.InDelta(t, 50.0, run.Metrics.SuccessRate, 0.001)
}

func TestMetricsMerge(t *testing.T) {
	trk, _ := testTracker(t)
	ctx := context.Background()

	id, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)

	final := &models.PerformanceMetrics{
		BuildTime:      2 * time.Minute,
		DeploymentTime: 30 * time.Second,
		// stale caller-side rates must be overridden by the
		// stage-derived computation
		ErrorRate:   99,
		SuccessRate: 1,
	}
	require.NoError(t, trk.CompleteRun(ctx, id, true, final))

	run, err := trk.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, run.Metrics.BuildTime)
	assert.Equal(t, 30*time.Second, run.Metrics.DeploymentTime)
	assert.Zero(t, run.Metrics.ErrorRate)
	assert.InDelta(t, 100.0, run.Metrics.SuccessRate, 0.001)
}

func TestAddError(t *testing.T) {
	trk, _ := testTracker(t)
	ctx := context.Background()

	id, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)
	require.NoError(t, trk.UpdateStage(ctx, id, "build", models.StageRunning, nil))

	err = trk.AddError(ctx, id, "build", "build_error", "tsc exited 2", map[string]any{"exit_code": 2})
	require.NoError(t, err)

	run, err := trk.GetRun(id)
	require.NoError(t, err)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "build_error", run.Errors[0].Type)
	assert.Equal(t, "tsc exited 2", run.Errors[0].Message)
	assert.NotEmpty(t, run.Errors[0].ID)

	stage := run.Stage("build")
	require.NotNil(t, stage)
	assert.Equal(t, []string{"tsc exited 2"}, stage.Errors)

	err = trk.AddError(ctx, "missing", "build", "x", "y", nil)
	assert.True(t, models.IsNotFound(err))
}

func TestRejectsUnencodableDataBags(t *testing.T) {
	trk, _ := testTracker(t)
	ctx := context.Background()

	trigger := webhookTrigger()
	trigger.Metadata = map[string]any{"ch": make(chan int)}
	_, err := trk.CreateRun(ctx, trigger)
	assert.True(t, models.IsValidation(err))

	id, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)

	err = trk.UpdateStage(ctx, id, "build", models.StageRunning, map[string]any{"fn": func() {}})
	assert.True(t, models.IsValidation(err))

	err = trk.AddError(ctx, id, "build", "x", "y", map[string]any{"ch": make(chan int)})
	assert.True(t, models.IsValidation(err))

	err = trk.RecordWebhook(ctx, &models.WebhookRecord{
		Source:      "content-cms",
		Destination: "builder",
		Payload:     map[string]any{"ch": make(chan int)},
	})
	assert.True(t, models.IsValidation(err))

	// the rejected updates never touched the run
	run, err := trk.GetRun(id)
	require.NoError(t, err)
	assert.Empty(t, run.Stages)
	assert.Empty(t, run.Errors)
}

func TestStaleSnapshotNeverOverwritesNewer(t *testing.T) {
	trk, d := testTracker(t)
	ctx := context.Background()

	id, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)

	trk.mu.Lock()
	run := trk.active[id]
	run.Stages = append(run.Stages, &models.PipelineStage{Name: "build", Status: models.StageRunning})
	older, olderSeq := trk.snapshotLocked(run)
	run.Stages[0].Status = models.StageCompleted
	newer, newerSeq := trk.snapshotLocked(run)
	trk.mu.Unlock()

	// the writes land out of order; the stale one must be dropped
	require.NoError(t, trk.putSnapshot(newer, newerSeq))
	require.NoError(t, trk.putSnapshot(older, olderSeq))

	stored, err := d.GetRun(id)
	require.NoError(t, err)
	require.Len(t, stored.Stages, 1)
	assert.Equal(t, models.StageCompleted, stored.Stages[0].Status)
}

func TestSweepTimesOutStaleRuns(t *testing.T) {
	trk, _ := testTracker(t)
	ctx := context.Background()

	stale, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)
	fresh, err := trk.CreateRun(ctx, webhookTrigger())
	require.NoError(t, err)

	// age one run past the 5 minute default
	trk.mu.Lock()
	trk.active[stale].StartedAt = time.Now().Add(-10 * time.Minute)
	trk.mu.Unlock()

	trk.Sweep(ctx)

	assert.Equal(t, 1, trk.ActiveCount())

	run, err := trk.GetRun(stale)
	require.NoError(t, err)
	assert.Equal(t, models.RunTimeout, run.Status)
	assert.False(t, run.Success)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "timeout", run.Errors[0].Type)

	// a late CompleteRun for the swept run is a harmless no-op
	require.NoError(t, trk.CompleteRun(ctx, stale, true, nil))
	run, err = trk.GetRun(stale)
	require.NoError(t, err)
	assert.Equal(t, models.RunTimeout, run.Status)

	// the fresh run is untouched
	got, err := trk.GetRun(fresh)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)
}

func TestRecordWebhook(t *testing.T) {
	trk, d := testTracker(t)
	ctx := context.Background()

	err := trk.RecordWebhook(ctx, &models.WebhookRecord{Source: "content-cms"})
	assert.True(t, models.IsValidation(err))

	rec := &models.WebhookRecord{
		RunID:       "r1",
		Source:      "content-cms",
		Destination: "builder",
		Timing:      models.WebhookTiming{Sent: time.Now()},
		Response:    models.WebhookResponse{Status: 200},
		Authentication: models.WebhookAuth{
			Method:  "hmac",
			Success: true,
		},
	}
	require.NoError(t, trk.RecordWebhook(ctx, rec))
	assert.NotEmpty(t, rec.ID, "an id is allocated when missing")

	stored, err := d.GetWebhookRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "builder", stored.Destination)
}

func TestMetricsWindow(t *testing.T) {
	trk, d := testTracker(t)

	now := time.Now()
	mk := func(id string, status models.RunStatus, dur time.Duration) *models.PipelineRun {
		finished := now.Add(-time.Minute)
		started := finished.Add(-dur)
		return &models.PipelineRun{
			ID:         id,
			Status:     status,
			StartedAt:  started,
			FinishedAt: &finished,
			Success:    status == models.RunCompleted,
		}
	}
	require.NoError(t, d.PutRun(mk("r1", models.RunCompleted, 2*time.Minute)))
	require.NoError(t, d.PutRun(mk("r2", models.RunCompleted, 4*time.Minute)))
	require.NoError(t, d.PutRun(mk("r3", models.RunFailed, 3*time.Minute)))
	require.NoError(t, d.PutRun(mk("r4", models.RunTimeout, 6*time.Minute)))

	agg, err := trk.MetricsWindow(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, agg.TotalRuns)
	assert.Equal(t, 2, agg.Succeeded)
	assert.Equal(t, 1, agg.Failed)
	assert.Equal(t, 1, agg.TimedOut)
	assert.InDelta(t, 50.0, agg.SuccessRate, 0.001)
	assert.Equal(t, 15*time.Minute/4, agg.AvgDuration)
	assert.InDelta(t, 4.0/60.0, agg.Throughput, 0.001)
}
