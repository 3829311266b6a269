package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deploywatch.org/core/monitor/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Make(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func testRun(id string, status models.RunStatus) *models.PipelineRun {
	return &models.PipelineRun{
		ID: id,
		Trigger: models.Trigger{
			Type:      models.TriggerWebhook,
			Source:    "content-cms",
			Timestamp: time.Now(),
		},
		Status:    status,
		StartedAt: time.Now(),
	}
}

func TestRunRoundTrip(t *testing.T) {
	d := testDB(t)

	run := testRun("r1", models.RunRunning)
	run.Stages = append(run.Stages, &models.PipelineStage{
		Name:   "build",
		Status: models.StageCompleted,
		Data:   map[string]any{"artifact": "site.tar.gz"},
	})
	require.NoError(t, d.PutRun(run))

	got, err := d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, models.TriggerWebhook, got.Trigger.Type)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, "site.tar.gz", got.Stages[0].Data["artifact"])
}

func TestGetRunNotFound(t *testing.T) {
	d := testDB(t)

	_, err := d.GetRun("missing")
	assert.True(t, models.IsNotFound(err))
}

func TestPutRunReplacesWholeRecord(t *testing.T) {
	d := testDB(t)

	run := testRun("r1", models.RunRunning)
	require.NoError(t, d.PutRun(run))

	run.Status = models.RunFailed
	run.Errors = []models.ErrorRecord{{ID: "e1", Message: "boom"}}
	require.NoError(t, d.PutRun(run))

	got, err := d.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	require.Len(t, got.Errors, 1)
}

func TestListRunsFilters(t *testing.T) {
	d := testDB(t)

	require.NoError(t, d.PutRun(testRun("r1", models.RunCompleted)))
	require.NoError(t, d.PutRun(testRun("r2", models.RunFailed)))
	require.NoError(t, d.PutRun(testRun("r3", models.RunFailed)))

	failed, err := d.ListRuns(models.RunFailed, 10, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	all, err := d.ListRuns("", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := d.ListRuns("", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestRunsFinishedSinceUsesFinishTime(t *testing.T) {
	d := testDB(t)
	now := time.Now()

	// started before the window, finished inside it
	long := testRun("r1", models.RunCompleted)
	long.StartedAt = now.Add(-2 * time.Hour)
	longFin := now.Add(-30 * time.Minute)
	long.FinishedAt = &longFin
	require.NoError(t, d.PutRun(long))

	old := testRun("r2", models.RunCompleted)
	old.StartedAt = now.Add(-3 * time.Hour)
	oldFin := now.Add(-2 * time.Hour)
	old.FinishedAt = &oldFin
	require.NoError(t, d.PutRun(old))

	require.NoError(t, d.PutRun(testRun("r3", models.RunRunning)))

	runs, err := d.RunsFinishedSince(now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
}

func TestSettingsSeedAndRoundTrip(t *testing.T) {
	d := testDB(t)

	_, found, err := d.GetSettings()
	require.NoError(t, err)
	assert.False(t, found, "fresh store has no settings")

	want := models.DefaultSettings()
	want.Cooldown = 2 * time.Minute
	require.NoError(t, d.PutSettings(want))

	got, found, err := d.GetSettings()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2*time.Minute, got.Cooldown)
	assert.Equal(t, want.Thresholds, got.Thresholds)
}

func TestAlertActiveFilter(t *testing.T) {
	d := testDB(t)

	active := &models.Alert{
		ID: "a1", Type: models.AlertPipelineFailure, Severity: models.SeverityHigh,
		Timestamp: time.Now(), Status: models.AlertActive, Signature: "sig-1", Occurrences: 1,
	}
	resolved := &models.Alert{
		ID: "a2", Type: models.AlertSlowBuild, Severity: models.SeverityMedium,
		Timestamp: time.Now(), Status: models.AlertResolved, Signature: "sig-2", Occurrences: 4,
	}
	require.NoError(t, d.PutAlert(active))
	require.NoError(t, d.PutAlert(resolved))

	got, err := d.ListAlerts(true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)

	all, err := d.ListAlerts(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWebhookRecordsByRun(t *testing.T) {
	d := testDB(t)

	now := time.Now()
	for i, id := range []string{"w1", "w2"} {
		require.NoError(t, d.PutWebhookRecord(&models.WebhookRecord{
			ID:    id,
			RunID: "r1",
			Timing: models.WebhookTiming{
				Sent: now.Add(time.Duration(i) * time.Second),
			},
			Response: models.WebhookResponse{Status: 200},
		}))
	}
	require.NoError(t, d.PutWebhookRecord(&models.WebhookRecord{
		ID: "w3", RunID: "r2",
		Timing: models.WebhookTiming{Sent: now},
	}))

	recs, err := d.ListWebhookRecords("r1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "w1", recs[0].ID)
	assert.Equal(t, "w2", recs[1].ID)
}

func TestEventsCursor(t *testing.T) {
	d := testDB(t)

	require.NoError(t, d.InsertEvent("pipeline_started", map[string]any{"id": "r1"}, 100))
	require.NoError(t, d.InsertEvent("pipeline_completed", map[string]any{"id": "r1"}, 200))

	evts, err := d.GetEvents(0)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "pipeline_started", evts[0].Topic)

	evts, err = d.GetEvents(100)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "pipeline_completed", evts[0].Topic)
	assert.Equal(t, int64(200), evts[0].Created)
}
