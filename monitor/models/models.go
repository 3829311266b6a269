package models

import (
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
)

// Terminal reports whether a run status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunTimeout
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerGit       TriggerType = "git"
	TriggerWebhook   TriggerType = "webhook"
	TriggerScheduled TriggerType = "scheduled"
)

// KnownTriggerType reports whether t is one of the accepted trigger
// kinds. CreateRun rejects anything else before any state is mutated.
func KnownTriggerType(t TriggerType) bool {
	switch t {
	case TriggerManual, TriggerGit, TriggerWebhook, TriggerScheduled:
		return true
	}
	return false
}

type Trigger struct {
	Type      TriggerType    `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PipelineStage is one named phase of a run. Stages are keyed by name,
// not position: a retried reporter may re-report the same stage and
// must land on the existing entry.
type PipelineStage struct {
	Name       string         `json:"name"`
	Status     StageStatus    `json:"status"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Data       map[string]any `json:"data,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
}

type ErrorRecord struct {
	ID        string         `json:"id"`
	Stage     string         `json:"stage"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// PerformanceMetrics aggregates timing and outcome numbers for a run.
// ErrorRate and SuccessRate are percentages and sum to 100 when
// derived from stage failure counts.
type PerformanceMetrics struct {
	WebhookLatency    time.Duration `json:"webhook_latency"`
	BuildTime         time.Duration `json:"build_time"`
	DeploymentTime    time.Duration `json:"deployment_time"`
	SiteResponseTime  time.Duration `json:"site_response_time"`
	TotalPipelineTime time.Duration `json:"total_pipeline_time"`
	ErrorRate         float64       `json:"error_rate"`
	SuccessRate       float64       `json:"success_rate"`
	Throughput        float64       `json:"throughput"`
}

type PipelineRun struct {
	ID         string             `json:"id"`
	Trigger    Trigger            `json:"trigger"`
	Stages     []*PipelineStage   `json:"stages"`
	Status     RunStatus          `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Success    bool               `json:"success"`
	Errors     []ErrorRecord      `json:"errors,omitempty"`
	Metrics    PerformanceMetrics `json:"metrics"`
}

// Stage returns the named stage, or nil if the run has never seen it.
func (r *PipelineRun) Stage(name string) *PipelineStage {
	for _, s := range r.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// FailedStageCount counts stages that ended in failure.
func (r *PipelineRun) FailedStageCount() int {
	n := 0
	for _, s := range r.Stages {
		if s.Status == StageFailed {
			n++
		}
	}
	return n
}

// Duration is the total wall time of the run, zero until it finishes.
func (r *PipelineRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
