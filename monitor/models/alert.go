package models

import (
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at or above min on the severity scale.
// Unknown severities rank lowest.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// Alert types raised by the threshold rules.
const (
	AlertPipelineFailure    = "pipeline_failure"
	AlertSlowPipeline       = "slow_pipeline"
	AlertStageFailure       = "stage_failure"
	AlertSlowBuild          = "slow_build"
	AlertWebhookTimeout     = "webhook_timeout"
	AlertWebhookAuthFailure = "webhook_auth_failure"
	AlertWebhookError       = "webhook_error"
)

// Alert is a deduplicated operator-facing condition. At most one
// active alert exists per signature; repeat occurrences bump
// Occurrences and LastSeen instead of spawning duplicates.
type Alert struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Status    AlertStatus    `json:"status"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	Signature   string    `json:"signature"`
	Occurrences int       `json:"occurrences"`
	LastSeen    time.Time `json:"last_seen"`
}
