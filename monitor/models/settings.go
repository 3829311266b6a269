package models

import (
	"time"
)

// Thresholds configure the alert rules. Zero means "use default".
type Thresholds struct {
	SlowPipeline     time.Duration `json:"slow_pipeline"`
	SlowBuild        time.Duration `json:"slow_build"`
	WebhookRoundTrip time.Duration `json:"webhook_round_trip"`
}

// ChannelSettings is the runtime-tunable configuration of one
// notification channel. Reconfiguration replaces these in place; the
// channel itself is registered exactly once at startup.
type ChannelSettings struct {
	Enabled     bool          `json:"enabled"`
	MinSeverity Severity      `json:"min_severity,omitempty"`
	Recipients  []string      `json:"recipients,omitempty"`
	URL         string        `json:"url,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

type RetrySettings struct {
	MaxAttempts int `json:"max_attempts"`
}

// Settings is the single persisted monitoring configuration blob,
// owned by the alert engine and updated through one path.
type Settings struct {
	Thresholds     Thresholds                 `json:"thresholds"`
	Cooldown       time.Duration              `json:"cooldown"`
	CooldownByType map[string]time.Duration   `json:"cooldown_by_type,omitempty"`
	Channels       map[string]ChannelSettings `json:"channels,omitempty"`
	Retry          RetrySettings              `json:"retry"`
	RunTimeout     time.Duration              `json:"run_timeout"`
}

// DefaultSettings seeds the configuration on first start.
func DefaultSettings() Settings {
	return Settings{
		Thresholds: Thresholds{
			SlowPipeline:     10 * time.Minute,
			SlowBuild:        10 * time.Minute,
			WebhookRoundTrip: 30 * time.Second,
		},
		Cooldown: 5 * time.Minute,
		Channels: map[string]ChannelSettings{
			"console":   {Enabled: true},
			"dashboard": {Enabled: true},
			"email":     {},
			"webhook":   {Timeout: 10 * time.Second},
		},
		Retry:      RetrySettings{MaxAttempts: 3},
		RunTimeout: 5 * time.Minute,
	}
}

// CooldownFor returns the cooldown window for an alert type, honoring
// per-type overrides.
func (s Settings) CooldownFor(alertType string) time.Duration {
	if d, ok := s.CooldownByType[alertType]; ok {
		return d
	}
	return s.Cooldown
}
