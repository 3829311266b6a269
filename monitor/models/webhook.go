package models

import (
	"time"
)

type WebhookResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookTiming captures the relay round trip. Timeouts are detected
// retrospectively from Sent/Processed, never by cancelling the call.
type WebhookTiming struct {
	Sent      time.Time `json:"sent"`
	Received  time.Time `json:"received"`
	Processed time.Time `json:"processed"`
}

func (t WebhookTiming) RoundTrip() time.Duration {
	if t.Processed.IsZero() || t.Sent.IsZero() {
		return 0
	}
	return t.Processed.Sub(t.Sent)
}

type WebhookAuth struct {
	Method  string   `json:"method"`
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`
}

type RetryAttempt struct {
	Attempt   int           `json:"attempt"`
	Timestamp time.Time     `json:"timestamp"`
	Reason    string        `json:"reason"`
	Success   bool          `json:"success"`
	Delay     time.Duration `json:"delay"`
}

// WebhookRecord is one observed webhook relay between pipeline
// collaborators, including its delivery retries.
type WebhookRecord struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	Source         string          `json:"source"`
	Destination    string          `json:"destination"`
	Payload        map[string]any  `json:"payload,omitempty"`
	Response       WebhookResponse `json:"response"`
	Timing         WebhookTiming   `json:"timing"`
	Authentication WebhookAuth     `json:"authentication"`
	Retries        []RetryAttempt  `json:"retries,omitempty"`
}
