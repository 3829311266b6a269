package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"

	"deploywatch.org/core/monitor/backoff"
	"deploywatch.org/core/monitor/models"
)

// Webhook POSTs alerts to a configured URL. Transient delivery
// failures are retried per the backoff coordinator's decision;
// authentication and payload failures are not. Rate-limited responses
// additionally feed any advertised quota state into the quota-aware
// delay, and the longer wait wins.
type Webhook struct {
	settingsHolder
	client *http.Client
	policy backoff.Policy
}

func NewWebhook(policy backoff.Policy, settings models.ChannelSettings) *Webhook {
	w := &Webhook{
		client: &http.Client{},
		policy: policy,
	}
	w.Configure(settings)
	return w
}

func (w *Webhook) Name() string { return "webhook" }

// deliveryError carries the failure classification, and any quota
// state the response advertised, through retry-go so the delay
// function can consult the coordinator.
type deliveryError struct {
	class     backoff.Classification
	quota     bool
	remaining int
	resetAt   time.Time
	err       error
}

func (e *deliveryError) Error() string { return e.err.Error() }
func (e *deliveryError) Unwrap() error { return e.err }

func (w *Webhook) Send(ctx context.Context, alert *models.Alert) error {
	settings := w.Settings()
	if settings.URL == "" {
		return fmt.Errorf("webhook channel has no URL configured")
	}
	if u, err := url.Parse(settings.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("webhook channel URL %q is not valid", settings.URL)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	timeout := settings.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return retry.Do(
		func() error {
			return w.post(ctx, settings.URL, payload, timeout)
		},
		retry.Attempts(uint(w.policy.MaxAttempts)),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			return w.retryDelay(n, err)
		}),
	)
}

// retryDelay picks the wait before the next attempt. Rate-limited
// failures consult both the backoff decision and the quota-aware
// delay; the longer wait wins.
func (w *Webhook) retryDelay(n uint, err error) time.Duration {
	var de *deliveryError
	if !errors.As(err, &de) {
		return w.policy.TransientBase
	}
	// n is zero-based; the coordinator counts failed attempts
	d := w.policy.Decide(int(n)+1, de.class)
	if de.quota {
		return backoff.QuotaAwareDelay(d, de.remaining, de.resetAt, time.Now())
	}
	return d.Delay
}

func (w *Webhook) post(ctx context.Context, target string, payload []byte, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		class := backoff.ClassifyResponse(0, err)
		if d := w.policy.Decide(1, class); !d.Retry {
			return retry.Unrecoverable(&deliveryError{class: class, err: err})
		}
		return &deliveryError{class: class, err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("webhook delivery returned status %d", resp.StatusCode)
		class := backoff.ClassifyResponse(resp.StatusCode, nil)
		if d := w.policy.Decide(1, class); !d.Retry {
			return retry.Unrecoverable(&deliveryError{class: class, err: err})
		}
		de := &deliveryError{class: class, err: err}
		if class == backoff.ClassRateLimit {
			de.remaining, de.resetAt, de.quota = backoff.RateLimitInfo(resp.Header, time.Now())
		}
		return de
	}

	return nil
}
