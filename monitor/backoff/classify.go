package backoff

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ClassifyResponse maps an HTTP status and/or transport error to a
// failure classification for Decide.
func ClassifyResponse(status int, err error) Classification {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ClassTimeout
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ClassTimeout
		}
		return ClassNetwork
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuthentication
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status >= 500:
		return ClassServerError
	case status >= 400:
		return ClassPayload
	}
	return ClassServerError
}

// RateLimitInfo extracts remaining-quota state from a rate-limited
// response's headers, for QuotaAwareDelay. A Retry-After header wins
// over the X-RateLimit pair and means the quota is spent until the
// given instant. ok is false when the response advertises nothing
// usable.
func RateLimitInfo(h http.Header, now time.Time) (remaining int, resetAt time.Time, ok bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return 0, now.Add(time.Duration(secs) * time.Second), true
		}
		if at, err := http.ParseTime(v); err == nil {
			return 0, at, true
		}
	}

	rem, reset := h.Get("X-RateLimit-Remaining"), h.Get("X-RateLimit-Reset")
	if rem == "" || reset == "" {
		return 0, time.Time{}, false
	}
	remaining, err := strconv.Atoi(rem)
	if err != nil {
		return 0, time.Time{}, false
	}
	unix, err := strconv.ParseInt(reset, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return remaining, time.Unix(unix, 0), true
}
