package anthropic

import (
	"net/http"
	"strconv"
	"time"

	ccflare "github.com/ccflare/ccflare/internal"
)

// Unified rate-limit headers announced on Messages API responses. The reset
// header carries epoch seconds on the API surface and RFC3339 on some older
// edges, so both are accepted.
const (
	hdrUnifiedStatus = "anthropic-ratelimit-unified-5h-status"
	hdrUnifiedReset  = "anthropic-ratelimit-unified-5h-reset"
	hdrRemaining     = "anthropic-ratelimit-requests-remaining"
	hdrRetryAfter    = "retry-after"
)

// ParseRateLimit interprets upstream status and headers into a normalized
// signal. A 429 or an explicit "rejected" unified status marks the account
// limited; window fields are captured whenever announced.
func (a *Adapter) ParseRateLimit(status int, h http.Header) ccflare.RateLimitSignal {
	sig := ccflare.RateLimitSignal{
		Status:  h.Get(hdrUnifiedStatus),
		Limited: status == http.StatusTooManyRequests,
	}
	if sig.Status == "rejected" {
		sig.Limited = true
	}

	if v := h.Get(hdrUnifiedReset); v != "" {
		if ms, ok := parseResetMs(v); ok {
			sig.ResetAt = &ms
		}
	}
	if v := h.Get(hdrRemaining); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sig.Remaining = &n
		}
	}
	if v := h.Get(hdrRetryAfter); v != "" {
		if ms, ok := parseRetryAfterMs(v); ok {
			sig.RetryAfterMs = &ms
		}
	}
	return sig
}

// parseResetMs accepts epoch seconds or RFC3339 and returns epoch ms.
func parseResetMs(v string) (int64, bool) {
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return sec * 1000, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UnixMilli(), true
	}
	return 0, false
}

// parseRetryAfterMs accepts delay-seconds or an HTTP-date and returns a
// relative hold in ms.
func parseRetryAfterMs(v string) (int64, bool) {
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec >= 0 {
		return sec * 1000, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d.Milliseconds(), true
		}
		return 0, true
	}
	return 0, false
}
