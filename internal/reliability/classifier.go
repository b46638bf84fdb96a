package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableUpstreamCode classifies upstream realtime error codes that a
// client may retry by opening a fresh session. Mid-conversation state cannot
// be replayed, so the relay itself never retries.
func IsRetryableUpstreamCode(code string) bool {
	switch code {
	case "rate_limited", "resource_exhausted", "unavailable", "deadline_exceeded", "go_away":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
