package scheduler

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"
)

// retryBaseDelay is the unjittered delay before the first retry. Package var
// so tests can shrink it.
var retryBaseDelay = time.Second

// APIError is the error shape call functions are expected to return for
// HTTP-level provider failures. RetryAfter carries the raw Retry-After
// header value when the provider sent one.
type APIError struct {
	StatusCode int
	RetryAfter string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d", e.StatusCode)
}

// IsRetryable reports whether err is a transient provider failure: HTTP 429
// or any 5xx. Everything else, including errors that carry no status at all,
// is permanent and surfaces to the caller immediately.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	s := apiErr.StatusCode
	return s == 429 || (s >= 500 && s <= 599)
}

// retryAfterValue extracts the Retry-After header carried by err, if any.
func retryAfterValue(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return ""
}

// retryDelay computes the wait before retry number attempt (1-indexed). A
// Retry-After header that parses as an integer number of seconds takes
// precedence. Otherwise the delay grows exponentially from retryBaseDelay
// and is randomized symmetrically within cfg.JitterRange to spread out
// synchronized retries.
func retryDelay(attempt int, cfg ServiceConfig, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			if secs < 0 {
				secs = 0
			}
			return time.Duration(secs) * time.Second
		}
	}
	d := float64(retryBaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if cfg.JitterRange > 0 {
		d *= (1 - cfg.JitterRange) + rand.Float64()*(2*cfg.JitterRange)
	}
	return time.Duration(d)
}
