// Package retrypolicy computes retryability and backoff delays for
// failed deliveries. A Policy is a value object: deliveries carry a
// snapshot of their endpoint's policy taken at creation time, so later
// endpoint edits never change the retry behaviour of in-flight rows.
package retrypolicy

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/classify"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 60 * time.Second
	DefaultMaxDelay    = 3600 * time.Second
)

// DefaultRetryableStatuses are the HTTP statuses retried unless the
// endpoint configures its own set.
func DefaultRetryableStatuses() []int {
	return []int{408, 429, 500, 502, 503, 504}
}

var retryableErrorCodes = map[string]bool{
	classify.ConnectionTimeout: true,
	classify.ReadTimeout:       true,
	classify.ConnectionRefused: true,
	classify.ConnectionReset:   true,
	classify.DNSError:          true,
}

type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RetryableStatuses []int
}

// Default returns the policy applied when an endpoint has no retry
// configuration of its own.
func Default() Policy {
	return Policy{
		MaxAttempts:       DefaultMaxAttempts,
		BaseDelay:         DefaultBaseDelay,
		MaxDelay:          DefaultMaxDelay,
		RetryableStatuses: DefaultRetryableStatuses(),
	}
}

// snapshot is the persisted JSON form. Delays are stored as integer
// seconds to stay compatible with the endpoint retry_config column.
type snapshot struct {
	MaxAttempts       int   `json:"max_attempts"`
	BaseDelay         int64 `json:"base_delay"`
	MaxDelay          int64 `json:"max_delay"`
	RetryableStatuses []int `json:"retryable_statuses"`
}

// FromSnapshot parses a persisted policy snapshot. Missing fields fall
// back to defaults; an empty or unparseable snapshot yields the default
// policy so a bad row degrades to standard behaviour instead of failing.
func FromSnapshot(raw []byte) Policy {
	p := Default()
	if len(raw) == 0 {
		return p
	}
	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return p
	}
	if s.MaxAttempts > 0 {
		p.MaxAttempts = s.MaxAttempts
	}
	if s.BaseDelay > 0 {
		p.BaseDelay = time.Duration(s.BaseDelay) * time.Second
	}
	if s.MaxDelay > 0 {
		p.MaxDelay = time.Duration(s.MaxDelay) * time.Second
	}
	if s.RetryableStatuses != nil {
		p.RetryableStatuses = s.RetryableStatuses
	}
	return p
}

// Snapshot serializes the policy for persistence on a delivery row.
func (p Policy) Snapshot() []byte {
	b, _ := json.Marshal(snapshot{
		MaxAttempts:       p.MaxAttempts,
		BaseDelay:         int64(p.BaseDelay / time.Second),
		MaxDelay:          int64(p.MaxDelay / time.Second),
		RetryableStatuses: p.RetryableStatuses,
	})
	return b
}

// Retryable reports whether a failure with the given HTTP status and
// error code may be retried. A verified TLS failure is never retried:
// it signals a real trust problem. When the endpoint intentionally
// disabled verification, a TLS error is treated as transient.
func (p Policy) Retryable(httpStatus int, errorCode string, sslVerify bool) bool {
	for _, s := range p.RetryableStatuses {
		if s == httpStatus {
			return true
		}
	}
	if retryableErrorCodes[errorCode] {
		return true
	}
	if errorCode == classify.SSLError && !sslVerify {
		return true
	}
	return false
}

// ShouldRetry is false once attemptCount has reached MaxAttempts,
// regardless of how retryable the failure itself is.
func (p Policy) ShouldRetry(attemptCount, httpStatus int, errorCode string, sslVerify bool) bool {
	if attemptCount >= p.MaxAttempts {
		return false
	}
	return p.Retryable(httpStatus, errorCode, sslVerify)
}

// NextDelay computes the backoff before the attempt following
// attemptNumber (0-based): base*2^n capped at MaxDelay, scaled by the
// jitter factor, and re-capped. Pass jitter 1.0 for a deterministic
// delay; Jitter() supplies the default random factor.
func (p Policy) NextDelay(attemptNumber int, jitter float64) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attemptNumber))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	delay *= jitter
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// NextRetryAt returns the wall-clock time of the next attempt.
func (p Policy) NextRetryAt(attemptNumber int, now time.Time, jitter float64) time.Time {
	return now.Add(p.NextDelay(attemptNumber, jitter))
}

// Jitter returns a uniform random factor in [0.8, 1.2].
func Jitter() float64 {
	return 0.8 + rand.Float64()*0.4
}
