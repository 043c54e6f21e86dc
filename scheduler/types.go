package scheduler

import (
	"fmt"
	"time"
)

// Known debrid providers. The scheduler pre-registers state for each of these
// at construction so that stats snapshots are complete before first use.
// Unknown service names still get default state lazily.
const (
	ServiceRealDebrid = "realdebrid"
	ServiceAllDebrid  = "alldebrid"
	ServiceTorBox     = "torbox"
)

// KnownServices returns the pre-registered provider names.
func KnownServices() []string {
	return []string{ServiceRealDebrid, ServiceAllDebrid, ServiceTorBox}
}

// ServiceConfig holds the per-provider admission and retry tuning.
// All values must be >= 0. BurstSize bounds the token count from above.
type ServiceConfig struct {
	// MaxRequestsPerMinute is the steady-state rate ceiling. Zero means the
	// bucket never refills: only the initial burst is ever admitted.
	MaxRequestsPerMinute float64 `json:"max_requests_per_minute"`

	// MaxConcurrent caps simultaneous in-flight calls.
	MaxConcurrent int `json:"max_concurrent"`

	// RetryAttempts is the number of retries after the initial attempt.
	RetryAttempts int `json:"retry_attempts"`

	// BackoffMultiplier grows the retry delay exponentially per attempt.
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	// JitterRange is a fraction; 0.2 means the delay is randomized +/-20%.
	JitterRange float64 `json:"jitter_range"`

	// BurstSize is the token bucket capacity.
	BurstSize int `json:"burst_size"`
}

// DefaultConfig returns the built-in tuning for a provider. Limits follow the
// providers' published quotas, with headroom.
func DefaultConfig(service string) ServiceConfig {
	switch service {
	case ServiceRealDebrid:
		// Real-Debrid documents 250 req/min across the API.
		return ServiceConfig{
			MaxRequestsPerMinute: 200,
			MaxConcurrent:        5,
			RetryAttempts:        3,
			BackoffMultiplier:    2,
			JitterRange:          0.2,
			BurstSize:            10,
		}
	case ServiceAllDebrid:
		// AllDebrid allows 12 req/sec; keep well under it.
		return ServiceConfig{
			MaxRequestsPerMinute: 500,
			MaxConcurrent:        10,
			RetryAttempts:        3,
			BackoffMultiplier:    2,
			JitterRange:          0.2,
			BurstSize:            20,
		}
	case ServiceTorBox:
		return ServiceConfig{
			MaxRequestsPerMinute: 300,
			MaxConcurrent:        5,
			RetryAttempts:        3,
			BackoffMultiplier:    2,
			JitterRange:          0.2,
			BurstSize:            10,
		}
	default:
		return ServiceConfig{
			MaxRequestsPerMinute: 60,
			MaxConcurrent:        3,
			RetryAttempts:        3,
			BackoffMultiplier:    2,
			JitterRange:          0.2,
			BurstSize:            5,
		}
	}
}

// ConfigPatch is a partial ServiceConfig for runtime updates. Nil fields are
// left untouched. Applies to future admissions only, never in-flight work.
type ConfigPatch struct {
	MaxRequestsPerMinute *float64 `json:"max_requests_per_minute,omitempty"`
	MaxConcurrent        *int     `json:"max_concurrent,omitempty"`
	RetryAttempts        *int     `json:"retry_attempts,omitempty"`
	BackoffMultiplier    *float64 `json:"backoff_multiplier,omitempty"`
	JitterRange          *float64 `json:"jitter_range,omitempty"`
	BurstSize            *int     `json:"burst_size,omitempty"`
}

func (p ConfigPatch) apply(c *ServiceConfig) {
	if p.MaxRequestsPerMinute != nil {
		c.MaxRequestsPerMinute = *p.MaxRequestsPerMinute
	}
	if p.MaxConcurrent != nil {
		c.MaxConcurrent = *p.MaxConcurrent
	}
	if p.RetryAttempts != nil {
		c.RetryAttempts = *p.RetryAttempts
	}
	if p.BackoffMultiplier != nil {
		c.BackoffMultiplier = *p.BackoffMultiplier
	}
	if p.JitterRange != nil {
		c.JitterRange = *p.JitterRange
	}
	if p.BurstSize != nil {
		c.BurstSize = *p.BurstSize
	}
}

// Validate rejects patches carrying negative values; every limit must be
// >= 0.
func (p ConfigPatch) Validate() error {
	if p.MaxRequestsPerMinute != nil && *p.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("max_requests_per_minute must be >= 0, got %v", *p.MaxRequestsPerMinute)
	}
	if p.MaxConcurrent != nil && *p.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be >= 0, got %d", *p.MaxConcurrent)
	}
	if p.RetryAttempts != nil && *p.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", *p.RetryAttempts)
	}
	if p.BackoffMultiplier != nil && *p.BackoffMultiplier < 0 {
		return fmt.Errorf("backoff_multiplier must be >= 0, got %v", *p.BackoffMultiplier)
	}
	if p.JitterRange != nil && *p.JitterRange < 0 {
		return fmt.Errorf("jitter_range must be >= 0, got %v", *p.JitterRange)
	}
	if p.BurstSize != nil && *p.BurstSize < 0 {
		return fmt.Errorf("burst_size must be >= 0, got %d", *p.BurstSize)
	}
	return nil
}

// Stats is a point-in-time snapshot of one service's scheduler state.
type Stats struct {
	QueueLength    int     `json:"queue_length"`
	ActiveRequests int     `json:"active_requests"`
	Tokens         float64 `json:"tokens"`
	RecentRequests int     `json:"recent_requests"`
}

// recentWindow is the sliding window over which RecentRequests counts
// admissions. Reporting only; throttling is token-bucket driven.
const recentWindow = time.Minute
