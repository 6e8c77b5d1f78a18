package orchestrator

import (
	"math"
	"math/rand"
	"time"

	"github.com/yungbote/neurobridge-contentgen/internal/pkg/apperr"
	"github.com/yungbote/neurobridge-contentgen/internal/platform/envutil"
)

// RetryPolicy decides whether a failed stage is retried and how long to wait.
// It is independent of the transport: the same delay is handed to the broker
// and stored on the ledger row.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration // default 2s
	MaxDelay   time.Duration // default 5m
	// CapacityFactor stretches the backoff for rate-limit failures. Default 4.
	CapacityFactor float64
	JitterFrac     float64 // default 0.2

	rand func() float64
}

func RetryPolicyFromEnv() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     envutil.Int("MAX_RETRIES", 3),
		BaseDelay:      envutil.Duration("RETRY_BASE_DELAY", 2*time.Second),
		MaxDelay:       envutil.Duration("RETRY_MAX_DELAY", 5*time.Minute),
		CapacityFactor: envutil.Float("RETRY_CAPACITY_FACTOR", 4),
		JitterFrac:     envutil.Float("RETRY_JITTER", 0.2),
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	if p.CapacityFactor < 1 {
		p.CapacityFactor = 4
	}
	if p.JitterFrac < 0 {
		p.JitterFrac = 0
	}
	if p.rand == nil {
		p.rand = rand.Float64
	}
	return p
}

// Retryable reports whether a failure of class in a retriable stage earns another
// attempt, given how many retries the request already used.
func (p RetryPolicy) Retryable(class apperr.Class, stageRetriable bool, used int) bool {
	p = p.withDefaults()
	return stageRetriable && class.Retriable() && used < p.MaxRetries
}

// Backoff is the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(class apperr.Class, attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	maxD := float64(p.MaxDelay)
	if class == apperr.ClassCapacity {
		d *= p.CapacityFactor
		maxD *= p.CapacityFactor
	}
	if d > maxD {
		d = maxD
	}
	delta := d * p.JitterFrac
	low := d - delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + p.rand()*2*delta)
}
