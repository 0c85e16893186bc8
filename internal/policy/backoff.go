package policy

import (
	"math"
	"time"
)

// BackoffPolicy is a deterministic exponential backoff.
type BackoffPolicy struct {
	Initial    time.Duration `yaml:"initial" envconfig:"INITIAL"`
	Multiplier float64       `yaml:"multiplier" envconfig:"MULTIPLIER"`
	Max        time.Duration `yaml:"max" envconfig:"MAX"`
}

var DefaultBackoff = BackoffPolicy{
	Initial:    5 * time.Minute,
	Multiplier: 2.0,
	Max:        time.Hour,
}

// Backoff tracks failures of one request.
type Backoff struct {
	policy   BackoffPolicy
	failures int
	release  time.Time
}

func NewBackoff(p BackoffPolicy) *Backoff {
	return &Backoff{policy: p}
}

// Fail records a failure at now and returns the next release time.
func (b *Backoff) Fail(now time.Time) time.Time {
	b.failures++
	b.release = now.Add(b.delay())
	return b.release
}

// Succeed resets the failure count.
func (b *Backoff) Succeed() {
	b.failures = 0
	b.release = time.Time{}
}

func (b *Backoff) delay() time.Duration {
	if b.failures == 0 {
		return 0
	}
	d := float64(b.policy.Initial) * math.Pow(b.policy.Multiplier, float64(b.failures-1))
	if limit := float64(b.policy.Max); b.policy.Max > 0 && d > limit {
		d = limit
	}
	return time.Duration(d)
}

// PushReleaseTo moves the release time to t if t is later.
func (b *Backoff) PushReleaseTo(t time.Time) {
	if t.After(b.release) {
		b.release = t
	}
}

func (b *Backoff) ReleaseTime() time.Time {
	return b.release
}

func (b *Backoff) Failures() int {
	return b.failures
}
