package pacing

import (
	"math"
	"math/rand"
	"time"
)

// DelayKind selects which delay window applies to the next wait.
type DelayKind int

const (
	// RequestDelay is the pause between two submissions.
	RequestDelay DelayKind = iota
	// BatchDelay is the longer pause after a full batch.
	BatchDelay
)

const (
	maxMultiplier = 8
	// backoff jitter is drawn from [0, backoffJitter) of the exponential delay
	backoffJitter = 0.25
)

// Config holds the delay windows and backoff bounds.
type Config struct {
	RequestDelayMin time.Duration
	RequestDelayMax time.Duration
	BatchDelayMin   time.Duration
	BatchDelayMax   time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// RateLimiter computes human-paced delays and escalating backoff after throttling.
// It is owned by a single run and is not safe for concurrent use.
type RateLimiter struct {
	cfg        Config
	rnd        *rand.Rand
	multiplier int
}

// NewRateLimiter builds a limiter. A nil rnd seeds one from the current time.
func NewRateLimiter(cfg Config, rnd *rand.Rand) *RateLimiter {
	if cfg.RequestDelayMax < cfg.RequestDelayMin {
		cfg.RequestDelayMax = cfg.RequestDelayMin
	}
	if cfg.BatchDelayMax < cfg.BatchDelayMin {
		cfg.BatchDelayMax = cfg.BatchDelayMin
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 10 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // pacing jitter
	}

	return &RateLimiter{cfg: cfg, rnd: rnd, multiplier: 1}
}

// DelayBeforeNextRequest draws a delay uniformly from the window for kind,
// scaled by the current escalation multiplier.
func (l *RateLimiter) DelayBeforeNextRequest(kind DelayKind) time.Duration {
	lo, hi := l.cfg.RequestDelayMin, l.cfg.RequestDelayMax
	if kind == BatchDelay {
		lo, hi = l.cfg.BatchDelayMin, l.cfg.BatchDelayMax
	}

	return l.uniform(lo, hi) * time.Duration(l.multiplier)
}

// OnRateLimitedSignal doubles the pacing multiplier, up to 8x.
func (l *RateLimiter) OnRateLimitedSignal() {
	if l.multiplier < maxMultiplier {
		l.multiplier *= 2
	}
}

// OnSuccess relaxes the pacing multiplier back toward 1x.
func (l *RateLimiter) OnSuccess() {
	if l.multiplier > 1 {
		l.multiplier /= 2
	}
}

// Multiplier returns the current pacing multiplier.
func (l *RateLimiter) Multiplier() int {
	return l.multiplier
}

// CurrentBackoffDelay returns base*2^(attempt-1) plus up to 25% jitter, capped at BackoffMax.
func (l *RateLimiter) CurrentBackoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	limit := float64(l.cfg.BackoffMax)
	delay := float64(l.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if delay >= limit {
		return l.cfg.BackoffMax
	}

	delay += delay * backoffJitter * l.rnd.Float64()
	if delay > limit {
		return l.cfg.BackoffMax
	}
	return time.Duration(delay)
}

func (l *RateLimiter) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(l.rnd.Int63n(int64(hi-lo)+1))
}
