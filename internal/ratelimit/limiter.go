package ratelimit

import (
	"context"
	"time"

	"github.com/org/vxlgateway/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Decision is the result of one limiter check.
type Decision struct {
	Limited   bool
	Count     int64
	Limit     int
	Remaining int
	ResetAt   time.Time
	// FailedOpen is set when the counter could not be reached.
	FailedOpen bool
}

// Limiter decides fixed-window admissions against a Counter. It holds no
// lock of its own: the counter's atomic increment is the only coordination.
type Limiter struct {
	counter Counter
	timeout time.Duration
	name    string
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// errLog throttles fail-open logging while the counter is down.
	errLog rate.Sometimes
}

// NewLimiter creates a limiter. name labels its metrics ("tiered", "burst").
func NewLimiter(counter Counter, name string, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Limiter {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Limiter{
		counter: counter,
		timeout: timeout,
		name:    name,
		log:     log,
		metrics: m,
		now:     time.Now,
		errLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Check increments key and evaluates it against rule. It never fails: an
// unreachable counter admits the request with the full budget.
func (l *Limiter) Check(ctx context.Context, key string, rule Rule) Decision {
	now := l.now()
	resetAt := now.Add(rule.Window)

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	count, err := l.counter.Incr(cctx, key, rule.Window)
	if err != nil {
		l.errLog.Do(func() {
			l.log.Error().Err(err).Str("limiter", l.name).Str("key", key).
				Msg("rate limit counter unavailable, failing open")
		})
		l.observe("fail_open")
		return Decision{Limit: rule.Max, Remaining: rule.Max, ResetAt: resetAt, FailedOpen: true}
	}

	d := Decision{
		Count:     count,
		Limit:     rule.Max,
		Remaining: max(0, rule.Max-int(count)),
		Limited:   count > int64(rule.Max),
		ResetAt:   resetAt,
	}
	if d.Limited {
		l.observe("limited")
	} else {
		l.observe("allowed")
	}
	return d
}

// Ping reports whether the underlying counter is reachable.
func (l *Limiter) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.counter.Ping(cctx)
}

func (l *Limiter) observe(outcome string) {
	if l.metrics != nil {
		l.metrics.RateLimitDecisions.WithLabelValues(l.name, outcome).Inc()
	}
}
