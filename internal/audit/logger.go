package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/org/vxlgateway/internal/metrics"
	"github.com/org/vxlgateway/internal/storage"
	"github.com/org/vxlgateway/pkg/models"
	"github.com/rs/zerolog"
)

// Actions recorded by the gateway.
const (
	ActionAuthFailed       = "auth.failed"
	ActionPermissionDenied = "auth.permission_denied"
	ActionRateLimited      = "ratelimit.exceeded"
	ActionBurstLimited     = "ratelimit.burst_exceeded"
	ActionSuspicious       = "security.suspicious_request"
	ActionBreakerReset     = "breaker.reset"
	ActionAPIKeyCreated    = "apikey.created"
	ActionAPIKeyRevoked    = "apikey.revoked"
	ActionTokenIssued      = "token.issued"
)

// ErrNoQuerier is returned by Query when no sink can answer queries.
var ErrNoQuerier = errors.New("audit log is not queryable")

// Sink persists one event.
type Sink interface {
	Record(ctx context.Context, ev *models.AuditEvent) error
}

// Querier answers admin queries over recorded events.
type Querier interface {
	QueryAuditEvents(ctx context.Context, f storage.AuditFilter) ([]*models.AuditEvent, error)
}

// Logger fans events out to every sink. Write failures are logged and
// counted but never returned: auditing does not change a response.
type Logger struct {
	sinks   []Sink
	querier Querier
	timeout time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLogger creates a Logger. querier may be nil.
func NewLogger(log zerolog.Logger, m *metrics.Metrics, timeout time.Duration, querier Querier, sinks ...Sink) *Logger {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Logger{sinks: sinks, querier: querier, timeout: timeout, log: log, metrics: m, now: time.Now}
}

// Record fills in the id and timestamp and writes ev to every sink. The
// write is detached from ctx cancellation but bounded by the logger timeout.
func (l *Logger) Record(ctx context.Context, ev models.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = models.SeverityInfo
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	for _, s := range l.sinks {
		if err := s.Record(wctx, &ev); err != nil {
			l.log.Error().Err(err).Str("action", ev.Action).Str("request_id", ev.RequestID).Msg("audit write failed")
			if l.metrics != nil {
				l.metrics.AuditWriteFailures.Inc()
			}
		}
	}
}

// Flush records a batch in order.
func (l *Logger) Flush(ctx context.Context, events []models.AuditEvent) {
	for _, ev := range events {
		l.Record(ctx, ev)
	}
}

// Query retrieves events, newest first.
func (l *Logger) Query(ctx context.Context, f storage.AuditFilter) ([]*models.AuditEvent, error) {
	if l.querier == nil {
		return nil, ErrNoQuerier
	}
	return l.querier.QueryAuditEvents(ctx, f)
}
