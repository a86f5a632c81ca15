package audit

import (
	"context"

	"github.com/org/vxlgateway/internal/storage"
	"github.com/org/vxlgateway/pkg/models"
	"github.com/rs/zerolog"
)

// StoreSink writes events to the database.
type StoreSink struct {
	store interface {
		WriteAuditEvent(ctx context.Context, ev *models.AuditEvent) error
	}
}

func NewStoreSink(store storage.StorageBackend) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Record(ctx context.Context, ev *models.AuditEvent) error {
	return s.store.WriteAuditEvent(ctx, ev)
}

// LogSink emits events as structured log lines.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, ev *models.AuditEvent) error {
	e := s.log.Info()
	switch ev.Severity {
	case models.SeverityWarning:
		e = s.log.Warn()
	case models.SeverityCritical:
		e = s.log.Error()
	}
	e.Str("audit_id", ev.ID).
		Str("action", ev.Action).
		Str("resource", ev.Resource).
		Str("actor_id", ev.ActorID).
		Str("actor_kind", ev.ActorKind).
		Str("request_id", ev.RequestID).
		Str("client_ip", ev.ClientIP).
		Fields(ev.Context).
		Msg("audit")
	return nil
}
