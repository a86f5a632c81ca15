package api

import (
	"context"
	"net/http"

	"github.com/org/vxlgateway/internal/apierr"
	"github.com/org/vxlgateway/internal/proxy"
	"github.com/org/vxlgateway/internal/ratelimit"
	"github.com/org/vxlgateway/internal/security"
)

// Gate is one admission decision. A nil result passes the request on; a
// non-nil result is the terminal response.
type Gate func(ctx context.Context, ex *Exchange) *apierr.Error

// finalFunc produces the response once every gate has passed. A non-nil
// result means nothing was written yet.
type finalFunc func(w http.ResponseWriter, r *http.Request, ex *Exchange) *apierr.Error

// pipeline runs gates in order, stopping at the first rejection.
type pipeline struct {
	s     *Server
	route proxy.Route
	gates []Gate
	final finalFunc
}

func (s *Server) newPipeline(route proxy.Route, final finalFunc, gates ...Gate) *pipeline {
	return &pipeline{s: s, route: route, gates: gates, final: final}
}

func (p *pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ex := newExchange(r, p.route,
		security.RequestID(r.Header.Get("X-Request-ID")),
		ratelimit.ClientIP(r, p.s.cfg.TrustForwardedFor))
	defer p.s.afterResponse(w, ex)

	for _, g := range p.gates {
		if err := g(ctx, ex); err != nil {
			p.s.reject(w, ex, err)
			return
		}
	}
	if err := p.final(w, r, ex); err != nil {
		p.s.reject(w, ex, err)
	}
}

func (s *Server) reject(w http.ResponseWriter, ex *Exchange, err *apierr.Error) {
	if s.metrics != nil {
		s.metrics.GateRejections.WithLabelValues(err.Code).Inc()
	}
	ev := s.log.Debug()
	if err.Status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err.Cause).
		Str("request_id", ex.RequestID).
		Str("code", err.Code).
		Int("status", err.Status).
		Str("method", ex.Request.Method).
		Str("path", ex.Request.URL.Path).
		Msg("request rejected")

	mergeHeader(w.Header(), ex.Header)
	writeError(w, err, ex.RequestID, s.cfg.IsProduction())
}

// afterResponse is the post-response hook: the response is flushed to the
// client first, then queued audit events are written.
func (s *Server) afterResponse(w http.ResponseWriter, ex *Exchange) {
	events := ex.pendingEvents()
	if len(events) == 0 || s.auditor == nil {
		return
	}
	_ = http.NewResponseController(w).Flush()
	s.auditor.Flush(ex.Request.Context(), events)
}
