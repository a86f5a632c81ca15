package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/org/vxlgateway/internal/apierr"
	"github.com/org/vxlgateway/internal/audit"
	"github.com/org/vxlgateway/internal/config"
	"github.com/org/vxlgateway/internal/policy"
	"github.com/org/vxlgateway/internal/ratelimit"
	"github.com/org/vxlgateway/internal/security"
	"github.com/org/vxlgateway/pkg/models"
)

// securityGate screens the request and attaches the hardening headers and
// request id to every response.
func (s *Server) securityGate(_ context.Context, ex *Exchange) *apierr.Error {
	security.SetHeaders(ex.Header)
	ex.Header.Set("X-Request-ID", ex.RequestID)
	if err := s.screen.Check(ex.Request); err != nil {
		if err.Code == apierr.CodeSuspiciousRequest {
			s.log.Warn().Str("request_id", ex.RequestID).Str("client_ip", ex.ClientIP).
				Str("method", ex.Request.Method).Str("path", ex.Request.URL.Path).
				Msg("suspicious request blocked")
			ex.Audit(models.AuditEvent{
				Action:   audit.ActionSuspicious,
				Severity: models.SeverityWarning,
				Context:  map[string]any{"method": ex.Request.Method, "path": ex.Request.URL.Path},
			})
		}
		return err
	}
	return nil
}

// identifyGate reads what the credentials claim so the limiters can key on
// the most specific identity. It never touches the identity store and never
// rejects.
func (s *Server) identifyGate(_ context.Context, ex *Exchange) *apierr.Error {
	ex.claimed = s.authn.Identify(ex.Request.Header)
	return nil
}

// burstGate keys on a verified token subject or the client IP. An API key
// cannot be checked without a lookup, so a flood of guessed keys from one
// address shares that address's budget.
func (s *Server) burstGate(ctx context.Context, ex *Exchange) *apierr.Error {
	scope, id := ratelimit.Identity(ex.limitSubject(true), ex.ClientIP)
	d := s.burst.Check(ctx, ratelimit.BurstKey(scope, id, ex.Route.Resource), s.burstRule)
	if !d.Limited {
		return nil
	}
	setLimitHeaders(ex.Header, d)
	s.logLimited(ex, scope, "burst", d)
	ex.Audit(models.AuditEvent{
		Action:   audit.ActionBurstLimited,
		Severity: models.SeverityWarning,
		Context:  map[string]any{"scope": string(scope), "limit": d.Limit, "count": d.Count},
	})
	return apierr.RateLimited(true, d.Limit, d.Remaining, d.ResetAt, time.Now())
}

func (s *Server) tieredGate(ctx context.Context, ex *Exchange) *apierr.Error {
	p := ex.limitSubject(false)
	scope, id := ratelimit.Identity(p, ex.ClientIP)
	tier := ratelimit.TierOf(p)
	rule := s.limits.For(ex.Route.Resource, tier)
	d := s.tiered.Check(ctx, ratelimit.Key(scope, id, ex.Route.Resource), rule)

	setLimitHeaders(ex.Header, d)
	if !d.Limited {
		return nil
	}
	s.logLimited(ex, scope, string(tier), d)
	ex.Audit(models.AuditEvent{
		Action:   audit.ActionRateLimited,
		Severity: models.SeverityWarning,
		Context:  map[string]any{"scope": string(scope), "tier": string(tier), "limit": d.Limit, "count": d.Count},
	})
	return apierr.RateLimited(false, d.Limit, d.Remaining, d.ResetAt, time.Now())
}

func setLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func (s *Server) logLimited(ex *Exchange, scope ratelimit.Scope, tier string, d ratelimit.Decision) {
	s.log.Warn().
		Str("request_id", ex.RequestID).
		Str("scope", string(scope)).
		Str("tier", tier).
		Str("resource", ex.Route.Resource).
		Str("method", ex.Request.Method).
		Str("path", ex.Request.URL.Path).
		Str("client_ip", ex.ClientIP).
		Int64("count", d.Count).
		Int("limit", d.Limit).
		Msg("rate limit exceeded")
}

// authenticateGate resolves the credentials against the identity store and
// enforces the route's auth mode. It runs after the limiters.
func (s *Server) authenticateGate(mode string) Gate {
	return func(ctx context.Context, ex *Exchange) *apierr.Error {
		res := s.authn.Resolve(ctx, ex.Request.Header)
		ex.SetAuth(res)
		if mode != config.AuthRequired {
			// Optional routes never reject; a bad credential leaves the
			// request anonymous.
			if res.Err != nil {
				s.log.Debug().Str("request_id", ex.RequestID).Str("code", res.Err.Code).
					Msg("ignoring credential on optional-auth route")
			}
			return nil
		}
		switch {
		case res.Authenticated():
			return nil
		case res.Err != nil && res.Err.Code == apierr.CodeIdentityUnavailable:
			return res.Err
		case res.Err != nil:
			ex.Audit(models.AuditEvent{
				Action:   audit.ActionAuthFailed,
				Severity: models.SeverityWarning,
				Context:  map[string]any{"code": res.Err.Code, "path": ex.Request.URL.Path},
			})
			return res.Err
		default:
			ex.Audit(models.AuditEvent{
				Action:   audit.ActionAuthFailed,
				Severity: models.SeverityWarning,
				Context:  map[string]any{"code": apierr.CodeUnauthorized, "path": ex.Request.URL.Path},
			})
			return apierr.Unauthorized("authentication required")
		}
	}
}

// authorizeGate checks the principal against req. Exact match or the admin
// role satisfies a permission.
func (s *Server) authorizeGate(req policy.Requirement) Gate {
	return func(_ context.Context, ex *Exchange) *apierr.Error {
		ok, missing := req.Satisfied(ex.Principal())
		if ok {
			return nil
		}
		ex.Audit(models.AuditEvent{
			Action:   audit.ActionPermissionDenied,
			Severity: models.SeverityWarning,
			Context:  map[string]any{"missing": missing, "any": req.Any, "path": ex.Request.URL.Path},
		})
		return apierr.Forbidden("insufficient permissions").WithDetail("required", missing)
	}
}
