// Package proxy forwards admitted requests to internal services through
// their circuit breakers.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/org/vxlgateway/internal/apierr"
	"github.com/org/vxlgateway/internal/breaker"
	"github.com/org/vxlgateway/internal/metrics"
	"github.com/org/vxlgateway/pkg/models"
	"github.com/rs/zerolog"
)

// Outcome labels for proxy metrics.
const (
	OutcomeSuccess     = "success"
	OutcomeErrorStatus = "error_status"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeCanceled    = "canceled"
	OutcomeCircuitOpen = "circuit_open"
)

// Headers the gateway owns on the way upstream. Inbound copies are dropped.
var identityHeaders = []string{"X-Auth-Type", "X-Principal-ID", "X-Principal-Kind", "X-Principal-Role", "X-Principal-Owner"}

// Target describes one forwarding attempt.
type Target struct {
	Route     Route
	RequestID string
	Principal *models.Principal
	AuthType  string

	// ResponseHeaders are set on the relayed response, replacing any
	// upstream value for the same key.
	ResponseHeaders http.Header
}

// Options configure a Dispatcher.
type Options struct {
	SlowThreshold time.Duration
	Transport     http.RoundTripper
}

// Dispatcher proxies requests to named upstreams.
type Dispatcher struct {
	upstreams map[string]Upstream
	breakers  *breaker.Registry
	transport http.RoundTripper
	slow      time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewDispatcher(upstreams map[string]Upstream, breakers *breaker.Registry, m *metrics.Metrics, log zerolog.Logger, opts Options) *Dispatcher {
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = time.Second
	}
	if opts.Transport == nil {
		opts.Transport = NewTransport()
	}
	return &Dispatcher{
		upstreams: upstreams,
		breakers:  breakers,
		transport: opts.Transport,
		slow:      opts.SlowThreshold,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// NewTransport returns the pooled transport shared by every upstream.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

type attempt struct {
	status int
	err    error
}

// Dispatch forwards r to the target's upstream. On success the upstream
// response has been written to w and nil is returned. A non-nil error means
// nothing was written.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, t Target) *apierr.Error {
	name := t.Route.Upstream
	up, ok := d.upstreams[name]
	if !ok {
		return apierr.Internal().WithCause(errors.New("no upstream named " + name))
	}

	permit, err := d.breakers.Get(name).Allow()
	if err != nil {
		d.count(name, OutcomeCircuitOpen)
		var oe *breaker.OpenError
		retry := time.Duration(0)
		if errors.As(err, &oe) {
			retry = oe.RetryAfter
		}
		return apierr.CircuitOpen(name, retry).WithCause(err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), up.Timeout)
	defer cancel()

	var at attempt
	rp := &httputil.ReverseProxy{
		Transport: d.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			d.rewrite(pr, up, t)
		},
		ModifyResponse: func(res *http.Response) error {
			at.status = res.StatusCode
			for k, vs := range t.ResponseHeaders {
				res.Header[k] = append([]string(nil), vs...)
			}
			return nil
		},
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			at.err = err
		},
	}

	start := d.now()
	settled := false
	defer func() {
		if settled {
			return
		}
		// The body copy aborted after headers were sent.
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			permit.RecordFailure()
			d.count(name, OutcomeTimeout)
		case r.Context().Err() != nil:
			permit.RecordCanceled()
			d.count(name, OutcomeCanceled)
		default:
			permit.RecordFailure()
			d.count(name, OutcomeError)
		}
	}()
	rp.ServeHTTP(w, r.WithContext(ctx))
	settled = true

	elapsed := d.now().Sub(start)
	if d.metrics != nil {
		d.metrics.ProxyDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
	if elapsed > d.slow {
		d.log.Warn().Str("service", name).Str("request_id", t.RequestID).
			Str("method", r.Method).Str("path", r.URL.Path).
			Dur("duration", elapsed).Msg("slow upstream request")
	}

	switch {
	case at.err == nil && at.status < http.StatusBadRequest:
		permit.RecordSuccess()
		d.count(name, OutcomeSuccess)
		return nil
	case at.err == nil:
		// Relayed verbatim, but it still counts against the upstream.
		permit.RecordFailure()
		d.count(name, OutcomeErrorStatus)
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		permit.RecordFailure()
		d.count(name, OutcomeTimeout)
		d.log.Warn().Err(at.err).Str("service", name).Str("request_id", t.RequestID).
			Dur("timeout", up.Timeout).Msg("upstream timed out")
		return apierr.GatewayTimeout(name).WithCause(at.err)
	case r.Context().Err() != nil:
		permit.RecordCanceled()
		d.count(name, OutcomeCanceled)
		return apierr.BadGateway(name).WithCause(r.Context().Err())
	default:
		permit.RecordFailure()
		d.count(name, OutcomeError)
		d.log.Warn().Err(at.err).Str("service", name).Str("request_id", t.RequestID).Msg("upstream request failed")
		return apierr.BadGateway(name).WithCause(at.err)
	}
}

func (d *Dispatcher) rewrite(pr *httputil.ProxyRequest, up Upstream, t Target) {
	if t.Route.StripPrefix && t.Route.Prefix != "" {
		pr.Out.URL.Path = ensureSlash(strings.TrimPrefix(pr.Out.URL.Path, t.Route.Prefix))
		if pr.Out.URL.RawPath != "" {
			pr.Out.URL.RawPath = ensureSlash(strings.TrimPrefix(pr.Out.URL.RawPath, t.Route.Prefix))
		}
	}
	pr.SetURL(up.URL)
	pr.SetXForwarded()

	h := pr.Out.Header
	for _, k := range identityHeaders {
		h.Del(k)
	}
	h.Del("X-API-Key")
	h.Set("X-Request-ID", t.RequestID)
	if t.Principal != nil {
		h.Set("X-Auth-Type", t.AuthType)
		h.Set("X-Principal-ID", t.Principal.ID)
		h.Set("X-Principal-Kind", string(t.Principal.Kind))
		if t.Principal.Role != "" {
			h.Set("X-Principal-Role", t.Principal.Role)
		}
		if t.Principal.OwnerID != "" {
			h.Set("X-Principal-Owner", t.Principal.OwnerID)
		}
	}
}

func (d *Dispatcher) count(service, outcome string) {
	if d.metrics != nil {
		d.metrics.ProxyRequests.WithLabelValues(service, outcome).Inc()
	}
}

func ensureSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
