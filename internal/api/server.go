package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/vxlgateway/internal/apierr"
	"github.com/org/vxlgateway/internal/audit"
	"github.com/org/vxlgateway/internal/auth"
	"github.com/org/vxlgateway/internal/breaker"
	"github.com/org/vxlgateway/internal/config"
	"github.com/org/vxlgateway/internal/crypto"
	"github.com/org/vxlgateway/internal/metrics"
	"github.com/org/vxlgateway/internal/policy"
	"github.com/org/vxlgateway/internal/proxy"
	"github.com/org/vxlgateway/internal/ratelimit"
	"github.com/org/vxlgateway/internal/security"
	"github.com/org/vxlgateway/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// AdminResource is the rate-limit class of the gateway's own admin API.
const AdminResource = "admin"

// Deps are the collaborators a Server is built from. Store, Counter and Keys
// are required.
type Deps struct {
	Config  config.Config
	Store   storage.StorageBackend
	Counter ratelimit.Counter
	Keys    crypto.Keys
	Logger  zerolog.Logger

	// Metrics and Gatherer default to a private registry.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Auditor defaults to writing to Store and the log.
	Auditor *audit.Logger
	// Transport overrides the upstream transport.
	Transport http.RoundTripper
}

// Server is the gateway: admission pipelines in front of the proxy and the
// admin API.
type Server struct {
	cfg      config.Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	store    storage.StorageBackend
	identity *auth.IdentityStore
	authn    *auth.Authenticator
	screen   *security.Screen

	limits    *ratelimit.Table
	tiered    *ratelimit.Limiter
	burst     *ratelimit.Limiter
	burstRule ratelimit.Rule

	routes     *proxy.Table
	dispatcher *proxy.Dispatcher
	breakers   *breaker.Registry
	auditor    *audit.Logger

	// routeHandlers holds one prebuilt pipeline per route prefix.
	routeHandlers map[string]http.Handler
	notFound      http.Handler

	httpSrv *http.Server
}

// NewServer wires a Server from d.
func NewServer(d Deps) (*Server, error) {
	if d.Store == nil || d.Counter == nil {
		return nil, errors.New("api: store and counter are required")
	}
	cfg := d.Config
	if d.Metrics == nil {
		reg := prometheus.NewRegistry()
		d.Metrics = metrics.New(reg)
		d.Gatherer = reg
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.NewRegistry()
	}
	if d.Auditor == nil {
		d.Auditor = audit.NewLogger(d.Logger, d.Metrics, 0, d.Store,
			audit.NewStoreSink(d.Store), audit.NewLogSink(d.Logger))
	}

	table, upstreams, err := proxy.BuildTable(cfg)
	if err != nil {
		return nil, fmt.Errorf("building route table: %w", err)
	}

	codec := auth.NewTokenCodec(d.Keys.TokenSigning, cfg.Auth.Issuer, ms(cfg.Auth.TokenTTLMs))
	identity := auth.NewIdentityStore(d.Store, codec, d.Keys.APIKeyHash, auth.IdentityOptions{
		LookupTimeout: ms(cfg.Auth.LookupTimeoutMs),
		CacheTTL:      ms(cfg.Auth.CacheTTLMs),
	})

	rules := make(map[string]ratelimit.Rule, len(cfg.RateLimits))
	for res, lim := range cfg.RateLimits {
		rules[res] = ratelimit.Rule{Window: lim.Window(), Max: lim.Max}
	}
	fallback := cfg.LimitFor(config.DefaultResource)

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  ms(cfg.Breaker.RecoveryTimeoutMs),
		MonitoringPeriod: ms(cfg.Breaker.MonitoringPeriodMs),
	}, d.Metrics, d.Logger)
	for _, name := range cfg.UpstreamNames() {
		breakers.Get(name)
	}

	s := &Server{
		cfg:      cfg,
		log:      d.Logger,
		metrics:  d.Metrics,
		gatherer: d.Gatherer,
		store:    d.Store,
		identity: identity,
		authn:    auth.NewAuthenticator(identity, d.Logger),
		screen: security.NewScreen(security.Options{
			MaxBodyBytes:        cfg.Security.MaxBodyBytes,
			AllowedContentTypes: cfg.Security.AllowedContentTypes,
		}),
		limits:    ratelimit.NewTable(rules, ratelimit.Rule{Window: fallback.Window(), Max: fallback.Max}),
		tiered:    ratelimit.NewLimiter(d.Counter, "tiered", cfg.CounterTimeout(), d.Metrics, d.Logger),
		burst:     ratelimit.NewLimiter(d.Counter, "burst", cfg.CounterTimeout(), d.Metrics, d.Logger),
		burstRule: ratelimit.Rule{Window: cfg.Burst.Window(), Max: cfg.Burst.Max},
		routes:    table,
		dispatcher: proxy.NewDispatcher(upstreams, breakers, d.Metrics, d.Logger, proxy.Options{
			SlowThreshold: cfg.SlowRequestThreshold(),
			Transport:     d.Transport,
		}),
		breakers: breakers,
		auditor:  d.Auditor,
	}

	s.routeHandlers = make(map[string]http.Handler)
	for _, rt := range table.Routes() {
		s.routeHandlers[rt.Prefix] = s.newPipeline(rt, s.dispatch, s.routeGates(rt)...)
	}
	s.notFound = s.newPipeline(proxy.Route{Resource: config.DefaultResource}, s.noRoute, s.securityGate)
	return s, nil
}

// routeGates returns the admission gates for a proxied route, in order.
func (s *Server) routeGates(rt proxy.Route) []Gate {
	gates := []Gate{s.securityGate}
	if rt.Auth != config.AuthNone {
		gates = append(gates, s.identifyGate)
	}
	gates = append(gates, s.burstGate, s.tieredGate)
	switch rt.Auth {
	case config.AuthRequired:
		gates = append(gates, s.authenticateGate(rt.Auth), s.authorizeGate(rt.Requirement))
	case config.AuthOptional:
		gates = append(gates, s.authenticateGate(rt.Auth))
	}
	return gates
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(s.accessLog)

	sys := proxy.Route{Resource: config.DefaultResource}
	r.Method(http.MethodGet, "/healthz", s.newPipeline(sys, s.healthz, s.securityGate))
	r.Method(http.MethodGet, "/readyz", s.newPipeline(sys, s.readyz, s.securityGate))
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/admin", func(r chi.Router) {
		r.Method(http.MethodGet, "/breakers", s.admin(s.ListBreakersHandler, true, "breakers:read", "admin:read"))
		r.Method(http.MethodPost, "/breakers/{name}/reset", s.admin(s.ResetBreakerHandler, false, "breakers:update"))
		r.Method(http.MethodGet, "/audit-log", s.admin(s.AuditLogHandler, false, "audit:read"))
		r.Method(http.MethodPost, "/api-keys", s.admin(s.CreateAPIKeyHandler, false, "api_keys:create"))
		r.Method(http.MethodDelete, "/api-keys/{id}", s.admin(s.RevokeAPIKeyHandler, false, "api_keys:delete"))
		r.Method(http.MethodPost, "/tokens", s.admin(s.IssueTokenHandler, false, "tokens:create"))
	})

	r.Handle("/*", http.HandlerFunc(s.proxyHandler))
	return r
}

// admin builds the pipeline for one admin endpoint. The permission strings
// are compile-time constants, so a malformed one is a programming error.
func (s *Server) admin(h finalFunc, anyOf bool, perms ...string) http.Handler {
	rt := proxy.Route{Resource: AdminResource, Auth: config.AuthRequired}
	req, bad := policy.NewRequirement(perms, anyOf)
	if len(bad) > 0 {
		panic(fmt.Sprintf("api: malformed admin permissions %v", bad))
	}
	rt.Requirement = req
	return s.newPipeline(rt, h, s.routeGates(rt)...)
}

func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.routes.Match(r.URL.Path)
	if !ok {
		s.notFound.ServeHTTP(w, r)
		return
	}
	s.routeHandlers[rt.Prefix].ServeHTTP(w, r)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ex *Exchange) *apierr.Error {
	return s.dispatcher.Dispatch(w, r, proxy.Target{
		Route:           ex.Route,
		RequestID:       ex.RequestID,
		Principal:       ex.Principal(),
		AuthType:        string(ex.Auth().Type),
		ResponseHeaders: ex.Header,
	})
}

func (s *Server) noRoute(_ http.ResponseWriter, r *http.Request, _ *Exchange) *apierr.Error {
	return apierr.NotFound("no route for " + r.URL.Path)
}

// respond writes a JSON success body, carrying the exchange's headers.
func (s *Server) respond(w http.ResponseWriter, ex *Exchange, code int, v any) {
	mergeHeader(w.Header(), ex.Header)
	writeJSON(w, code, v)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request, ex *Exchange) *apierr.Error {
	s.respond(w, ex, http.StatusOK, map[string]any{"status": "ok"})
	return nil
}

// readyz pings the counter store and the identity store.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request, ex *Exchange) *apierr.Error {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"counter": "ok", "store": "ok"}
	ready := true
	if err := s.tiered.Ping(ctx); err != nil {
		checks["counter"] = err.Error()
		ready = false
	}
	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		ready = false
	}
	if s.cfg.IsProduction() {
		for k, v := range checks {
			if v != "ok" {
				checks[k] = "unavailable"
			}
		}
	}

	code, status := http.StatusOK, "ready"
	if !ready {
		code, status = http.StatusServiceUnavailable, "unavailable"
	}
	s.respond(w, ex, code, map[string]any{"status": status, "checks": checks})
	return nil
}

// Breakers exposes the breaker registry.
func (s *Server) Breakers() *breaker.Registry { return s.breakers }

// Identity exposes the identity store.
func (s *Server) Identity() *auth.IdentityStore { return s.identity }

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.BuildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func ms(n int64) time.Duration { return time.Duration(n) * time.Millisecond }
