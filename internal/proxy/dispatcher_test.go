package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/org/vxlgateway/internal/apierr"
	"github.com/org/vxlgateway/internal/breaker"
	"github.com/org/vxlgateway/internal/config"
	"github.com/org/vxlgateway/internal/metrics"
	"github.com/org/vxlgateway/pkg/models"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

func newDispatcher(t *testing.T, upstream *httptest.Server, timeout time.Duration, threshold int) (*Dispatcher, *breaker.Registry) {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	reg := breaker.NewRegistry(breaker.Settings{FailureThreshold: threshold, RecoveryTimeout: time.Hour}, metrics.New(nil), zerolog.Nop())
	ups := map[string]Upstream{"billing-service": {Name: "billing-service", URL: u, Timeout: timeout}}
	return NewDispatcher(ups, reg, metrics.New(nil), zerolog.Nop(), Options{}), reg
}

func billingTarget() Target {
	return Target{
		Route:     Route{Prefix: "/v1/billing", Upstream: "billing-service", Resource: "billing"},
		RequestID: "req-12345678",
	}
}

func TestDispatchForwardsAndPropagatesHeaders(t *testing.T) {
	var got http.Header
	var gotPath string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.Path
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer up.Close()
	d, _ := newDispatcher(t, up, time.Second, 5)

	r := httptest.NewRequest(http.MethodPost, "/v1/billing/invoices", nil)
	r.Header.Set("X-Principal-ID", "spoofed")
	r.Header.Set("X-API-Key", "vxl_secretsecretsecret")
	w := httptest.NewRecorder()
	tgt := billingTarget()
	tgt.Principal = &models.Principal{ID: "u1", Kind: models.KindUser, Role: "operator"}
	tgt.AuthType = "jwt"

	if err := d.Dispatch(w, r, tgt); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if w.Code != http.StatusCreated || w.Body.String() != `{"ok":true}` || w.Header().Get("X-Upstream") != "yes" {
		t.Fatalf("response not relayed: %d %q", w.Code, w.Body.String())
	}
	if gotPath != "/v1/billing/invoices" {
		t.Errorf("path = %q", gotPath)
	}
	if got.Get("X-Request-ID") != "req-12345678" {
		t.Errorf("X-Request-ID = %q", got.Get("X-Request-ID"))
	}
	if got.Get("X-Principal-ID") != "u1" || got.Get("X-Auth-Type") != "jwt" || got.Get("X-Principal-Kind") != "user" {
		t.Errorf("identity headers = %v", got)
	}
	if got.Get("X-API-Key") != "" {
		t.Error("api key forwarded upstream")
	}
	if got.Get("X-Forwarded-For") == "" {
		t.Error("X-Forwarded-For not set")
	}
}

func TestDispatchOverlaysResponseHeaders(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("X-Upstream", "yes")
	}))
	defer up.Close()
	d, _ := newDispatcher(t, up, time.Second, 5)

	tgt := billingTarget()
	tgt.ResponseHeaders = http.Header{}
	tgt.ResponseHeaders.Set("X-Frame-Options", "DENY")
	tgt.ResponseHeaders.Set("X-RateLimit-Remaining", "9")
	w := httptest.NewRecorder()
	if err := d.Dispatch(w, httptest.NewRequest(http.MethodGet, "/v1/billing/x", nil), tgt); err != nil {
		t.Fatal(err)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "9" || w.Header().Get("X-Upstream") != "yes" {
		t.Errorf("headers = %v", w.Header())
	}
}

func TestDispatchStripPrefix(t *testing.T) {
	var gotPath string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer up.Close()
	d, _ := newDispatcher(t, up, time.Second, 5)

	tgt := billingTarget()
	tgt.Route.StripPrefix = true
	if err := d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/billing/usage", nil), tgt); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/usage" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestDispatchTimeout(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer up.Close()
	d, reg := newDispatcher(t, up, 50*time.Millisecond, 5)

	start := time.Now()
	err := d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/billing/x", nil), billingTarget())
	if err == nil || err.Status != http.StatusGatewayTimeout || err.Code != apierr.CodeGatewayTimeout {
		t.Fatalf("expected 504, got %+v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not enforced")
	}
	if s := reg.Get("billing-service").Snapshot(); s.FailureCount != 1 {
		t.Fatalf("timeout not counted as failure: %+v", s)
	}
}

func TestTimeoutAfterHeadersCountedAsTimeout(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer up.Close()

	u, _ := url.Parse(up.URL)
	m := metrics.New(nil)
	reg := breaker.NewRegistry(breaker.Settings{FailureThreshold: 5}, m, zerolog.Nop())
	ups := map[string]Upstream{"billing-service": {Name: "billing-service", URL: u, Timeout: 100 * time.Millisecond}}
	d := NewDispatcher(ups, reg, m, zerolog.Nop(), Options{})

	// Served by a real server so the aborted body copy takes the same path
	// as in production.
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.Dispatch(w, r, billingTarget()) //nolint:errcheck
	}))
	defer gw.Close()

	res, err := http.Get(gw.URL + "/v1/billing/stream")
	if err == nil {
		io.Copy(io.Discard, res.Body) //nolint:errcheck
		res.Body.Close()
	}

	counter := func(outcome string) float64 {
		var out dto.Metric
		if err := m.ProxyRequests.WithLabelValues("billing-service", outcome).Write(&out); err != nil {
			t.Fatal(err)
		}
		return out.GetCounter().GetValue()
	}
	deadline := time.Now().Add(2 * time.Second)
	for counter(OutcomeTimeout) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := counter(OutcomeTimeout); got != 1 {
		t.Fatalf("timeout outcomes = %v", got)
	}
	if got := counter(OutcomeError) + counter(OutcomeSuccess); got != 0 {
		t.Fatalf("attempt also counted as error or success: %v", got)
	}
}

func TestDispatchUpstreamDown(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	d, _ := newDispatcher(t, up, time.Second, 5)
	up.Close()

	err := d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/billing/x", nil), billingTarget())
	if err == nil || err.Status != http.StatusBadGateway || err.Code != apierr.CodeBadGateway {
		t.Fatalf("expected 502, got %+v", err)
	}
}

func TestErrorStatusRelayedAndCounted(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer up.Close()
	d, reg := newDispatcher(t, up, time.Second, 5)

	w := httptest.NewRecorder()
	if err := d.Dispatch(w, httptest.NewRequest(http.MethodGet, "/v1/billing/x", nil), billingTarget()); err != nil {
		t.Fatalf("error status should be relayed, got %v", err)
	}
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if s := reg.Get("billing-service").Snapshot(); s.FailureCount != 1 {
		t.Fatalf("failure count = %d", s.FailureCount)
	}
}

func TestOpenBreakerSkipsUpstream(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer up.Close()
	d, _ := newDispatcher(t, up, time.Second, 5)

	for i := 0; i < 5; i++ {
		d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/billing/x", nil), billingTarget())
	}
	err := d.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/billing/x", nil), billingTarget())
	if err == nil || err.Status != http.StatusServiceUnavailable || err.Code != apierr.CodeServiceUnavailable {
		t.Fatalf("expected 503, got %+v", err)
	}
	if err.RetryAfter <= 0 {
		t.Fatal("circuit open error should carry a retry hint")
	}
	if n := hits.Load(); n != 5 {
		t.Fatalf("upstream hit %d times, want 5", n)
	}
}

func TestBuildTableAndMatch(t *testing.T) {
	cfg := config.Default()
	cfg.Upstreams = map[string]config.Upstream{
		"numbers-service": {URL: "http://numbers:8080", TimeoutMs: 1000},
		"porting-service": {URL: "http://porting:8080", TimeoutMs: 1000},
	}
	cfg.Routes = []config.Route{
		{Prefix: "/v1/numbers", Upstream: "numbers-service", Resource: "numbers", Auth: config.AuthRequired},
		{Prefix: "/v1/numbers/porting/", Upstream: "porting-service", Resource: "porting", Auth: config.AuthRequired,
			Permissions: []string{"porting:read", "porting:update"}, AnyPermission: true},
	}
	table, ups, err := BuildTable(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ups["numbers-service"].Timeout != time.Second {
		t.Fatalf("timeout = %v", ups["numbers-service"].Timeout)
	}

	cases := map[string]string{
		"/v1/numbers":               "numbers-service",
		"/v1/numbers/123":           "numbers-service",
		"/v1/numbers/porting":       "porting-service",
		"/v1/numbers/porting/abc/1": "porting-service",
		"/v1/numbersx":              "",
		"/v2/other":                 "",
	}
	for path, want := range cases {
		rt, ok := table.Match(path)
		got := ""
		if ok {
			got = rt.Upstream
		}
		if got != want {
			t.Errorf("%s: matched %q want %q", path, got, want)
		}
	}
	rt, _ := table.Match("/v1/numbers/porting/x")
	if !rt.Requirement.Any || len(rt.Requirement.Permissions) != 2 {
		t.Fatalf("requirement = %+v", rt.Requirement)
	}

	cfg.Routes[0].Permissions = []string{"nocolon"}
	if _, _, err := BuildTable(cfg); err == nil {
		t.Fatal("malformed permission accepted")
	}
}
