package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/org/vxlgateway/internal/metrics"
	"github.com/rs/zerolog"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	b := New("billing-service", Settings{
		FailureThreshold: threshold,
		RecoveryTimeout:  30 * time.Second,
		MonitoringPeriod: time.Minute,
	}, nil)
	b.now = clk.now
	return b, clk
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	p, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	p.RecordFailure()
}

func TestOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(5)
	for i := 0; i < 4; i++ {
		fail(t, b)
		if b.State() != StateClosed {
			t.Fatalf("opened after %d failures", i+1)
		}
	}
	fail(t, b)
	if b.State() != StateOpen {
		t.Fatalf("state = %s after threshold", b.State())
	}
}

func TestSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	fail(t, b)
	fail(t, b)
	p, _ := b.Allow()
	p.RecordSuccess()
	fail(t, b)
	fail(t, b)
	if b.State() != StateClosed {
		t.Fatal("non-consecutive failures opened the breaker")
	}
}

func TestFailuresOutsideMonitoringPeriod(t *testing.T) {
	b, clk := newTestBreaker(3)
	fail(t, b)
	fail(t, b)
	clk.advance(2 * time.Minute)
	fail(t, b)
	if b.State() != StateClosed {
		t.Fatal("stale failures counted towards the threshold")
	}
	if s := b.Snapshot(); s.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", s.FailureCount)
	}
}

func TestOpenRejectsUntilRecovery(t *testing.T) {
	b, clk := newTestBreaker(5)
	for i := 0; i < 5; i++ {
		fail(t, b)
	}

	clk.advance(10 * time.Second)
	_, err := b.Allow()
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.RetryAfter != 20*time.Second {
		t.Fatalf("unexpected open error %#v", err)
	}

	clk.advance(20 * time.Second)
	p, err := b.Allow()
	if err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	if !p.Probe() || b.State() != StateHalfOpen {
		t.Fatal("expected a half-open probe")
	}
	p.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s after successful probe", b.State())
	}
	if s := b.Snapshot(); s.FailureCount != 0 {
		t.Fatalf("failure count = %d after recovery", s.FailureCount)
	}
}

func TestFailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	fail(t, b)
	clk.advance(30 * time.Second)

	p, err := b.Allow()
	if err != nil {
		t.Fatal(err)
	}
	p.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s after failed probe", b.State())
	}
	snap := b.Snapshot()
	if snap.NextProbeAt == nil || !snap.NextProbeAt.Equal(clk.now().Add(30*time.Second)) {
		t.Fatalf("nextProbeAt not reset: %+v", snap)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatal("reopened breaker admitted a request")
	}
}

func TestSingleProbeUnderConcurrency(t *testing.T) {
	b, clk := newTestBreaker(1)
	fail(t, b)
	clk.advance(31 * time.Second)

	var (
		admitted atomic.Int32
		start    = make(chan struct{})
		wg       sync.WaitGroup
		permits  = make(chan *Permit, 50)
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if p, err := b.Allow(); err == nil {
				admitted.Add(1)
				permits <- p
			}
		}()
	}
	close(start)
	wg.Wait()
	close(permits)

	if n := admitted.Load(); n != 1 {
		t.Fatalf("%d probes admitted, want 1", n)
	}
	for p := range permits {
		p.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Fatal("breaker did not close after probe success")
	}
}

// Callers racing a failing probe must never be admitted once the breaker has
// reopened: each recovery period yields exactly one upstream call.
func TestFailingProbeAdmitsNoStragglers(t *testing.T) {
	b, clk := newTestBreaker(1)
	fail(t, b)

	for round := 0; round < 200; round++ {
		clk.advance(31 * time.Second)

		var (
			admitted atomic.Int32
			start    = make(chan struct{})
			wg       sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 20; j++ {
					if p, err := b.Allow(); err == nil {
						admitted.Add(1)
						p.RecordFailure()
					}
				}
			}()
		}
		close(start)
		wg.Wait()

		if n := admitted.Load(); n != 1 {
			t.Fatalf("round %d: %d calls admitted, want 1", round, n)
		}
		if b.State() != StateOpen {
			t.Fatalf("round %d: state = %s", round, b.State())
		}
	}
}

func TestCanceledProbeReleasesSlot(t *testing.T) {
	b, clk := newTestBreaker(1)
	fail(t, b)
	clk.advance(30 * time.Second)

	p, err := b.Allow()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatal("second probe admitted while first in flight")
	}
	p.RecordCanceled()
	p.RecordFailure() // no-op after cancel
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	if _, err := b.Allow(); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

func TestScenarioBillingService(t *testing.T) {
	reg := NewRegistry(Settings{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}, metrics.New(nil), zerolog.Nop())
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	reg.now = clk.now

	b := reg.Get("billing-service")
	for i := 0; i < 5; i++ {
		fail(t, b)
	}
	if _, err := reg.Get("billing-service").Allow(); !errors.Is(err, ErrOpen) {
		t.Fatal("sixth call should be refused")
	}
	clk.advance(30 * time.Second)
	p, err := reg.Get("billing-service").Allow()
	if err != nil || !p.Probe() {
		t.Fatalf("expected probe after recovery timeout, got %v", err)
	}

	snaps := reg.Snapshot()
	if len(snaps) != 1 || snaps[0].State != "half_open" {
		t.Fatalf("snapshot = %+v", snaps)
	}
}

func TestRegistryReset(t *testing.T) {
	reg := NewRegistry(Settings{FailureThreshold: 1}, metrics.New(nil), zerolog.Nop())
	if _, err := reg.Reset("nope"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	fail(t, reg.Get("numbers-service"))
	snap, err := reg.Reset("numbers-service")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != "closed" {
		t.Fatalf("state after reset = %s", snap.State)
	}
	if _, err := reg.Get("numbers-service").Allow(); err != nil {
		t.Fatalf("reset breaker refused: %v", err)
	}
}

func TestTransitionsObserved(t *testing.T) {
	var got []string
	b := New("x", Settings{FailureThreshold: 1, RecoveryTimeout: time.Nanosecond}, func(_ string, from, to State) {
		got = append(got, from.String()+">"+to.String())
	})
	fail(t, b)
	time.Sleep(time.Millisecond)
	p, err := b.Allow()
	if err != nil {
		t.Fatal(err)
	}
	p.RecordSuccess()
	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}
