package breaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/org/vxlgateway/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrUnknown is returned for names no breaker has been created for.
var ErrUnknown = errors.New("unknown circuit breaker")

// Registry lazily creates one breaker per upstream name.
type Registry struct {
	settings Settings
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry(s Settings, m *metrics.Metrics, log zerolog.Logger) *Registry {
	return &Registry{
		settings: s.withDefaults(),
		metrics:  m,
		log:      log,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it closed on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.settings, r.transition)
	b.now = r.now
	r.breakers[name] = b
	if r.metrics != nil {
		r.metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	}
	return b
}

// Snapshot returns every known breaker, sorted by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the named breaker.
func (r *Registry) Reset(name string) (Snapshot, error) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrUnknown
	}
	b.Reset()
	return b.Snapshot(), nil
}

func (r *Registry) transition(name string, from, to State) {
	ev := r.log.Info()
	if to == StateOpen {
		ev = r.log.Warn()
	}
	ev.Str("service", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
	if r.metrics != nil {
		r.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		r.metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
	}
}
