package resilience

import (
	"sort"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"verifyhub/internal/models"
)

// Registry owns one breaker per logical provider endpoint.
type Registry struct {
	settings Settings
	clock    clock.Clock
	onChange StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(settings Settings, clk clock.Clock, onChange StateChangeFunc) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registry{
		settings: settings,
		clock:    clk,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for endpoint, creating it closed on first use.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[endpoint]
	if !ok {
		b = newBreaker(endpoint, r.settings, r.clock, r.onChange)
		r.breakers[endpoint] = b
	}
	return b
}

// Register pre-creates breakers so they show up in snapshots before the
// first call.
func (r *Registry) Register(endpoints ...string) {
	for _, e := range endpoints {
		r.Get(e)
	}
}

func (r *Registry) Snapshot() []models.BreakerState {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]models.BreakerState, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (r *Registry) Reset(endpoint string) (models.BreakerState, error) {
	r.mu.Lock()
	b, ok := r.breakers[endpoint]
	r.mu.Unlock()
	if !ok {
		return models.BreakerState{}, errors.NotFoundf("breaker %q", endpoint)
	}
	b.Reset()
	return b.Snapshot(), nil
}
