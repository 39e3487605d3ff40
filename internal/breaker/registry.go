package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry owns one breaker per tracked dependency so health probes can see
// every circuit in one place.
type Registry struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a registry applying the same threshold/cooldown policy
// to every dependency it tracks.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named dependency, creating it on first use.
func (r *Registry) Get(dependency string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[dependency]
	if !ok {
		b = New(dependency, r.threshold, r.cooldown)
		r.breakers[dependency] = b
	}
	return b
}

// Snapshot reports the health of every tracked dependency, sorted by name.
func (r *Registry) Snapshot() []Health {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	healths := make([]Health, 0, len(breakers))
	for _, b := range breakers {
		healths = append(healths, b.Health())
	}
	sort.Slice(healths, func(i, j int) bool { return healths[i].Dependency < healths[j].Dependency })
	return healths
}
