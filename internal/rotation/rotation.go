// Package rotation supplies configured location names in round-robin order so
// scheduled fetches spread evenly across locations.
package rotation

import (
	"errors"
	"sync"

	"github.com/i474232898/weather-ingestion/internal/common"
)

// ErrNoLocations is returned when a Provider is built without any location.
var ErrNoLocations = errors.New("rotation: at least one location is required")

// Provider yields location names cyclically. Each full cycle visits every
// configured name exactly once, in configuration order.
type Provider struct {
	mu    sync.Mutex
	names []string
	next  int
}

// New builds a Provider from names. Blank names are dropped and duplicates are
// kept only at their first position.
func New(names []string) (*Provider, error) {
	deduped := common.DedupeNames(names)
	if len(deduped) == 0 {
		return nil, ErrNoLocations
	}
	return &Provider{names: deduped}, nil
}

// Next returns the name at the head of the rotation and moves it to the tail.
func (p *Provider) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := p.names[p.next]
	p.next = (p.next + 1) % len(p.names)
	return name
}

// Len returns the number of distinct locations in the rotation.
func (p *Provider) Len() int {
	return len(p.names)
}

// Names returns a copy of the configured locations in rotation order.
func (p *Provider) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}
