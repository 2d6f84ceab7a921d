package loadbalancer

import (
	"errors"

	"github.com/angeloszaimis/edgeproxy/internal/backend"
	"github.com/angeloszaimis/edgeproxy/internal/strategy"
)

var ErrNoBackends = errors.New("no backends configured")

// LoadBalancer owns the static backend pool and the strategy that walks it.
// Every backend stays in rotation regardless of probe results.
type LoadBalancer struct {
	strategy strategy.Strategy
	backends []*backend.Backend
}

func NewLoadBalancer(strategy strategy.Strategy, backends []*backend.Backend) (*LoadBalancer, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}

	pool := make([]*backend.Backend, len(backends))
	copy(pool, backends)

	return &LoadBalancer{
		strategy: strategy,
		backends: pool,
	}, nil
}

// Next picks the backend for one forwarding attempt. A single-entry pool
// is returned directly without touching the strategy.
func (lb *LoadBalancer) Next() (*backend.Backend, error) {
	if len(lb.backends) == 1 {
		return lb.backends[0], nil
	}

	chosen := lb.strategy.SelectBackend(lb.backends)
	if chosen == nil {
		return nil, ErrNoBackends
	}
	return chosen, nil
}

// Backends returns the pool in configured order.
func (lb *LoadBalancer) Backends() []*backend.Backend {
	return lb.backends
}

// Cursor reports the pool index the next multi-backend selection would use,
// or 0 when the strategy does not keep a position.
func (lb *LoadBalancer) Cursor() int {
	if c, ok := lb.strategy.(strategy.Cursor); ok {
		return c.Position(len(lb.backends))
	}
	return 0
}
