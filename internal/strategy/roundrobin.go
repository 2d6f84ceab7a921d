package strategy

import (
	"sync/atomic"

	"github.com/angeloszaimis/edgeproxy/internal/backend"
)

type roundRobinStrategy struct {
	current atomic.Uint64
}

func (rb *roundRobinStrategy) SelectBackend(backends []*backend.Backend) *backend.Backend {
	if len(backends) == 0 {
		return nil
	}

	n := rb.current.Add(1)

	index := (n - 1) % uint64(len(backends))

	return backends[index]
}

func (rb *roundRobinStrategy) Position(poolSize int) int {
	if poolSize <= 0 {
		return 0
	}
	return int(rb.current.Load() % uint64(poolSize))
}

// NewRoundRobinStrategy returns a strategy whose cursor starts at the first
// backend and advances by one on every selection. The cursor is atomic, so
// concurrent requests never observe a torn update.
func NewRoundRobinStrategy() Strategy {
	return &roundRobinStrategy{}
}
