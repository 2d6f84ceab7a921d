package strategy

import (
	"github.com/angeloszaimis/edgeproxy/internal/backend"
)

type Strategy interface {
	SelectBackend(backends []*backend.Backend) *backend.Backend
}

// Cursor is implemented by strategies that keep a position in the pool.
type Cursor interface {
	// Position reports the index the next selection would use for a pool
	// of the given size without advancing.
	Position(poolSize int) int
}
