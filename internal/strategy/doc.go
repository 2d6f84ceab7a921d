// Package strategy defines how the proxy picks the next backend from the
// pool. The round-robin strategy owns the pool cursor: a single atomic
// counter that advances one position per selection, modulo the pool size.
// Selection is deliberately unaware of backend health.
package strategy
