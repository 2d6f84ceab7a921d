// Package healthcheck periodically probes each backend and records whether
// it answered. Results feed the health document and the reachability gauge
// only; they never take a backend out of rotation.
package healthcheck
