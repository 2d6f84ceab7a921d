// Package backend models a single upstream in the proxy pool. It builds
// target URLs, performs one outbound attempt with a header timeout, and
// tracks in-flight attempts, response latency and probe reachability.
package backend
