// Package loadbalancer holds the backend pool and hands out the backend for
// each forwarding attempt.
package loadbalancer
