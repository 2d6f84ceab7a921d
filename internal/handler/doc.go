// Package handler implements the proxy request handler.
//
// Every inbound request is classified in order: CORS preflight, health
// check, method check, path whitelist, and finally forwarding. Forwarded
// requests go round-robin across the backend pool with bounded retry, and
// the backend response is relayed with CORS and diagnostic headers added.
// All handler-originated errors share one JSON shape with type
// "proxy_error" and carry the CORS headers.
package handler
