// Package config loads the proxy configuration from defaults, a YAML file,
// EDGEPROXY_* environment variables and command line flags, then validates
// it. It covers the listener, the path and method whitelist, CORS headers,
// the retry policy, platform header names and the backend pool.
package config
