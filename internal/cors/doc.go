// Package cors holds the static CORS response header set.
package cors
