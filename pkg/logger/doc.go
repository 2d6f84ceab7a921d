// Package logger builds the structured slog logger shared by the proxy,
// the admin listener and the background probes. Records are JSON in prod
// and text elsewhere, and always carry the deployment environment.
package logger
