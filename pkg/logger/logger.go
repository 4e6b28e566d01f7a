// Package logger builds the process-wide structured logger. Every
// binary logs JSON to stdout with a service attribute, so log lines
// from the api, the migrator and the deploy runner stay attributable
// when they end up in the same stream.
package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON logger tagged with the service name at the given
// minimum level.
func New(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", service)
}
