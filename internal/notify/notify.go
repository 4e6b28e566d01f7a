// Package notify delivers out-of-band notifications about finished
// deployments, independent of connected websocket clients.
package notify

import (
	"context"
	"log/slog"
)

// Notifier delivers a human-readable notification to a destination,
// typically the admin address from the configuration.
type Notifier interface {
	Send(ctx context.Context, destination, message string) error
}

// LogNotifier writes notifications to the structured log. It is the
// default sink when no external channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a Notifier backed by the given logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, destination, message string) error {
	n.logger.InfoContext(ctx, "notification", "destination", destination, "message", message)
	return nil
}
