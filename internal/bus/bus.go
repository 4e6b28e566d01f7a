// Package bus routes commands and events to their handlers. A command
// has exactly one handler and its error stops processing; events fan
// out to zero or more handlers whose errors are logged and swallowed.
// After every handler run the unit of work is drained for new events,
// which join the queue, so one command can cascade into many events.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/internal/repository"
)

// CommandHandler executes a single command.
type CommandHandler func(ctx context.Context, cmd domain.Command) error

// EventHandler reacts to a single event.
type EventHandler func(ctx context.Context, event domain.Event) error

// Bus dispatches messages until the queue runs dry. It is built per
// request together with its unit of work and must not be shared.
type Bus struct {
	uow    repository.UnitOfWork
	logger *slog.Logger

	commandHandlers map[domain.CommandKind]CommandHandler
	eventHandlers   map[domain.EventKind][]EventHandler
}

// New returns a bus wired to the given handlers.
func New(uow repository.UnitOfWork, logger *slog.Logger, h *Handlers) *Bus {
	return &Bus{
		uow:             uow,
		logger:          logger,
		commandHandlers: h.commandHandlers(),
		eventHandlers:   h.eventHandlers(),
	}
}

// Subscribe registers an additional handler for one event kind, after
// the built-in ones. The bus is per-request, so callers use this to
// capture an event raised while their own command runs.
func (b *Bus) Subscribe(kind domain.EventKind, handler EventHandler) {
	b.eventHandlers[kind] = append(b.eventHandlers[kind], handler)
}

// Handle processes a message and everything it cascades into.
func (b *Bus) Handle(ctx context.Context, msg domain.Message) error {
	queue := []domain.Message{msg}
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]

		switch m := head.(type) {
		case domain.Command:
			handler, ok := b.commandHandlers[m.CommandKind()]
			if !ok {
				return fmt.Errorf("no handler for command %s", m.CommandKind())
			}
			if err := handler(ctx, m); err != nil {
				b.logger.ErrorContext(ctx, "command failed",
					"command", string(m.CommandKind()), "error", err)
				return err
			}
			queue = append(queue, b.drain()...)
		case domain.Event:
			for _, handler := range b.eventHandlers[m.EventKind()] {
				if err := handler(ctx, m); err != nil {
					b.logger.ErrorContext(ctx, "event handler failed",
						"event", string(m.EventKind()), "error", err)
					continue
				}
				queue = append(queue, b.drain()...)
			}
		default:
			return fmt.Errorf("message %T is neither command nor event", head)
		}
	}
	return nil
}

func (b *Bus) drain() []domain.Message {
	events := b.uow.CollectNewEvents()
	msgs := make([]domain.Message, 0, len(events))
	for _, event := range events {
		msgs = append(msgs, event)
	}
	return msgs
}
