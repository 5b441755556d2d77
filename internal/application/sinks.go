package application

import (
	"context"

	"github.com/davarch/stage-watcher/internal/domain"
	"go.uber.org/multierr"
)

// Sinks fans an event out to every sink in order. All sinks see the event
// even when an earlier one fails.
type Sinks []domain.StatusSink

func (s Sinks) Handle(ctx context.Context, ev domain.Event) error {
	var err error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		err = multierr.Append(err, sink.Handle(ctx, ev))
	}
	return err
}
