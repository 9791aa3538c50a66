package eventing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/cascade/internal/ir"
)

// Sink receives published events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// ErrClosed is returned for events journaled after Close.
var ErrClosed = errors.New("async journal is closed")

// Async is a journal that hands events to a Sink on a background
// goroutine, in order. Publish failures are logged and dropped.
type Async struct {
	sink   Sink
	logger *slog.Logger
	queue  *eventQueue
	done   chan struct{}
}

// NewAsync starts the delivery goroutine. Call Close to drain and stop it.
func NewAsync(sink Sink, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:   sink,
		logger: logger,
		queue:  newEventQueue(),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Append implements engine.Journal.
func (a *Async) Append(_ context.Context, rec ir.ActionRecord) error {
	return a.enqueue(RecordEvent(KindAppended, rec))
}

// Complete implements engine.Journal.
func (a *Async) Complete(_ context.Context, rec ir.ActionRecord) error {
	return a.enqueue(RecordEvent(KindCompleted, rec))
}

// Fire implements engine.Journal.
func (a *Async) Fire(_ context.Context, f ir.Firing) error {
	return a.enqueue(FiringEvent(f))
}

func (a *Async) enqueue(e Event) error {
	if !a.queue.Enqueue(e) {
		return ErrClosed
	}
	return nil
}

// Pending returns the number of events not yet delivered.
func (a *Async) Pending() int {
	return a.queue.Len()
}

// Close stops accepting events and waits until the queued ones are
// delivered or ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.queue.Close()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	ctx := context.Background()

	for {
		for {
			e, ok := a.queue.TryDequeue()
			if !ok {
				break
			}
			if err := a.sink.Publish(ctx, e); err != nil {
				a.logger.Warn("event publish failed",
					"kind", e.Kind,
					"flow_id", e.FlowID,
					"seq", e.Seq,
					"error", err,
				)
			}
		}
		if a.queue.Closed() && a.queue.Len() == 0 {
			return
		}
		<-a.queue.Wait()
	}
}
