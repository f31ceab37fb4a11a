// Package listener provides a generic channel-drain worker: one
// goroutine pulling typed values off a channel and handing each to a
// handler until stopped. The HTTP transport uses it to drain an
// outbound send queue without blocking the collective call that
// enqueued the work.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

// Job is anything with an explicit start/stop lifecycle.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains values of type T from a channel, handing each to
// handler in order, until Stop is called or its context is canceled.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

// New returns a Listener reading from in. stopHandler, if given, runs
// once after the drain goroutine has exited.
func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

// Start launches the drain goroutine.
func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			if err := l.run(ctx); err != nil {
				if errors.Is(err, errListenerStopped) {
					return
				}
				slog.Error("listener handler failed", "error", err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp := <-l.in:
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the drain goroutine and waits for it to exit.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
