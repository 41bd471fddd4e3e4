// Package eventloop runs event handlers and API calls on one goroutine.
package eventloop

import (
	"context"
	"sync"

	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
	"gopkg.in/tomb.v2"
)

const (
	ErrQueueFull = errors.ErrResourceExhausted
	ErrStopped   = errors.ErrorCode("eventloop_stopped")
	ErrCancelled = errors.ErrTimeout

	DefaultDepth = 64
)

// Loop serializes events of type E and closures submitted with Do. Events
// queued before a call was submitted are handled before the call runs.
type Loop[E any] struct {
	tomb    tomb.Tomb
	events  chan E
	calls   chan func()
	log     logger.Logger
	mu      sync.Mutex
	started bool
}

func New[E any](depth int, log logger.Logger) *Loop[E] {
	if depth <= 0 {
		depth = DefaultDepth
	}

	return &Loop[E]{
		events: make(chan E, depth),
		calls:  make(chan func()),
		log:    log.With("eventloop"),
	}
}

// Start launches the loop goroutine. Handler errors are logged and do not
// stop the loop.
func (l *Loop[E]) Start(handle func(E) error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return
	}
	l.started = true

	l.tomb.Go(func() error {
		return l.run(handle)
	})
}

func (l *Loop[E]) run(handle func(E) error) error {
	for {
		select {
		case <-l.tomb.Dying():
			return nil
		case ev := <-l.events:
			l.dispatch(handle, ev)
		case fn := <-l.calls:
			l.drain(handle)
			fn()
		}
	}
}

func (l *Loop[E]) drain(handle func(E) error) {
	for {
		select {
		case ev := <-l.events:
			l.dispatch(handle, ev)
		default:
			return
		}
	}
}

func (l *Loop[E]) dispatch(handle func(E) error, ev E) {
	if err := handle(ev); err != nil {
		l.log.Warn().Err(err).Interface("event", ev).Msg("Event handler failed")
	}
}

// PutEvent queues ev without blocking, so it is safe to call from the loop
// goroutine itself.
func (l *Loop[E]) PutEvent(ev E) error {
	errFactory := errors.New()

	select {
	case <-l.tomb.Dying():
		return errFactory.New(ErrStopped)
	default:
	}

	select {
	case l.events <- ev:
		return nil
	default:
		return errFactory.WithData(ErrQueueFull, cap(l.events))
	}
}

// PostEvent queues ev, waiting for room while the queue is full. It fails
// only once the loop is stopping. It must not be called from the loop
// goroutine.
func (l *Loop[E]) PostEvent(ev E) error {
	select {
	case <-l.tomb.Dying():
		return errors.New().New(ErrStopped)
	default:
	}

	select {
	case l.events <- ev:
		return nil
	case <-l.tomb.Dying():
		return errors.New().New(ErrStopped)
	}
}

// Do runs fn on the loop goroutine and waits for it to return. It must not
// be called from the loop goroutine.
func (l *Loop[E]) Do(ctx context.Context, fn func()) error {
	errFactory := errors.New()
	done := make(chan struct{})

	select {
	case l.calls <- func() { fn(); close(done) }:
	case <-l.tomb.Dying():
		return errFactory.New(ErrStopped)
	case <-ctx.Done():
		return errFactory.Wrap(ErrCancelled, ctx.Err())
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errFactory.Wrap(ErrCancelled, ctx.Err())
	}
}

// Stop terminates the loop and waits for the goroutine to exit. Queued
// events are discarded.
func (l *Loop[E]) Stop() error {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()

	l.tomb.Kill(nil)
	if !started {
		return nil
	}

	return l.tomb.Wait()
}
