// Package alarm provides the one-shot timers used to delay DVFS retries.
package alarm

import (
	"sync"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/errors"
)

const ErrInvalidDelay = errors.ErrorCode("alarm_invalid_delay")

// Timer is a restartable one-shot alarm. Starting it while armed replaces
// the previous callback.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
	armed bool
}

func New() *Timer {
	return &Timer{}
}

// StartOneShot runs fn once after delay, on the timer's goroutine.
func (t *Timer) StartOneShot(delay time.Duration, fn func()) error {
	if delay < 0 || fn == nil {
		return errors.New().WithData(ErrInvalidDelay, delay)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}

	t.gen++
	gen := t.gen
	t.armed = true
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.armed = false
		t.mu.Unlock()

		fn()
	})

	return nil
}

// Stop disarms the timer. It reports whether a callback was prevented.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return false
	}

	t.gen++
	t.armed = false
	t.timer.Stop()

	return true
}

// Armed reports whether a callback is still due.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.armed
}
