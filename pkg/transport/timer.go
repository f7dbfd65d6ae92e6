package transport

import (
	"sync"
	"time"
)

// Timer is a restartable one-shot. The callback runs on its own
// goroutine; a callback already in flight when Stop or Restart is
// called may still run, so callers must tolerate one late firing.
type Timer struct {
	mu sync.Mutex
	t  *time.Timer
}

func NewTimer(d time.Duration, f func()) *Timer {
	return &Timer{t: time.AfterFunc(d, f)}
}

// Restart re-arms the timer for d from now, whether or not it has
// already fired.
func (t *Timer) Restart(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.t.Stop()
	t.t.Reset(d)
}

// Stop cancels the pending firing. It reports whether a firing was
// actually cancelled.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t.Stop()
}
