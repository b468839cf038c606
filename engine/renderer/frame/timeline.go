package frame

import (
	"context"
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
)

// Timeline is a monotonic completion counter. The producer (the device)
// advances it with Signal; consumers block in WaitAtLeast.
type Timeline struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value uint64
	err   error
}

func NewTimeline(initial uint64) *Timeline {
	t := &Timeline{value: initial}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Signal raises the counter to value. Smaller values are ignored.
func (t *Timeline) Signal(value uint64) {
	t.mu.Lock()
	if value > t.value {
		t.value = value
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *Timeline) Completed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Fail wakes every waiter with err. The counter keeps its value; waits on
// values already reached still succeed.
func (t *Timeline) Fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *Timeline) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// WaitAtLeast blocks until the counter reaches value. It does not time out:
// a device that stops progressing without failing stalls the caller.
func (t *Timeline) WaitAtLeast(ctx context.Context, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.value >= value {
		return nil
	}
	core.LoggerFromContext(ctx).Debug("waiting on timeline", "target", value, "completed", t.value)
	for t.value < value && t.err == nil {
		t.cond.Wait()
	}
	if t.value >= value {
		return nil
	}
	return fmt.Errorf("wait for %d (completed %d): %w", value, t.value, t.err)
}
