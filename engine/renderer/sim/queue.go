package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/frame"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

type opKind int

const (
	opExecute opKind = iota
	opSignal
)

// operation is one entry of the device FIFO. Executions carry the effects
// resolved when they were submitted.
type operation struct {
	kind      opKind
	work      []func()
	allocator *CommandAllocator
	fence     *Fence
	value     uint64
}

type Queue struct {
	device  *Device
	latency time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	ops     []operation
	stopped bool
	done    chan struct{}
	auto    bool
}

func newQueue(d *Device, latency time.Duration, auto bool) *Queue {
	q := &Queue{
		device:  d,
		latency: latency,
		done:    make(chan struct{}),
		auto:    auto,
	}
	q.cond = sync.NewCond(&q.mu)
	if auto {
		go q.worker()
	} else {
		close(q.done)
	}
	return q
}

func (q *Queue) worker() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.ops) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if q.latency > 0 {
			time.Sleep(q.latency)
		}
		q.step()
	}
}

func (q *Queue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}

// step completes the oldest queued operation.
func (q *Queue) step() bool {
	q.mu.Lock()
	if len(q.ops) == 0 {
		q.mu.Unlock()
		return false
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	q.mu.Unlock()

	switch op.kind {
	case opExecute:
		q.device.mu.Lock()
		for _, w := range op.work {
			w()
		}
		q.device.mu.Unlock()
		q.mu.Lock()
		op.allocator.inFlight--
		q.mu.Unlock()
	case opSignal:
		op.fence.timeline.Signal(op.value)
	}
	return true
}

func (q *Queue) advance(n int) int {
	done := 0
	for n < 0 || done < n {
		if !q.step() {
			break
		}
		done++
	}
	return done
}

func (q *Queue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) allocatorInFlight(a *CommandAllocator) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return a.inFlight
}

func (q *Queue) push(op operation) {
	q.mu.Lock()
	if op.kind == opExecute {
		op.allocator.inFlight++
	}
	q.ops = append(q.ops, op)
	q.mu.Unlock()
	q.cond.Signal()
}

// Execute validates each list against the current device state and queues
// its effects. Any invalid command removes the device.
func (q *Queue) Execute(lists ...rhi.CommandList) error {
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok || cl.device != q.device {
			return core.NewValidationError("queue.execute", "command list belongs to another device")
		}
		if cl.open {
			return core.NewValidationError("queue.execute", "command list is still open")
		}

		d := q.device
		d.mu.Lock()
		if err := d.checkAlive(); err != nil {
			d.mu.Unlock()
			return err
		}
		work, err := d.resolveCommands(cl.commands)
		if err != nil {
			err = d.removeLocked(err)
			d.mu.Unlock()
			return err
		}
		d.stats.Executions++
		d.mu.Unlock()

		q.push(operation{kind: opExecute, work: work, allocator: cl.allocator})
	}
	return nil
}

func (q *Queue) Signal(fence rhi.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok || f.device != q.device {
		return core.NewValidationError("queue.signal", "fence belongs to another device")
	}
	if err := q.device.Removed(); err != nil {
		return err
	}
	q.push(operation{kind: opSignal, fence: f, value: value})
	return nil
}

type Fence struct {
	device   *Device
	id       uuid.UUID
	timeline *frame.Timeline
}

func (d *Device) CreateFence(initial uint64) (rhi.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	f := &Fence{device: d, id: uuid.New(), timeline: frame.NewTimeline(initial)}
	d.fences = append(d.fences, f)
	return f, nil
}

func (f *Fence) Completed() uint64 {
	return f.timeline.Completed()
}

func (f *Fence) WaitAtLeast(ctx context.Context, value uint64) error {
	if err := f.timeline.WaitAtLeast(ctx, value); err != nil {
		if !errors.Is(err, core.ErrDevice) {
			err = fmt.Errorf("%w: %v", core.ErrDevice, err)
		}
		return err
	}
	return nil
}

func (f *Fence) Release() {
	f.device.mu.Lock()
	defer f.device.mu.Unlock()
	for i, other := range f.device.fences {
		if other == f {
			f.device.fences = append(f.device.fences[:i], f.device.fences[i+1:]...)
			break
		}
	}
}
