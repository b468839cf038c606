package frame

import (
	"context"
	"errors"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/containers"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

var ErrSchedulerClosed = errors.New("frame scheduler is shut down")

type SlotState int

const (
	SlotIdle SlotState = iota
	SlotRecording
	SlotSubmitted
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotRecording:
		return "recording"
	case SlotSubmitted:
		return "submitted"
	}
	return "unknown"
}

type slot struct {
	allocator rhi.CommandAllocator
	// target is the counter value signaled after this slot's last submission.
	target uint64
	state  SlotState
}

// Scheduler paces CPU recording against GPU completion over a fixed ring of
// frame slots. It is driven from a single goroutine.
type Scheduler struct {
	device    rhi.Device
	queue     rhi.Queue
	fence     rhi.Fence
	list      rhi.CommandList
	swapChain rhi.SwapChain

	slots []*slot
	// inFlight holds signaled targets in submission order.
	inFlight *containers.RingQueue[uint64]

	frame   uint64
	value   uint64
	current int
	closed  bool

	clock   *core.Clock
	metrics *core.FrameMetrics
}

type Option func(*Scheduler)

// WithSwapChain makes EndFrame present after every submission.
func WithSwapChain(sc rhi.SwapChain) Option {
	return func(s *Scheduler) {
		s.swapChain = sc
	}
}

func NewScheduler(device rhi.Device, ringSize int, opts ...Option) (*Scheduler, error) {
	if ringSize < 1 {
		return nil, core.NewValidationError("ring_size", "must be at least 1, got %d", ringSize)
	}

	s := &Scheduler{
		device:   device,
		queue:    device.Queue(),
		slots:    make([]*slot, ringSize),
		inFlight: containers.NewRingQueue[uint64](ringSize),
		current:  -1,
		clock:    core.NewClock(),
		metrics:  core.NewFrameMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ok := false
	defer func() {
		if !ok {
			s.release()
		}
	}()

	for i := range s.slots {
		alloc, err := device.CreateCommandAllocator()
		if err != nil {
			err = fmt.Errorf("failed to create command allocator for slot %d: %w", i, err)
			core.LogError(err.Error())
			return nil, err
		}
		s.slots[i] = &slot{allocator: alloc}
	}

	list, err := device.CreateCommandList(s.slots[0].allocator)
	if err != nil {
		err = fmt.Errorf("failed to create command list: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	s.list = list

	fence, err := device.CreateFence(0)
	if err != nil {
		err = fmt.Errorf("failed to create frame fence: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	s.fence = fence

	ok = true
	core.LogDebug("frame scheduler created with %d slots", ringSize)
	return s, nil
}

// BeginFrame opens the slot for the next frame, blocking until the GPU has
// finished the work previously submitted from it.
func (s *Scheduler) BeginFrame(ctx context.Context) (int, error) {
	if s.closed {
		return -1, ErrSchedulerClosed
	}
	if s.current >= 0 {
		return -1, core.NewValidationError("frame", "slot %d is still recording", s.current)
	}

	index := int(s.frame % uint64(len(s.slots)))
	sl := s.slots[index]
	if sl.state == SlotSubmitted {
		if err := s.wait(ctx, sl.target); err != nil {
			return -1, err
		}
		sl.state = SlotIdle
	}
	s.retire()

	if err := sl.allocator.Reset(); err != nil {
		err = fmt.Errorf("failed to reset allocator of slot %d: %w", index, err)
		core.LogError(err.Error())
		return -1, err
	}
	if err := s.list.Reset(sl.allocator); err != nil {
		err = fmt.Errorf("failed to reset command list for slot %d: %w", index, err)
		core.LogError(err.Error())
		return -1, err
	}

	sl.state = SlotRecording
	s.current = index
	s.clock.Start()
	return index, nil
}

// EndFrame closes and submits the recording slot, signals the next counter
// value and presents when a swap chain is attached.
func (s *Scheduler) EndFrame(ctx context.Context, index int) error {
	if s.closed {
		return ErrSchedulerClosed
	}
	if index != s.current || index < 0 {
		return core.NewValidationError("frame", "slot %d is not recording", index)
	}

	sl := s.slots[index]
	if err := s.list.Close(); err != nil {
		err = fmt.Errorf("failed to close command list of slot %d: %w", index, err)
		core.LogError(err.Error())
		s.abort(false)
		return err
	}
	if err := s.queue.Execute(s.list); err != nil {
		err = fmt.Errorf("failed to execute slot %d: %w", index, err)
		core.LogError(err.Error())
		s.abort(false)
		return err
	}

	s.value++
	if err := s.queue.Signal(s.fence, s.value); err != nil {
		err = fmt.Errorf("failed to signal %d: %w", s.value, err)
		core.LogError(err.Error())
		return err
	}
	sl.target = s.value
	sl.state = SlotSubmitted
	if s.inFlight.IsFull() {
		s.inFlight.Dequeue()
	}
	s.inFlight.Enqueue(s.value)

	if s.swapChain != nil {
		if err := s.swapChain.Present(); err != nil {
			err = fmt.Errorf("failed to present frame %d: %w", s.frame, err)
			core.LogError(err.Error())
			return err
		}
	}

	s.current = -1
	s.frame++
	s.clock.Update()
	s.metrics.Update(s.clock.Elapsed())
	return nil
}

// AbortFrame drops the recording of slot index without submitting it. The
// slot returns to idle and the next BeginFrame reuses it.
func (s *Scheduler) AbortFrame(index int) error {
	if s.closed {
		return ErrSchedulerClosed
	}
	if index != s.current || index < 0 {
		return core.NewValidationError("frame", "slot %d is not recording", index)
	}
	s.abort(true)
	return nil
}

func (s *Scheduler) abort(closeList bool) {
	if closeList {
		if err := s.list.Close(); err != nil {
			core.LogDebug("closing abandoned recording of slot %d: %s", s.current, err)
		}
	}
	core.LogDebug("frame %d abandoned in slot %d", s.frame, s.current)
	s.slots[s.current].state = SlotIdle
	s.current = -1
}

// Drain waits for every submitted frame. Required before replacing objects
// the in-flight frames reference.
func (s *Scheduler) Drain(ctx context.Context) error {
	if s.closed {
		return ErrSchedulerClosed
	}
	if err := s.wait(ctx, s.value); err != nil {
		return err
	}
	for _, sl := range s.slots {
		if sl.state == SlotSubmitted {
			sl.state = SlotIdle
		}
	}
	s.retire()
	return nil
}

// Shutdown signals a final value, waits for it and releases the slots.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.closed {
		return ErrSchedulerClosed
	}
	if s.current >= 0 {
		// Abandon the open recording; it was never submitted.
		s.abort(true)
	}

	s.value++
	if err := s.queue.Signal(s.fence, s.value); err != nil {
		err = fmt.Errorf("failed to signal final value %d: %w", s.value, err)
		core.LogError(err.Error())
		return err
	}
	if err := s.wait(ctx, s.value); err != nil {
		return err
	}
	for _, sl := range s.slots {
		sl.state = SlotIdle
	}
	s.retire()
	s.closed = true
	s.release()
	core.LogDebug("frame scheduler shut down after %d frames", s.frame)
	return nil
}

func (s *Scheduler) wait(ctx context.Context, target uint64) error {
	if err := s.fence.WaitAtLeast(ctx, target); err != nil {
		if !errors.Is(err, core.ErrDevice) {
			err = fmt.Errorf("%w: %v", core.ErrDevice, err)
		}
		core.LogError(err.Error())
		return err
	}
	return nil
}

// retire drops targets the device has already reached.
func (s *Scheduler) retire() {
	completed := s.fence.Completed()
	for {
		target, err := s.inFlight.Peek()
		if err != nil || target > completed {
			return
		}
		s.inFlight.Dequeue()
	}
}

func (s *Scheduler) release() {
	if s.list != nil {
		s.list.Release()
		s.list = nil
	}
	for _, sl := range s.slots {
		if sl != nil && sl.allocator != nil {
			sl.allocator.Release()
			sl.allocator = nil
		}
	}
	if s.fence != nil {
		s.fence.Release()
		s.fence = nil
	}
}

// CommandList is the list shared by every slot. Valid between BeginFrame and EndFrame.
func (s *Scheduler) CommandList() rhi.CommandList {
	return s.list
}

func (s *Scheduler) RingSize() int {
	return len(s.slots)
}

// FrameNumber is the number of frames submitted so far.
func (s *Scheduler) FrameNumber() uint64 {
	return s.frame
}

// SlotState reports the lifecycle state of slot index.
func (s *Scheduler) SlotState(index int) SlotState {
	return s.slots[index].state
}

// SlotTarget is the counter value that marks slot index's last submission complete.
func (s *Scheduler) SlotTarget(index int) uint64 {
	return s.slots[index].target
}

// InFlight returns how many submissions the device has not yet completed.
func (s *Scheduler) InFlight() int {
	s.retire()
	return s.inFlight.Len()
}

// LastSignaled is the most recent counter value handed to the queue.
func (s *Scheduler) LastSignaled() uint64 {
	return s.value
}

func (s *Scheduler) Metrics() *core.FrameMetrics {
	return s.metrics
}
