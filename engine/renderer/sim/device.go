// Package sim is an in-process ray-tracing device. It validates every build,
// barrier and dispatch the way a debug layer would and completes submitted
// work asynchronously on a worker goroutine, or step by step when driven
// manually.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

const (
	baseAddress         uint64 = 0x0000_0001_0000_0000
	addressAlignment    uint64 = 256
	descriptorHeapBase  uint64 = 0x0000_7000_0000_0000
	descriptorHeapSpan  uint64 = 0x0000_0001_0000_0000
	descriptorSize      uint64 = 32
	identifierSize      uint32 = 32
	recordAlignment     uint32 = 32
	tableAlignment      uint32 = 64
	maxRecursionDepth   uint32 = 31
	maxAttributeSize    uint32 = 32
	instanceDescSize    uint64 = 64
	instanceAddrAlign   uint64 = 16
	defaultRaytraceTier        = 1
)

type Config struct {
	Name string
	// DisableRaytracing reports a device without ray-tracing support.
	DisableRaytracing bool
	// CompletionLatency delays each queued operation on the worker.
	CompletionLatency time.Duration
	// ManualCompletion disables the worker; tests advance the queue with Advance.
	ManualCompletion bool
}

// Stats counts what the device has executed so far.
type Stats struct {
	Builds     int
	Refits     int
	Dispatches int
	Copies     int
	Presents   int
	Executions int
}

type Device struct {
	cfg Config

	mu          sync.Mutex
	nextAddress uint64
	nextHeap    uint64
	buffers     map[uuid.UUID]*Buffer
	textures    map[uuid.UUID]*Texture
	fences      []*Fence
	removed     error
	stats       Stats
	released    bool

	queue *Queue
}

func NewDevice(cfg Config) *Device {
	if cfg.Name == "" {
		cfg.Name = "lumen simulated device"
	}
	d := &Device{
		cfg:         cfg,
		nextAddress: baseAddress,
		buffers:     make(map[uuid.UUID]*Buffer),
		textures:    make(map[uuid.UUID]*Texture),
	}
	d.queue = newQueue(d, cfg.CompletionLatency, !cfg.ManualCompletion)
	core.LogDebug("simulated device '%s' created (manual completion: %t)", cfg.Name, cfg.ManualCompletion)
	return d
}

func (d *Device) Capabilities() rhi.Capabilities {
	tier := defaultRaytraceTier
	if d.cfg.DisableRaytracing {
		tier = 0
	}
	return rhi.Capabilities{
		Name:                  d.cfg.Name,
		RaytracingTier:        tier,
		ShaderIdentifierSize:  identifierSize,
		ShaderRecordAlignment: recordAlignment,
		ShaderTableAlignment:  tableAlignment,
		MaxRecursionDepth:     maxRecursionDepth,
	}
}

func (d *Device) Queue() rhi.Queue {
	return d.queue
}

// Removed returns the error that removed the device, or nil.
func (d *Device) Removed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// Remove simulates device loss: every fence wait and submission fails from now on.
func (d *Device) Remove(reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(reason)
}

func (d *Device) removeLocked(reason error) error {
	if d.removed != nil {
		return d.removed
	}
	err := fmt.Errorf("%w: device removed: %v", core.ErrDevice, reason)
	d.removed = err
	for _, f := range d.fences {
		f.timeline.Fail(err)
	}
	core.LogError(err.Error())
	return err
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// LiveBuffers returns how many buffers have not been released.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// ReadBuffer returns a copy of the device-side contents of b.
func (d *Device) ReadBuffer(b rhi.Buffer) []byte {
	sb, ok := b.(*Buffer)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(sb.data))
	copy(out, sb.data)
	return out
}

// Advance completes up to n queued operations in manual mode and returns how many ran.
func (d *Device) Advance(n int) int {
	return d.queue.advance(n)
}

// CompleteAll drains the queue in manual mode.
func (d *Device) CompleteAll() int {
	return d.queue.advance(-1)
}

// PendingOperations is the number of queued operations not yet completed.
func (d *Device) PendingOperations() int {
	return d.queue.pending()
}

func (d *Device) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	d.mu.Unlock()

	d.queue.stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, b := range d.buffers {
		b.released = true
		delete(d.buffers, id)
	}
	for id, t := range d.textures {
		t.released = true
		delete(d.textures, id)
	}
	core.LogDebug("simulated device '%s' released", d.cfg.Name)
}

func (d *Device) allocateAddress(size uint64) rhi.GPUVirtualAddress {
	addr := math.AlignUp(d.nextAddress, addressAlignment)
	span := math.AlignUp(size, addressAlignment)
	if span == 0 {
		span = addressAlignment
	}
	d.nextAddress = addr + span
	return rhi.GPUVirtualAddress(addr)
}

// resolve finds the live buffer containing addr and the offset of addr inside it.
func (d *Device) resolve(addr rhi.GPUVirtualAddress) (*Buffer, uint64, bool) {
	if addr == 0 {
		return nil, 0, false
	}
	for _, b := range d.buffers {
		start := uint64(b.address)
		if uint64(addr) >= start && uint64(addr) < start+b.desc.Size {
			return b, uint64(addr) - start, true
		}
	}
	return nil, 0, false
}

func (d *Device) checkAlive() error {
	if d.released {
		return fmt.Errorf("%w: device released", core.ErrDevice)
	}
	return d.removed
}
