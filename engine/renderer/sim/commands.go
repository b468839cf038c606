package sim

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

type CommandOp int

const (
	OpBuildAccelerationStructure CommandOp = iota
	OpUAVBarrier
	OpTransitionBarrier
	OpSetDescriptorHeap
	OpSetGlobalRootSignature
	OpSetGlobalRootDescriptorTable
	OpSetPipelineState
	OpDispatchRays
	OpCopyResource
)

func (o CommandOp) String() string {
	switch o {
	case OpBuildAccelerationStructure:
		return "build-acceleration-structure"
	case OpUAVBarrier:
		return "uav-barrier"
	case OpTransitionBarrier:
		return "transition-barrier"
	case OpSetDescriptorHeap:
		return "set-descriptor-heap"
	case OpSetGlobalRootSignature:
		return "set-global-root-signature"
	case OpSetGlobalRootDescriptorTable:
		return "set-global-root-descriptor-table"
	case OpSetPipelineState:
		return "set-pipeline-state"
	case OpDispatchRays:
		return "dispatch-rays"
	case OpCopyResource:
		return "copy-resource"
	}
	return "unknown"
}

// Command is one recorded operation, exposed so callers can inspect ordering.
type Command struct {
	Op            CommandOp
	Build         *rhi.BuildASDesc
	Resource      rhi.Resource
	Source        rhi.Resource
	Before        rhi.ResourceState
	After         rhi.ResourceState
	Heap          rhi.DescriptorHeap
	RootSignature rhi.RootSignature
	Parameter     int
	Handle        rhi.GPUDescriptorHandle
	StateObject   rhi.StateObject
	Dispatch      *rhi.DispatchRaysDesc
}

type CommandAllocator struct {
	device *Device
	// inFlight counts executions that still reference the allocator.
	inFlight int
}

func (d *Device) CreateCommandAllocator() (rhi.CommandAllocator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return &CommandAllocator{device: d}, nil
}

func (a *CommandAllocator) Reset() error {
	n := a.device.queue.allocatorInFlight(a)
	if n > 0 {
		return core.NewValidationError("command_allocator", "reset while %d submissions are still executing", n)
	}
	return nil
}

func (a *CommandAllocator) Release() {}

var errListClosed = errors.New("command list is closed")

type CommandList struct {
	device    *Device
	allocator *CommandAllocator
	open      bool
	commands  []Command
	err       error
}

func (d *Device) CreateCommandList(alloc rhi.CommandAllocator) (rhi.CommandList, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	a, ok := alloc.(*CommandAllocator)
	if !ok || a.device != d {
		return nil, core.NewValidationError("command_list.allocator", "allocator belongs to another device")
	}
	return &CommandList{device: d, allocator: a}, nil
}

// Commands returns what was recorded since the last Reset.
func (l *CommandList) Commands() []Command {
	return l.commands
}

func (l *CommandList) IsOpen() bool {
	return l.open
}

func (l *CommandList) Reset(alloc rhi.CommandAllocator) error {
	if l.open {
		return core.NewValidationError("command_list", "reset of an open list")
	}
	a, ok := alloc.(*CommandAllocator)
	if !ok || a.device != l.device {
		return core.NewValidationError("command_list.allocator", "allocator belongs to another device")
	}
	l.allocator = a
	l.commands = nil
	l.err = nil
	l.open = true
	return nil
}

// Close ends recording and reports the first recording error.
func (l *CommandList) Close() error {
	if !l.open {
		return core.NewValidationError("command_list", "%v", errListClosed)
	}
	l.open = false
	return l.err
}

func (l *CommandList) Release() {
	l.commands = nil
	l.open = false
}

func (l *CommandList) record(cmd Command) {
	if l.err != nil {
		return
	}
	if !l.open {
		l.err = core.NewValidationError("command_list", "%s recorded: %v", cmd.Op, errListClosed)
		return
	}
	l.commands = append(l.commands, cmd)
}

func (l *CommandList) fail(op CommandOp, format string, args ...interface{}) {
	if l.err == nil {
		l.err = core.NewValidationError(op.String(), format, args...)
	}
}

func (l *CommandList) BuildAccelerationStructure(desc *rhi.BuildASDesc) {
	if desc == nil {
		l.fail(OpBuildAccelerationStructure, "nil build description")
		return
	}
	c := *desc
	c.Inputs.Geometries = append([]rhi.GeometryDesc(nil), desc.Inputs.Geometries...)
	l.record(Command{Op: OpBuildAccelerationStructure, Build: &c})
}

func (l *CommandList) UAVBarrier(res rhi.Resource) {
	if res == nil {
		l.fail(OpUAVBarrier, "nil resource")
		return
	}
	l.record(Command{Op: OpUAVBarrier, Resource: res})
}

func (l *CommandList) TransitionBarrier(res rhi.Resource, before, after rhi.ResourceState) {
	if res == nil {
		l.fail(OpTransitionBarrier, "nil resource")
		return
	}
	if before == after {
		l.fail(OpTransitionBarrier, "'%s' transition %s to itself", res.Name(), before)
		return
	}
	l.record(Command{Op: OpTransitionBarrier, Resource: res, Before: before, After: after})
}

func (l *CommandList) SetDescriptorHeap(heap rhi.DescriptorHeap) {
	if heap == nil {
		l.fail(OpSetDescriptorHeap, "nil heap")
		return
	}
	l.record(Command{Op: OpSetDescriptorHeap, Heap: heap})
}

func (l *CommandList) SetGlobalRootSignature(sig rhi.RootSignature) {
	if sig == nil {
		l.fail(OpSetGlobalRootSignature, "nil root signature")
		return
	}
	if sig.Desc().Local {
		l.fail(OpSetGlobalRootSignature, "'%s' is a local root signature", sig.Desc().Name)
		return
	}
	l.record(Command{Op: OpSetGlobalRootSignature, RootSignature: sig})
}

func (l *CommandList) SetGlobalRootDescriptorTable(parameter int, handle rhi.GPUDescriptorHandle) {
	l.record(Command{Op: OpSetGlobalRootDescriptorTable, Parameter: parameter, Handle: handle})
}

func (l *CommandList) SetPipelineState(so rhi.StateObject) {
	if so == nil {
		l.fail(OpSetPipelineState, "nil state object")
		return
	}
	l.record(Command{Op: OpSetPipelineState, StateObject: so})
}

func (l *CommandList) DispatchRays(desc *rhi.DispatchRaysDesc) {
	if desc == nil {
		l.fail(OpDispatchRays, "nil dispatch description")
		return
	}
	if desc.Width == 0 || desc.Height == 0 || desc.Depth == 0 {
		l.fail(OpDispatchRays, "empty dispatch %dx%dx%d", desc.Width, desc.Height, desc.Depth)
		return
	}
	c := *desc
	l.record(Command{Op: OpDispatchRays, Dispatch: &c})
}

func (l *CommandList) CopyResource(dst, src rhi.Resource) {
	if dst == nil || src == nil {
		l.fail(OpCopyResource, "nil resource")
		return
	}
	l.record(Command{Op: OpCopyResource, Resource: dst, Source: src})
}

func (l *CommandList) String() string {
	return fmt.Sprintf("command list (%d commands, open: %t)", len(l.commands), l.open)
}
