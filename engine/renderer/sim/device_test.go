package sim

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

func init() {
	core.SetLogOutput(io.Discard)
}

func newManualDevice(t *testing.T) *Device {
	t.Helper()
	d := NewDevice(Config{ManualCompletion: true})
	t.Cleanup(d.Release)
	return d
}

func mustBuffer(t *testing.T, d *Device, desc rhi.BufferDesc) rhi.Buffer {
	t.Helper()
	b, err := d.CreateBuffer(desc)
	if err != nil {
		t.Fatalf("CreateBuffer(%s): %v", desc.Name, err)
	}
	return b
}

func TestBufferAddressesAreAlignedAndDisjoint(t *testing.T) {
	d := newManualDevice(t)
	a := mustBuffer(t, d, rhi.BufferDesc{Name: "a", Size: 100, Heap: rhi.HeapTypeUpload, InitialState: rhi.ResourceStateGenericRead})
	b := mustBuffer(t, d, rhi.BufferDesc{Name: "b", Size: 1, Heap: rhi.HeapTypeUpload, InitialState: rhi.ResourceStateGenericRead})

	if a.Address()%256 != 0 || b.Address()%256 != 0 {
		t.Fatalf("addresses not 256-aligned: %#x %#x", a.Address(), b.Address())
	}
	if uint64(b.Address()) < uint64(a.Address())+a.Size() {
		t.Fatalf("buffers overlap: a=%#x+%d b=%#x", a.Address(), a.Size(), b.Address())
	}
}

func TestMapRequiresUploadHeap(t *testing.T) {
	d := newManualDevice(t)
	b := mustBuffer(t, d, rhi.BufferDesc{
		Name: "result", Size: 256, AllowUnorderedAccess: true, InitialState: rhi.ResourceStateAccelerationStructure,
	})
	if _, err := b.Map(); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("Map() on default heap = %v, want ErrValidation", err)
	}
}

func TestManualCompletionAdvancesFence(t *testing.T) {
	d := newManualDevice(t)
	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc)
	fence, _ := d.CreateFence(0)

	if err := list.Reset(alloc); err != nil {
		t.Fatal(err)
	}
	if err := list.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Queue().Execute(list); err != nil {
		t.Fatal(err)
	}
	if err := d.Queue().Signal(fence, 1); err != nil {
		t.Fatal(err)
	}

	if err := alloc.Reset(); err == nil {
		t.Fatal("allocator reset while its submission is pending should fail")
	}
	if got := fence.Completed(); got != 0 {
		t.Fatalf("Completed() = %d before Advance", got)
	}
	if n := d.Advance(2); n != 2 {
		t.Fatalf("Advance(2) ran %d operations", n)
	}
	if got := fence.Completed(); got != 1 {
		t.Fatalf("Completed() = %d, want 1", got)
	}
	if err := alloc.Reset(); err != nil {
		t.Fatalf("allocator reset after completion: %v", err)
	}
}

func TestRemovedDeviceFailsWaits(t *testing.T) {
	d := newManualDevice(t)
	fence, _ := d.CreateFence(0)

	done := make(chan error, 1)
	go func() {
		done <- fence.WaitAtLeast(context.Background(), 5)
	}()
	d.Remove(errors.New("hung"))

	if err := <-done; !errors.Is(err, core.ErrDevice) {
		t.Fatalf("WaitAtLeast after removal = %v, want ErrDevice", err)
	}
}

func TestInvalidBarrierRemovesDevice(t *testing.T) {
	d := newManualDevice(t)
	tex, err := d.CreateTexture(rhi.TextureDesc{
		Name: "output", Width: 4, Height: 4, Format: rhi.FormatR8G8B8A8Unorm,
		AllowUnorderedAccess: true, InitialState: rhi.ResourceStateCopySource,
	})
	if err != nil {
		t.Fatal(err)
	}
	alloc, _ := d.CreateCommandAllocator()
	list, _ := d.CreateCommandList(alloc)
	list.Reset(alloc)
	list.TransitionBarrier(tex, rhi.ResourceStateUnorderedAccess, rhi.ResourceStateCopySource)
	list.Close()

	if err := d.Queue().Execute(list); !errors.Is(err, core.ErrDevice) {
		t.Fatalf("Execute() = %v, want ErrDevice", err)
	}
	if d.Removed() == nil {
		t.Fatal("device should be removed")
	}
}

func TestStateObjectRejectsMissingExport(t *testing.T) {
	d := newManualDevice(t)
	global, _ := d.CreateRootSignature(rhi.RootSignatureDesc{Name: "global"})
	subs := []rhi.Subobject{
		{Type: rhi.SubobjectLibrary, Library: &rhi.LibraryDesc{Bytecode: []byte("RayGen Miss"), Exports: []string{"RayGen", "ClosestHit"}}},
		{Type: rhi.SubobjectShaderConfig, ShaderConfig: &rhi.ShaderConfigDesc{MaxPayloadSize: 16, MaxAttributeSize: 8}},
		{Type: rhi.SubobjectPipelineConfig, PipelineConfig: &rhi.PipelineConfigDesc{MaxTraceRecursionDepth: 1}},
		{Type: rhi.SubobjectGlobalRootSignature, RootSignature: global},
	}
	if _, err := d.CreateStateObject(subs); !errors.Is(err, core.ErrCompilation) {
		t.Fatalf("CreateStateObject() = %v, want ErrCompilation", err)
	}
}

func TestShaderIdentifiersAreStableAndDistinct(t *testing.T) {
	d := newManualDevice(t)
	global, _ := d.CreateRootSignature(rhi.RootSignatureDesc{Name: "global"})
	subs := []rhi.Subobject{
		{Type: rhi.SubobjectLibrary, Library: &rhi.LibraryDesc{Bytecode: []byte("RayGen Miss Hit"), Exports: []string{"RayGen", "Miss", "Hit"}}},
		{Type: rhi.SubobjectHitGroup, HitGroup: &rhi.HitGroupDesc{Name: "HitGroup", ClosestHit: "Hit"}},
		{Type: rhi.SubobjectShaderConfig, ShaderConfig: &rhi.ShaderConfigDesc{MaxPayloadSize: 16, MaxAttributeSize: 8}},
		{Type: rhi.SubobjectPipelineConfig, PipelineConfig: &rhi.PipelineConfigDesc{MaxTraceRecursionDepth: 1}},
		{Type: rhi.SubobjectGlobalRootSignature, RootSignature: global},
	}
	a, err := d.CreateStateObject(subs)
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.CreateStateObject(subs)
	if err != nil {
		t.Fatal(err)
	}

	ra, _ := a.ShaderIdentifier("RayGen")
	rb, _ := b.ShaderIdentifier("RayGen")
	hg, ok := a.ShaderIdentifier("HitGroup")
	if !ok || len(hg) != 32 {
		t.Fatalf("hit group identifier = %x, %t", hg, ok)
	}
	if string(ra) != string(rb) {
		t.Fatal("identical pipelines should issue identical identifiers")
	}
	if string(ra) == string(hg) {
		t.Fatal("distinct exports share an identifier")
	}
	if _, ok := a.ShaderIdentifier("Unknown"); ok {
		t.Fatal("unknown export should have no identifier")
	}
}
