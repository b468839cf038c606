package accel

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
	"github.com/spaghettifunk/lumen/engine/renderer/sim"
)

func init() {
	core.SetLogOutput(io.Discard)
}

type fixture struct {
	dev     *sim.Device
	alloc   rhi.CommandAllocator
	list    *sim.CommandList
	builder *Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := sim.NewDevice(sim.Config{ManualCompletion: true})
	t.Cleanup(dev.Release)
	alloc, err := dev.CreateCommandAllocator()
	if err != nil {
		t.Fatal(err)
	}
	list, err := dev.CreateCommandList(alloc)
	if err != nil {
		t.Fatal(err)
	}
	if err := list.Reset(alloc); err != nil {
		t.Fatal(err)
	}
	return &fixture{dev: dev, alloc: alloc, list: list.(*sim.CommandList), builder: NewBuilder(dev)}
}

// submit closes the list, executes it to completion and reopens it.
func (f *fixture) submit(t *testing.T) {
	t.Helper()
	if err := f.list.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.dev.Queue().Execute(f.list); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	f.dev.CompleteAll()
	if err := f.alloc.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := f.list.Reset(f.alloc); err != nil {
		t.Fatal(err)
	}
}

func triangle(t *testing.T, dev rhi.Device) *Geometry {
	t.Helper()
	g, err := UploadGeometry(dev, "triangle", []math.Vec3{
		{X: 0, Y: 1, Z: 0}, {X: 0.866, Y: -0.5, Z: 0}, {X: -0.866, Y: -0.5, Z: 0},
	}, nil, true)
	if err != nil {
		t.Fatalf("UploadGeometry: %v", err)
	}
	return g
}

func (f *fixture) blas(t *testing.T) *BottomLevel {
	t.Helper()
	b, err := f.builder.BuildBottomLevel(f.list, []*Geometry{triangle(t, f.dev)}, rhi.BuildFlagNone)
	if err != nil {
		t.Fatalf("BuildBottomLevel: %v", err)
	}
	return b
}

func TestInstanceDescriptorRoundTrip(t *testing.T) {
	f := newFixture(t)
	blas := f.blas(t)

	transform := math.NewMat4EulerY(0.5).Mul(math.NewMat4Translation(math.NewVec3(-2, 3, 4)))
	inst := Instance{
		Transform:          transform,
		ID:                 MaxInstanceID,
		Mask:               0xA5,
		ContributionOffset: 0x123456,
		Flags:              InstanceFlagTriangleCullDisable | InstanceFlagForceOpaque,
		BLAS:               blas,
	}
	desc, err := NewInstanceDescriptor(inst)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, InstanceDescriptorSize)
	if err := desc.Encode(buf); err != nil {
		t.Fatal(err)
	}

	if got := binary.LittleEndian.Uint64(buf[56:]); got != uint64(blas.Address()) {
		t.Fatalf("address at 56 = %#x, want %#x", got, uint64(blas.Address()))
	}
	if buf[51] != 0xA5 || buf[55] != uint8(inst.Flags) {
		t.Fatalf("mask/flags bytes = %#x/%#x", buf[51], buf[55])
	}

	back, err := DecodeInstanceDescriptor(buf)
	if err != nil {
		t.Fatal(err)
	}
	if back != desc {
		t.Fatalf("round trip = %+v, want %+v", back, desc)
	}
	if back.Transform.Mat4() != transform {
		t.Fatalf("transform round trip = %v, want %v", back.Transform.Mat4().Data, transform.Data)
	}
	if back.Transform.Rows[0][3] != transform.Data[12] {
		t.Fatalf("row 0 translation = %v, want %v", back.Transform.Rows[0][3], transform.Data[12])
	}
}

func TestInstanceFieldsMustFit24Bits(t *testing.T) {
	f := newFixture(t)
	blas := f.blas(t)
	cases := []Instance{
		{Transform: math.NewMat4Identity(), ID: MaxInstanceID + 1, BLAS: blas},
		{Transform: math.NewMat4Identity(), ContributionOffset: 1 << 24, BLAS: blas},
		{Transform: math.NewMat4Identity()},
	}
	for i, inst := range cases {
		if _, err := NewInstanceDescriptor(inst); !errors.Is(err, core.ErrValidation) {
			t.Errorf("case %d: NewInstanceDescriptor = %v, want ErrValidation", i, err)
		}
	}
}

func TestBuildBottomLevelRecordsBuildThenBarrier(t *testing.T) {
	f := newFixture(t)
	blas := f.blas(t)

	cmds := f.list.Commands()
	if len(cmds) != 2 {
		t.Fatalf("recorded %d commands, want 2", len(cmds))
	}
	if cmds[0].Op != sim.OpBuildAccelerationStructure || cmds[0].Build.Dest != blas.Address() {
		t.Fatalf("first command = %s", cmds[0].Op)
	}
	if cmds[1].Op != sim.OpUAVBarrier || cmds[1].Resource != blas.Result() {
		t.Fatalf("second command = %s on %v", cmds[1].Op, cmds[1].Resource)
	}
	f.submit(t)
	if got := f.dev.Stats().Builds; got != 1 {
		t.Fatalf("Builds = %d", got)
	}

	buffers := f.dev.LiveBuffers()
	blas.ReleaseScratch()
	if got := f.dev.LiveBuffers(); got != buffers-1 {
		t.Fatalf("ReleaseScratch freed %d buffers", buffers-got)
	}
}

func TestBuildBottomLevelRejectsEmptyInput(t *testing.T) {
	f := newFixture(t)
	if _, err := f.builder.BuildBottomLevel(f.list, nil, rhi.BuildFlagNone); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("BuildBottomLevel(nil) = %v", err)
	}
	if len(f.list.Commands()) != 0 {
		t.Fatal("a rejected build must not record commands")
	}
}

func TestTopLevelScratchCoversRefit(t *testing.T) {
	f := newFixture(t)
	blas := f.blas(t)
	tlas, err := f.builder.BuildTopLevel(f.list, []Instance{{Transform: math.NewMat4Identity(), Mask: 0xFF, BLAS: blas}}, rhi.BuildFlagNone)
	if err != nil {
		t.Fatal(err)
	}
	info := tlas.PrebuildInfo()
	if tlas.scratch.Size() < info.ScratchDataSize || tlas.scratch.Size() < info.UpdateScratchDataSize {
		t.Fatalf("scratch %d smaller than build %d or update %d", tlas.scratch.Size(), info.ScratchDataSize, info.UpdateScratchDataSize)
	}
	if !tlas.flags.Has(rhi.BuildFlagAllowUpdate) {
		t.Fatal("top-level build must allow updates")
	}
	f.submit(t)
}

func readInstanceAddresses(t *testing.T, dev *sim.Device, tlas *TopLevel) []uint64 {
	t.Helper()
	blob := dev.ReadBuffer(tlas.Result())
	n := binary.LittleEndian.Uint32(blob[4:])
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(blob[64+i*InstanceDescriptorSize+56:])
	}
	return out
}

func TestRefitTwiceIsStable(t *testing.T) {
	f := newFixture(t)
	a := f.blas(t)
	b := f.blas(t)
	instances := []Instance{
		{Transform: math.NewMat4Translation(math.NewVec3(-1, 0, 0)), ID: 0, Mask: 0xFF, BLAS: a},
		{Transform: math.NewMat4Translation(math.NewVec3(1, 0, 0)), ID: 1, Mask: 0xFF, ContributionOffset: 1, BLAS: b},
	}
	tlas, err := f.builder.BuildTopLevel(f.list, instances, rhi.BuildFlagNone)
	if err != nil {
		t.Fatal(err)
	}
	f.submit(t)
	size := tlas.Result().Size()
	addr := tlas.Address()

	var snapshots [2][]uint64
	for i := range snapshots {
		if err := f.builder.RefitTopLevel(f.list, tlas, instances); err != nil {
			t.Fatalf("refit %d: %v", i, err)
		}
		f.submit(t)
		snapshots[i] = readInstanceAddresses(t, f.dev, tlas)
	}

	if tlas.Result().Size() != size || tlas.Address() != addr {
		t.Fatal("refit reallocated the result buffer")
	}
	if len(snapshots[0]) != 2 || snapshots[0][0] != uint64(a.Address()) || snapshots[0][1] != uint64(b.Address()) {
		t.Fatalf("first refit references %x", snapshots[0])
	}
	if snapshots[0][0] != snapshots[1][0] || snapshots[0][1] != snapshots[1][1] {
		t.Fatalf("refits disagree: %x vs %x", snapshots[0], snapshots[1])
	}
	if got := f.dev.Stats().Refits; got != 2 {
		t.Fatalf("Refits = %d, want 2", got)
	}
}

func TestRefitAfterUseWaitsWithBarrier(t *testing.T) {
	f := newFixture(t)
	blas := f.blas(t)
	instances := []Instance{{Transform: math.NewMat4Identity(), Mask: 0xFF, BLAS: blas}}
	tlas, err := f.builder.BuildTopLevel(f.list, instances, rhi.BuildFlagNone)
	if err != nil {
		t.Fatal(err)
	}
	f.submit(t)

	tlas.MarkUsed()
	instances[0].Transform = math.NewMat4EulerY(0.25)
	if err := f.builder.RefitTopLevel(f.list, tlas, instances); err != nil {
		t.Fatal(err)
	}
	cmds := f.list.Commands()
	want := []sim.CommandOp{sim.OpUAVBarrier, sim.OpBuildAccelerationStructure, sim.OpUAVBarrier}
	if len(cmds) != len(want) {
		t.Fatalf("recorded %d commands, want %d", len(cmds), len(want))
	}
	for i, op := range want {
		if cmds[i].Op != op {
			t.Fatalf("command %d = %s, want %s", i, cmds[i].Op, op)
		}
	}
	build := cmds[1].Build
	if build.Source != build.Dest || !build.Inputs.Flags.Has(rhi.BuildFlagPerformUpdate) {
		t.Fatalf("refit build = %+v", build)
	}
	f.submit(t)
}

func TestRefitRejectsInstanceCountChange(t *testing.T) {
	f := newFixture(t)
	blas := f.blas(t)
	instances := []Instance{{Transform: math.NewMat4Identity(), BLAS: blas}}
	tlas, err := f.builder.BuildTopLevel(f.list, instances, rhi.BuildFlagNone)
	if err != nil {
		t.Fatal(err)
	}
	f.submit(t)

	more := append(instances, Instance{Transform: math.NewMat4Identity(), BLAS: blas})
	if err := f.builder.RefitTopLevel(f.list, tlas, more); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("RefitTopLevel with 2 instances = %v, want ErrValidation", err)
	}
}

func TestTopLevelRejectsReleasedBottomLevel(t *testing.T) {
	f := newFixture(t)
	blas := f.blas(t)
	f.submit(t)
	blas.Release()

	_, err := f.builder.BuildTopLevel(f.list, []Instance{{Transform: math.NewMat4Identity(), BLAS: blas}}, rhi.BuildFlagNone)
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("BuildTopLevel over released BLAS = %v, want ErrValidation", err)
	}
}

func TestUploadGeometryValidatesIndices(t *testing.T) {
	f := newFixture(t)
	_, err := UploadGeometry(f.dev, "bad", []math.Vec3{{}, {}, {}}, []uint32{0, 1, 3}, true)
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("UploadGeometry = %v, want ErrValidation", err)
	}
}
