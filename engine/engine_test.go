package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	stdmath "math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/accel"
	"github.com/spaghettifunk/lumen/engine/renderer/components"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
	"github.com/spaghettifunk/lumen/engine/renderer/sim"
)

func init() {
	core.SetLogOutput(io.Discard)
}

var testLibrary = []byte("RayGen Miss ShadowMiss ClosestHit PlaneClosestHit ShadowClosestHit")

func testConfig() *ApplicationConfig {
	return &ApplicationConfig{
		Name:              "test",
		Width:             64,
		Height:            32,
		RingSize:          2,
		Frames:            4,
		LogLevel:          core.ErrorLevel,
		PayloadSize:       16,
		AttributeSize:     8,
		MaxRecursionDepth: 2,
	}
}

func triangleMesh(name string) MeshDesc {
	return MeshDesc{Name: name, Geometries: []MeshGeometry{{
		Positions: []math.Vec3{{X: 0, Y: 1, Z: 0}, {X: 1, Y: -1, Z: 0}, {X: -1, Y: -1, Z: 0}},
		Opaque:    true,
	}}}
}

func quadMesh(name string) MeshDesc {
	return MeshDesc{Name: name, Geometries: []MeshGeometry{{
		Positions: []math.Vec3{{X: -1, Y: 0, Z: -1}, {X: 1, Y: 0, Z: -1}, {X: 1, Y: 0, Z: 1}, {X: -1, Y: 0, Z: 1}},
		Indices:   []uint32{0, 1, 2, 0, 2, 3},
		Opaque:    true,
	}}}
}

// planeAndSpheres is a ground plane plus three sphere instances sharing one
// hit group, each with its own constants.
func planeAndSpheres() *SceneDesc {
	s := &SceneDesc{
		Name:    "spheres",
		Library: testLibrary,
		RayGen:  "RayGen",
		Exports: []string{"RayGen", "Miss", "ClosestHit", "PlaneClosestHit"},
		HitGroups: []HitGroupDesc{
			{HitGroup: pipeline.HitGroup{Name: "HitGroup", ClosestHit: "ClosestHit"}, Bindings: BindConstants},
			{HitGroup: pipeline.HitGroup{Name: "PlaneHitGroup", ClosestHit: "PlaneClosestHit"}, Bindings: BindScene},
		},
		RayTypes:  []RayType{{Name: "primary", Miss: "Miss"}},
		Meshes:    []MeshDesc{quadMesh("plane"), triangleMesh("sphere")},
		Instances: []InstanceDesc{{Mesh: 0, Transform: math.NewMat4Identity(), HitGroups: []string{"PlaneHitGroup"}}},
	}
	for i := 0; i < 3; i++ {
		s.Instances = append(s.Instances, InstanceDesc{
			Mesh:      1,
			Transform: math.NewMat4Translation(math.NewVec3(float32(i), 0, 0)),
			HitGroups: []string{"HitGroup"},
			Constants: []byte{byte(i + 1), 0, 0, 0},
		})
	}
	return s
}

type harness struct {
	dev *sim.Device
	e   *Engine
}

func newHarness(t *testing.T, cfg *ApplicationConfig, scene func() *SceneDesc, update func(float64, []math.Mat4) (bool, error)) *harness {
	t.Helper()
	dev := sim.NewDevice(sim.Config{Name: "sim"})
	t.Cleanup(dev.Release)
	g := &Game{
		ApplicationConfig: cfg,
		FnScene:           func() (*SceneDesc, error) { return scene(), nil },
		FnUpdate:          update,
	}
	e, err := New(g, dev)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{dev: dev, e: e}
}

func (h *harness) initialize(t *testing.T) {
	t.Helper()
	if err := h.e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { h.e.Shutdown(context.Background()) })
}

func TestSpheresShaderTable(t *testing.T) {
	h := newHarness(t, testConfig(), planeAndSpheres, nil)
	h.initialize(t)

	tbl := h.e.ShaderTable()
	if tbl.HitCount() != 4 || tbl.MissCount() != 1 {
		t.Fatalf("table has %d miss and %d hit records", tbl.MissCount(), tbl.HitCount())
	}
	data := h.dev.ReadBuffer(tbl.Buffer())

	first := 1 + tbl.MissCount()
	var (
		sphereID []byte
		lastCB   uint64
		lastOff  uint64
	)
	for i := 1; i < 4; i++ {
		off, err := tbl.RecordOffset(first + i)
		if err != nil {
			t.Fatal(err)
		}
		if off <= lastOff {
			t.Fatalf("record %d at %d does not follow %d", i, off, lastOff)
		}
		lastOff = off

		id := data[off : off+32]
		if sphereID == nil {
			sphereID = id
		} else if !bytes.Equal(id, sphereID) {
			t.Fatalf("sphere record %d has a different identifier", i)
		}
		cb := binary.LittleEndian.Uint64(data[off+32:])
		if cb == 0 || cb <= lastCB {
			t.Fatalf("sphere record %d constant buffer %#x not after %#x", i, cb, lastCB)
		}
		lastCB = cb
	}

	planeOff, _ := tbl.RecordOffset(first)
	planeID, _ := h.e.Pipeline().ShaderIdentifier("PlaneHitGroup")
	if !bytes.Equal(data[planeOff:planeOff+32], planeID) {
		t.Fatal("first hit record is not the plane")
	}

	instances := h.dev.ReadBuffer(h.e.TopLevel().InstanceBuffer())
	for i := 0; i < 4; i++ {
		d, err := accel.DecodeInstanceDescriptor(instances[i*accel.InstanceDescriptorSize:])
		if err != nil {
			t.Fatal(err)
		}
		if d.ContributionOffset != uint32(i) || d.InstanceID != uint32(i) || d.InstanceMask != 0xFF {
			t.Errorf("instance %d: offset %d, id %d, mask %#x", i, d.ContributionOffset, d.InstanceID, d.InstanceMask)
		}
	}
}

func TestRayGenReadsSceneConstants(t *testing.T) {
	camera := components.NewCamera()
	camera.SetPosition(math.NewVec3(0, 1, 5))
	h := newHarness(t, testConfig(), func() *SceneDesc {
		s := planeAndSpheres()
		s.Camera = camera
		s.Light = Light{Position: math.NewVec3(0, 4, 0)}
		return s
	}, nil)
	h.initialize(t)

	tbl := h.e.ShaderTable()
	records := h.dev.ReadBuffer(tbl.Buffer())
	rayGen, err := tbl.RecordOffset(0)
	if err != nil {
		t.Fatal(err)
	}
	if table := binary.LittleEndian.Uint64(records[rayGen+32:]); rhi.GPUDescriptorHandle(table) != h.e.heap.GPUStart() {
		t.Errorf("ray generation table = %#x", table)
	}
	cb := rhi.GPUVirtualAddress(binary.LittleEndian.Uint64(records[rayGen+40:]))
	if cb != h.e.constants.Address() {
		t.Fatalf("ray generation constants at %#x, buffer at %#x", cb, h.e.constants.Address())
	}

	constants := h.dev.ReadBuffer(h.e.constants)
	f := func(off int) float32 { return stdmath.Float32frombits(binary.LittleEndian.Uint32(constants[off:])) }
	if got := math.NewVec3(f(80), f(84), f(88)); !got.Compare(camera.GetPosition(), 0) {
		t.Errorf("camera position = %+v", got)
	}
	if depth := f(92); depth != 2 {
		t.Errorf("max recursion depth = %v", depth)
	}
	if light := f(100); light != 4 {
		t.Errorf("light height = %v", light)
	}
	// Sphere constants follow the scene constants.
	if first := h.e.cbAddrs[1]; first != cb+2*ConstantBufferAlignment {
		t.Errorf("instance 1 constants at %#x", first)
	}
}

func TestRunPresentsEveryFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Frames = 5
	h := newHarness(t, cfg, planeAndSpheres, nil)
	if err := h.e.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := h.e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := h.dev.Stats()
	if stats.Dispatches != 5 || stats.Presents != 5 || stats.Copies != 5 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Builds != 3 || stats.Refits != 0 {
		t.Errorf("expected two BLAS and one TLAS build without refits, got %+v", stats)
	}
	if n := h.e.Metrics().Total(); n != 5 {
		t.Errorf("metrics counted %d frames", n)
	}

	if err := h.e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := h.dev.LiveBuffers(); n != 0 {
		t.Errorf("%d buffers leaked", n)
	}
	if h.e.Stage() != EngineStageShutdown {
		t.Errorf("stage = %s", h.e.Stage())
	}
}

func TestRefitEveryFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Frames = 3
	step := float32(0)
	update := func(_ float64, transforms []math.Mat4) (bool, error) {
		step++
		transforms[1] = math.NewMat4Translation(math.NewVec3(step, 0, 0))
		return true, nil
	}
	h := newHarness(t, cfg, planeAndSpheres, update)
	h.initialize(t)
	if err := h.e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if refits := h.dev.Stats().Refits; refits != 3 {
		t.Fatalf("refits = %d, want 3", refits)
	}
	instances := h.dev.ReadBuffer(h.e.TopLevel().InstanceBuffer())
	d, err := accel.DecodeInstanceDescriptor(instances[accel.InstanceDescriptorSize:])
	if err != nil {
		t.Fatal(err)
	}
	if x := d.Transform.Rows[0][3]; x != 3 {
		t.Errorf("instance 1 translation x = %v, want 3", x)
	}
}

func TestFailedUpdateDoesNotBlockLaterFrames(t *testing.T) {
	calls := 0
	update := func(_ float64, transforms []math.Mat4) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("transient update failure")
		}
		transforms[1] = math.NewMat4Translation(math.NewVec3(float32(calls), 0, 0))
		return true, nil
	}
	h := newHarness(t, testConfig(), planeAndSpheres, update)
	h.initialize(t)

	ctx := context.Background()
	if err := h.e.RenderFrame(ctx, 0.016); err == nil {
		t.Fatal("expected the first frame to fail")
	}
	for i := 2; i <= 3; i++ {
		if err := h.e.RenderFrame(ctx, 0.016); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if err := h.e.Scheduler().Drain(ctx); err != nil {
		t.Fatal(err)
	}

	stats := h.dev.Stats()
	if stats.Presents != 2 {
		t.Errorf("presented %d frames, want 2", stats.Presents)
	}
	if stats.Refits != 2 {
		t.Errorf("refits = %d, want 2", stats.Refits)
	}
}

func TestUnsupportedDeviceIsRejected(t *testing.T) {
	dev := sim.NewDevice(sim.Config{Name: "raster-only", DisableRaytracing: true})
	t.Cleanup(dev.Release)
	e, err := New(&Game{ApplicationConfig: testConfig(), FnScene: func() (*SceneDesc, error) { return planeAndSpheres(), nil }}, dev)
	if err != nil {
		t.Fatal(err)
	}
	err = e.Initialize(context.Background())
	if !errors.Is(err, core.ErrUnsupportedCapability) || !core.IsFatal(err) {
		t.Fatalf("expected a fatal capability error, got %v", err)
	}
	if e.Stage() != EngineStageUninitialized {
		t.Errorf("stage = %s", e.Stage())
	}
}

func TestRenderFrameBeforeInitialize(t *testing.T) {
	h := newHarness(t, testConfig(), planeAndSpheres, nil)
	if err := h.e.RenderFrame(context.Background(), 0); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInvalidSceneIsRejected(t *testing.T) {
	h := newHarness(t, testConfig(), func() *SceneDesc {
		s := planeAndSpheres()
		s.Instances[2].Mesh = 7
		s.Instances[3].Constants = nil
		return s
	}, nil)
	err := h.e.Initialize(context.Background())
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("no field in %v", err)
	}
	if n := h.dev.LiveBuffers(); n != 0 {
		t.Errorf("rejected scene left %d buffers", n)
	}
}

func TestReload(t *testing.T) {
	h := newHarness(t, testConfig(), planeAndSpheres, nil)
	h.initialize(t)
	ctx := context.Background()

	before := h.e.Pipeline()
	if err := h.e.Reload(ctx, []byte("RayGen Miss")); !errors.Is(err, core.ErrCompilation) {
		t.Fatalf("expected compilation error, got %v", err)
	}
	if h.e.Pipeline() != before {
		t.Fatal("failed reload replaced the pipeline")
	}
	if err := h.e.RenderFrame(ctx, 0); err != nil {
		t.Fatalf("RenderFrame after failed reload: %v", err)
	}

	if err := h.e.Reload(ctx, append(append([]byte{}, testLibrary...), " Debug"...)); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if h.e.Pipeline() == before {
		t.Fatal("pipeline not replaced")
	}
	if err := h.e.RenderFrame(ctx, 0); err != nil {
		t.Fatalf("RenderFrame after reload: %v", err)
	}
}

func TestLibraryFileChangeReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.dxil")
	if err := os.WriteFile(path, testLibrary, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.LibraryPath = path
	h := newHarness(t, cfg, planeAndSpheres, nil)
	h.initialize(t)

	before := h.e.Pipeline()
	if err := os.WriteFile(path, append(append([]byte{}, testLibrary...), " v2"...), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for h.e.Pipeline() == before {
		if time.Now().After(deadline) {
			t.Fatal("pipeline was not rebuilt after the library changed")
		}
		if err := h.e.RenderFrame(ctx, 0); err != nil {
			t.Fatalf("RenderFrame: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestContributionOffsets(t *testing.T) {
	two := MeshDesc{Name: "two", Geometries: []MeshGeometry{
		triangleMesh("a").Geometries[0],
		{Positions: triangleMesh("b").Geometries[0].Positions, HitGroups: []string{"PlaneHitGroup"}},
	}}
	s := &SceneDesc{
		RayTypes: []RayType{{Miss: "Miss"}, {Miss: "ShadowMiss"}},
		Meshes:   []MeshDesc{triangleMesh("one"), two},
		Instances: []InstanceDesc{
			{Mesh: 0, HitGroups: []string{"HitGroup", "ShadowHitGroup"}},
			{Mesh: 1, HitGroups: []string{"HitGroup", "ShadowHitGroup"}},
			{Mesh: 0, HitGroups: []string{"HitGroup", "ShadowHitGroup"}},
		},
	}

	offsets := s.contributionOffsets()
	if offsets[0] != 0 || offsets[1] != 2 || offsets[2] != 6 {
		t.Fatalf("offsets = %v, want [0 2 6]", offsets)
	}
	spans := s.spans()
	if spans[1].Records != 4 || spans[2].Records != 2 {
		t.Fatalf("spans = %+v", spans)
	}
	if hg := s.hitGroupFor(1, 1, 0); hg != "PlaneHitGroup" {
		t.Errorf("geometry override ignored: %s", hg)
	}
	if hg := s.hitGroupFor(1, 1, 1); hg != "ShadowHitGroup" {
		t.Errorf("shadow ray of overridden geometry uses %s", hg)
	}
}

func TestSceneConstantsNeedRoom(t *testing.T) {
	var sc SceneConstants
	if err := sc.Encode(make([]byte, SceneConstantsSize-1)); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	buf := make([]byte, SceneConstantsSize)
	sc.ProjectionToWorld = math.NewMat4Identity()
	if err := sc.Encode(buf); err != nil {
		t.Fatal(err)
	}
	if v := binary.LittleEndian.Uint32(buf[60:]); stdmath.Float32frombits(v) != 1 {
		t.Errorf("last matrix element = %v", stdmath.Float32frombits(v))
	}
}
