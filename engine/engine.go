package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spaghettifunk/lumen/engine/assets"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/accel"
	"github.com/spaghettifunk/lumen/engine/renderer/components"
	"github.com/spaghettifunk/lumen/engine/renderer/frame"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
	"github.com/spaghettifunk/lumen/engine/renderer/shadertable"
	"github.com/spaghettifunk/lumen/engine/resources"
	"github.com/spaghettifunk/lumen/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released every device object
	EngineStageShutdown
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting-down"
	case EngineStageShutdown:
		return "shutdown"
	}
	return "unknown"
}

type Engine struct {
	currentStage Stage
	gameInstance *Game
	device       rhi.Device
	assetManager *assets.AssetManager
	scheduler    *frame.Scheduler
	builder      *accel.Builder
	clock        *core.Clock
	lastTime     float64
	runID        uuid.UUID
	logger       *log.Logger

	scene      *SceneDesc
	swapChain  rhi.SwapChain
	heap       rhi.DescriptorHeap
	output     rhi.Texture
	constants  rhi.Buffer
	cbAddrs    []rhi.GPUVirtualAddress
	blases     []*accel.BottomLevel
	tlas       *accel.TopLevel
	instances  []accel.Instance
	transforms []math.Mat4
	pipeline   *pipeline.Pipeline
	table      *shadertable.Table

	// reloads carries a replacement shader library from the watcher to the render loop.
	reloads chan []byte
}

func New(g *Game, device rhi.Device) (*Engine, error) {
	if g == nil || g.ApplicationConfig == nil {
		return nil, core.NewValidationError("game", "missing application config")
	}
	if g.FnScene == nil {
		return nil, core.NewValidationError("game.scene", "game does not describe a scene")
	}
	if device == nil {
		return nil, core.NewValidationError("device", "no device")
	}

	am, err := assets.NewAssetManager()
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	core.SetLogLevel(g.ApplicationConfig.LogLevel)
	runID := uuid.New()

	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		device:       device,
		assetManager: am,
		builder:      accel.NewBuilder(device),
		clock:        core.NewClock(),
		runID:        runID,
		logger:       core.WithPrefix(fmt.Sprintf("%s %s", g.ApplicationConfig.Name, runID.String()[:8])),
		reloads:      make(chan []byte, 1),
	}, nil
}

func (e *Engine) context(ctx context.Context) context.Context {
	return core.ContextWithLogger(ctx, e.logger)
}

/**
 * @brief Checks the device, builds the scene's acceleration structures,
 * compiles the pipeline and encodes the shader table.
 */
func (e *Engine) Initialize(ctx context.Context) (err error) {
	if e.currentStage != EngineStageUninitialized {
		return core.NewValidationError("engine.stage", "Initialize in stage %s", e.currentStage)
	}
	e.currentStage = EngineStageInitializing
	ctx = e.context(ctx)
	defer func() {
		if err != nil {
			if e.scheduler != nil {
				_ = e.scheduler.Shutdown(ctx)
				e.scheduler = nil
			}
			e.releaseScene()
			e.currentStage = EngineStageUninitialized
		}
	}()

	caps := e.device.Capabilities()
	if caps.RaytracingTier == 0 {
		err := fmt.Errorf("device '%s' does not support ray tracing: %w", caps.Name, core.ErrUnsupportedCapability)
		core.LogError(err.Error())
		return err
	}
	e.logger.Info("device ready", "name", caps.Name, "tier", caps.RaytracingTier, "identifier", caps.ShaderIdentifierSize)

	g := e.gameInstance
	if g.FnInitialize != nil {
		if err := g.FnInitialize(); err != nil {
			core.LogError("Game failed to initialize: %s", err)
			return err
		}
	}

	scene, err := g.FnScene()
	if err != nil {
		core.LogError("Game failed to describe its scene: %s", err)
		return err
	}
	if err := scene.Validate(); err != nil {
		core.LogError(err.Error())
		return err
	}
	e.scene = scene

	library := scene.Library
	if path := g.ApplicationConfig.LibraryPath; path != "" {
		if library, err = e.watchLibrary(path); err != nil {
			return err
		}
	}

	cfg := g.ApplicationConfig
	if e.swapChain, err = e.device.CreateSwapChain(rhi.SwapChainDesc{
		Width:       cfg.Width,
		Height:      cfg.Height,
		BufferCount: max(2, cfg.RingSize),
		Format:      rhi.FormatR8G8B8A8Unorm,
	}); err != nil {
		core.LogError("failed to create swap chain: %s", err)
		return err
	}
	if e.scheduler, err = frame.NewScheduler(e.device, cfg.RingSize, frame.WithSwapChain(e.swapChain)); err != nil {
		return err
	}
	if e.output, err = e.device.CreateTexture(rhi.TextureDesc{
		Name:                 "output",
		Width:                cfg.Width,
		Height:               cfg.Height,
		Format:               rhi.FormatR8G8B8A8Unorm,
		AllowUnorderedAccess: true,
		InitialState:         rhi.ResourceStateCopySource,
	}); err != nil {
		core.LogError("failed to create output texture: %s", err)
		return err
	}

	if err := e.buildScene(ctx); err != nil {
		return err
	}

	if e.heap, err = e.device.CreateDescriptorHeap(2); err != nil {
		core.LogError("failed to create descriptor heap: %s", err)
		return err
	}
	if err := e.heap.Write(0, rhi.View{Kind: rhi.ViewUnorderedAccess, Texture: e.output}); err != nil {
		return err
	}
	if err := e.heap.Write(1, rhi.View{Kind: rhi.ViewAccelerationStructure, Address: e.tlas.Address(), Size: e.tlas.Result().Size()}); err != nil {
		return err
	}
	if err := e.createConstants(); err != nil {
		return err
	}

	if e.pipeline, e.table, err = e.compile(library); err != nil {
		return err
	}

	e.currentStage = EngineStageInitialized
	e.logger.Info("scene ready",
		"scene", scene.Name,
		"blas", len(e.blases),
		"instances", len(e.instances),
		"records", e.table.RecordCount(),
		"stride", e.table.Stride())
	return nil
}

// watchLibrary loads the shader library at path and forwards every rewrite of it to the render loop.
func (e *Engine) watchLibrary(path string) ([]byte, error) {
	path = filepath.Clean(path)
	if err := e.assetManager.Initialize(filepath.Dir(path)); err != nil {
		core.LogError("failed to watch %s: %s", path, err)
		return nil, err
	}
	res, err := e.assetManager.LoadAsset(path)
	if err != nil {
		err = fmt.Errorf("failed to load shader library: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	if res.Type != resources.ResourceTypeShaderLibrary {
		return nil, core.NewValidationError("pipeline.library", "%s is a %s, not a shader library", path, res.Type)
	}

	e.assetManager.OnChange(func(r *resources.Resource) {
		if filepath.Clean(r.FullPath) != path {
			return
		}
		// Keep only the newest pending library.
		for {
			select {
			case e.reloads <- r.Data:
				return
			default:
				select {
				case <-e.reloads:
				default:
				}
			}
		}
	})
	return res.Data, nil
}

// buildScene uploads the meshes and builds every acceleration structure in a
// one-off submission, waiting for it before scratch memory is dropped.
func (e *Engine) buildScene(ctx context.Context) (err error) {
	alloc, err := e.device.CreateCommandAllocator()
	if err != nil {
		core.LogError("failed to create setup allocator: %s", err)
		return err
	}
	defer alloc.Release()
	list, err := e.device.CreateCommandList(alloc)
	if err != nil {
		core.LogError("failed to create setup command list: %s", err)
		return err
	}
	defer list.Release()
	if err := list.Reset(alloc); err != nil {
		return err
	}

	uploads, err := e.uploadGeometry()
	if err != nil {
		return err
	}
	for m, geometries := range uploads {
		blas, err := e.builder.BuildBottomLevel(list, geometries, rhi.BuildFlagPreferFastTrace)
		if err != nil {
			for _, rest := range uploads[m:] {
				for _, geom := range rest {
					geom.Release()
				}
			}
			return err
		}
		e.blases = append(e.blases, blas)
	}

	offsets := e.scene.contributionOffsets()
	e.instances = make([]accel.Instance, len(e.scene.Instances))
	e.transforms = make([]math.Mat4, len(e.scene.Instances))
	for i, inst := range e.scene.Instances {
		mask := inst.Mask
		if mask == 0 {
			mask = 0xFF
		}
		e.transforms[i] = inst.Transform
		e.instances[i] = accel.Instance{
			Transform:          inst.Transform,
			ID:                 uint32(i),
			Mask:               mask,
			ContributionOffset: offsets[i],
			Flags:              inst.Flags,
			BLAS:               e.blases[inst.Mesh],
		}
	}
	if e.tlas, err = e.builder.BuildTopLevel(list, e.instances, rhi.BuildFlagPreferFastTrace); err != nil {
		return err
	}

	if err := list.Close(); err != nil {
		err = fmt.Errorf("failed to record scene build: %w", err)
		core.LogError(err.Error())
		return err
	}
	fence, err := e.device.CreateFence(0)
	if err != nil {
		return err
	}
	defer fence.Release()
	queue := e.device.Queue()
	if err := queue.Execute(list); err != nil {
		return err
	}
	if err := queue.Signal(fence, 1); err != nil {
		return err
	}
	if err := fence.WaitAtLeast(ctx, 1); err != nil {
		return err
	}

	for _, blas := range e.blases {
		blas.ReleaseScratch()
	}
	return nil
}

// uploadGeometry copies every mesh geometry into device buffers on the job system.
// On failure nothing stays allocated.
func (e *Engine) uploadGeometry() ([][]*accel.Geometry, error) {
	uploads := make([][]*accel.Geometry, len(e.scene.Meshes))
	var jobs []systems.Job
	for m, mesh := range e.scene.Meshes {
		uploads[m] = make([]*accel.Geometry, len(mesh.Geometries))
		for g, desc := range mesh.Geometries {
			name := fmt.Sprintf("%s-%d", mesh.Name, g)
			jobs = append(jobs, systems.Job{
				Name: name,
				Run: func() error {
					geom, err := accel.UploadGeometry(e.device, name, desc.Positions, desc.Indices, desc.Opaque)
					if err != nil {
						return err
					}
					uploads[m][g] = geom
					return nil
				},
			})
		}
	}

	js, err := systems.NewJobSystem(min(len(jobs), runtime.NumCPU()), len(jobs))
	if err != nil {
		return nil, err
	}
	defer js.Shutdown()
	if err := js.RunAll(jobs); err != nil {
		for _, geometries := range uploads {
			for _, geom := range geometries {
				if geom != nil {
					geom.Release()
				}
			}
		}
		return nil, err
	}
	return uploads, nil
}

// createConstants writes the scene constants into slot 0 of one upload buffer
// and each instance's constants into the slots after it, 256 bytes apart.
func (e *Engine) createConstants() error {
	cfg := e.gameInstance.ApplicationConfig
	camera := e.scene.Camera
	if camera == nil {
		camera = components.NewCamera()
	}
	sc := SceneConstants{
		ProjectionToWorld: camera.ProjectionToWorld(float32(cfg.Width) / float32(cfg.Height)),
		Background:        e.scene.Background,
		CameraPosition:    camera.GetPosition(),
		MaxRecursionDepth: float32(cfg.MaxRecursionDepth),
		Light:             e.scene.Light,
	}

	size := uint64((len(e.scene.Instances) + 1) * ConstantBufferAlignment)
	buf, err := e.device.CreateBuffer(rhi.BufferDesc{
		Name:         "constants-" + e.runID.String()[:8],
		Size:         size,
		Heap:         rhi.HeapTypeUpload,
		InitialState: rhi.ResourceStateGenericRead,
	})
	if err != nil {
		core.LogError("failed to create constant buffer: %s", err)
		return err
	}
	data, err := buf.Map()
	if err != nil {
		buf.Release()
		return err
	}
	defer buf.Unmap()
	if err := sc.Encode(data); err != nil {
		buf.Release()
		return err
	}

	e.cbAddrs = make([]rhi.GPUVirtualAddress, len(e.scene.Instances))
	for i, inst := range e.scene.Instances {
		if len(inst.Constants) == 0 {
			continue
		}
		off := (i + 1) * ConstantBufferAlignment
		copy(data[off:off+ConstantBufferAlignment], inst.Constants)
		e.cbAddrs[i] = buf.Address() + rhi.GPUVirtualAddress(off)
	}
	e.constants = buf
	return nil
}

// compile builds a pipeline from library and the shader table that goes with it.
func (e *Engine) compile(library []byte) (*pipeline.Pipeline, *shadertable.Table, error) {
	cfg := e.gameInstance.ApplicationConfig
	p, err := pipeline.Compile(e.device, e.scene.pipelineDesc(library, cfg.PayloadSize, cfg.AttributeSize, cfg.MaxRecursionDepth))
	if err != nil {
		return nil, nil, err
	}
	tbl, err := shadertable.Build(e.device, p, e.scene.layout(p, e.heap.GPUStart(), e.constants.Address(), e.cbAddrs))
	if err != nil {
		p.Release()
		return nil, nil, err
	}
	if err := tbl.ValidateContributions(e.scene.spans()); err != nil {
		core.LogError(err.Error())
		tbl.Release()
		p.Release()
		return nil, nil, err
	}
	return p, tbl, nil
}

// Reload drains the frames in flight and swaps in a pipeline and shader table
// built from library. On failure the current pipeline stays in place.
func (e *Engine) Reload(ctx context.Context, library []byte) error {
	if e.pipeline == nil {
		return core.NewValidationError("engine.stage", "Reload in stage %s", e.currentStage)
	}
	ctx = e.context(ctx)
	if err := e.scheduler.Drain(ctx); err != nil {
		return err
	}
	p, tbl, err := e.compile(library)
	if err != nil {
		e.logger.Error("shader library rejected, keeping the current pipeline", "err", err)
		return err
	}
	e.table.Release()
	e.pipeline.Release()
	e.pipeline, e.table = p, tbl
	e.logger.Info("pipeline reloaded", "bytes", len(library), "records", tbl.RecordCount())
	return nil
}

/**
 * @brief Records and submits one frame: optional refit, dispatch into the
 * output texture, copy to the back buffer and present.
 */
func (e *Engine) RenderFrame(ctx context.Context, deltaTime float64) error {
	if e.currentStage != EngineStageInitialized && e.currentStage != EngineStageRunning {
		return core.NewValidationError("engine.stage", "RenderFrame in stage %s", e.currentStage)
	}
	ctx = e.context(ctx)

	select {
	case library := <-e.reloads:
		if err := e.Reload(ctx, library); err != nil && core.IsFatal(err) && !errors.Is(err, core.ErrCompilation) {
			return err
		}
	default:
	}

	index, err := e.scheduler.BeginFrame(ctx)
	if err != nil {
		return err
	}
	if err := e.update(deltaTime); err != nil {
		if abortErr := e.scheduler.AbortFrame(index); abortErr != nil {
			core.LogError("failed to abort frame: %s", abortErr)
		}
		return err
	}

	e.record(e.scheduler.CommandList())
	return e.scheduler.EndFrame(ctx, index)
}

// update runs the game update and records a refit when it moved instances.
func (e *Engine) update(deltaTime float64) error {
	fn := e.gameInstance.FnUpdate
	if fn == nil {
		return nil
	}
	refit, err := fn(deltaTime, e.transforms)
	if err != nil {
		core.LogError("Game update failed: %s", err)
		return err
	}
	if !refit {
		return nil
	}
	for i := range e.instances {
		e.instances[i].Transform = e.transforms[i]
	}
	return e.builder.RefitTopLevel(e.scheduler.CommandList(), e.tlas, e.instances)
}

func (e *Engine) record(cmd rhi.CommandList) {
	cfg := e.gameInstance.ApplicationConfig
	backBuffer := e.swapChain.BackBuffer(e.swapChain.CurrentBackBufferIndex())

	cmd.SetDescriptorHeap(e.heap)
	cmd.SetGlobalRootSignature(e.pipeline.GlobalRootSignature())
	cmd.SetGlobalRootDescriptorTable(0, e.heap.GPUStart())
	cmd.SetPipelineState(e.pipeline.StateObject())

	cmd.TransitionBarrier(e.output, rhi.ResourceStateCopySource, rhi.ResourceStateUnorderedAccess)
	cmd.DispatchRays(e.table.DispatchDesc(cfg.Width, cfg.Height))
	e.tlas.MarkUsed()
	cmd.TransitionBarrier(e.output, rhi.ResourceStateUnorderedAccess, rhi.ResourceStateCopySource)

	cmd.TransitionBarrier(backBuffer, rhi.ResourceStatePresent, rhi.ResourceStateCopyDest)
	cmd.CopyResource(backBuffer, e.output)
	cmd.TransitionBarrier(backBuffer, rhi.ResourceStateCopyDest, rhi.ResourceStatePresent)
}

// Run renders the configured number of frames, or until ctx is cancelled when
// that number is zero, then drains the queue.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return core.NewValidationError("engine.stage", "Run in stage %s", e.currentStage)
	}
	e.currentStage = EngineStageRunning

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	frames := e.gameInstance.ApplicationConfig.Frames
	for n := 0; frames == 0 || n < frames; n++ {
		if ctx.Err() != nil {
			break
		}

		// Update clock and get delta time.
		e.clock.Update()
		var currentTime float64 = e.clock.Elapsed()
		var delta float64 = (currentTime - e.lastTime)

		if err := e.RenderFrame(ctx, delta); err != nil {
			core.LogError("Frame %d failed: %s", e.scheduler.FrameNumber(), err)
			return err
		}

		// Update last time
		e.lastTime = currentTime
	}

	if err := e.scheduler.Drain(e.context(ctx)); err != nil {
		return err
	}
	fps, ms := e.scheduler.Metrics().Frame()
	e.logger.Info("run complete", "frames", e.scheduler.FrameNumber(), "fps", fps, "frame_ms", ms)
	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) Shutdown(ctx context.Context) error {
	e.currentStage = EngineStageShuttingDown
	var errs []error
	if e.scheduler != nil {
		if err := e.scheduler.Shutdown(e.context(ctx)); err != nil && !errors.Is(err, frame.ErrSchedulerClosed) {
			errs = append(errs, err)
		}
	}
	e.releaseScene()
	if err := e.assetManager.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if fn := e.gameInstance.FnShutdown; fn != nil {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	e.currentStage = EngineStageShutdown
	return errors.Join(errs...)
}

// releaseScene frees device objects in reverse order of creation.
func (e *Engine) releaseScene() {
	if e.table != nil {
		e.table.Release()
		e.table = nil
	}
	if e.pipeline != nil {
		e.pipeline.Release()
		e.pipeline = nil
	}
	if e.constants != nil {
		e.constants.Release()
		e.constants = nil
	}
	if e.heap != nil {
		e.heap.Release()
		e.heap = nil
	}
	if e.tlas != nil {
		e.tlas.Release()
		e.tlas = nil
	}
	for _, blas := range e.blases {
		blas.Release()
	}
	e.blases = nil
	if e.output != nil {
		e.output.Release()
		e.output = nil
	}
	if e.swapChain != nil {
		e.swapChain.Release()
		e.swapChain = nil
	}
}

func (e *Engine) Stage() Stage                    { return e.currentStage }
func (e *Engine) RunID() uuid.UUID                { return e.runID }
func (e *Engine) Scheduler() *frame.Scheduler     { return e.scheduler }
func (e *Engine) TopLevel() *accel.TopLevel       { return e.tlas }
func (e *Engine) Pipeline() *pipeline.Pipeline    { return e.pipeline }
func (e *Engine) ShaderTable() *shadertable.Table { return e.table }
func (e *Engine) Output() rhi.Texture             { return e.output }

// Metrics returns the frame statistics of the scheduler, nil before Initialize.
func (e *Engine) Metrics() *core.FrameMetrics {
	if e.scheduler == nil {
		return nil
	}
	return e.scheduler.Metrics()
}
