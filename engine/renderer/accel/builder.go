package accel

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

/**
 * @brief A built bottom-level structure. Owns its geometries; the scratch
 * buffer can be dropped once the build has completed on the device.
 */
type BottomLevel struct {
	Name       string
	result     rhi.Buffer
	scratch    rhi.Buffer
	geometries []*Geometry
	info       rhi.PrebuildInfo
	released   bool
}

func (b *BottomLevel) Address() rhi.GPUVirtualAddress { return b.result.Address() }
func (b *BottomLevel) Result() rhi.Buffer             { return b.result }
func (b *BottomLevel) GeometryCount() int             { return len(b.geometries) }
func (b *BottomLevel) PrebuildInfo() rhi.PrebuildInfo { return b.info }

// ReleaseScratch frees the build scratch. Only valid after the build completed.
func (b *BottomLevel) ReleaseScratch() {
	if b.scratch != nil {
		b.scratch.Release()
		b.scratch = nil
	}
}

// Release frees the structure and the geometry it owns. Every top-level
// structure referencing it must be released first.
func (b *BottomLevel) Release() {
	if b.released {
		return
	}
	b.released = true
	b.ReleaseScratch()
	b.result.Release()
	for _, g := range b.geometries {
		g.Release()
	}
}

/**
 * @brief A built top-level structure. It references its bottom-level
 * structures and keeps scratch and instance buffers for in-place refits.
 */
type TopLevel struct {
	Name      string
	result    rhi.Buffer
	scratch   rhi.Buffer
	instances rhi.Buffer
	count     int
	flags     rhi.BuildFlags
	blases    []*BottomLevel
	info      rhi.PrebuildInfo
	used      bool
	released  bool
}

func (t *TopLevel) Address() rhi.GPUVirtualAddress { return t.result.Address() }
func (t *TopLevel) Result() rhi.Buffer             { return t.result }
func (t *TopLevel) InstanceBuffer() rhi.Buffer     { return t.instances }
func (t *TopLevel) InstanceCount() int             { return t.count }
func (t *TopLevel) PrebuildInfo() rhi.PrebuildInfo { return t.info }

// BottomLevels returns the structures the instances currently reference.
func (t *TopLevel) BottomLevels() []*BottomLevel { return t.blases }

// MarkUsed records that a dispatch read the structure, so the next refit must
// wait for that read with a barrier.
func (t *TopLevel) MarkUsed() { t.used = true }

func (t *TopLevel) Release() {
	if t.released {
		return
	}
	t.released = true
	t.result.Release()
	t.scratch.Release()
	t.instances.Release()
	t.blases = nil
}

type Builder struct {
	device rhi.Device
}

func NewBuilder(device rhi.Device) *Builder {
	return &Builder{device: device}
}

func (b *Builder) createBuffer(name string, size uint64, state rhi.ResourceState) (rhi.Buffer, error) {
	buf, err := b.device.CreateBuffer(rhi.BufferDesc{
		Name:                 name,
		Size:                 size,
		Heap:                 rhi.HeapTypeDefault,
		AllowUnorderedAccess: true,
		InitialState:         state,
	})
	if err != nil {
		err = fmt.Errorf("failed to allocate '%s' (%d bytes): %w", name, size, err)
		core.LogError(err.Error())
		return nil, err
	}
	return buf, nil
}

func (b *Builder) prebuild(inputs *rhi.ASInputs) (rhi.PrebuildInfo, error) {
	info, err := b.device.AccelerationStructurePrebuildInfo(inputs)
	if err != nil {
		err = fmt.Errorf("failed to query prebuild info: %w", err)
		core.LogError(err.Error())
		return rhi.PrebuildInfo{}, err
	}
	return info, nil
}

func scratchSize(info rhi.PrebuildInfo, flags rhi.BuildFlags) uint64 {
	if flags.Has(rhi.BuildFlagAllowUpdate) && info.UpdateScratchDataSize > info.ScratchDataSize {
		return info.UpdateScratchDataSize
	}
	return info.ScratchDataSize
}

// BuildBottomLevel records the build of one bottom-level structure over
// geometries, followed by a UAV barrier on its result. The structure takes
// ownership of the geometries.
func (b *Builder) BuildBottomLevel(cmd rhi.CommandList, geometries []*Geometry, flags rhi.BuildFlags) (_ *BottomLevel, err error) {
	if len(geometries) == 0 {
		return nil, core.NewValidationError("blas.geometries", "bottom-level structure needs at least one geometry")
	}
	if flags.Has(rhi.BuildFlagPerformUpdate) {
		return nil, core.NewValidationError("blas.flags", "perform-update is not a build flag")
	}

	inputs := rhi.ASInputs{Type: rhi.ASTypeBottomLevel, Flags: flags}
	for i, g := range geometries {
		if g == nil || g.Vertices == nil {
			return nil, core.NewValidationError("blas.geometries", "geometry %d is not uploaded", i)
		}
		inputs.Geometries = append(inputs.Geometries, g.Desc())
	}

	info, err := b.prebuild(&inputs)
	if err != nil {
		return nil, err
	}

	name := "blas-" + uuid.NewString()[:8]
	blas := &BottomLevel{Name: name, geometries: geometries, info: info}
	defer func() {
		if err != nil {
			if blas.scratch != nil {
				blas.scratch.Release()
			}
			if blas.result != nil {
				blas.result.Release()
			}
		}
	}()

	if blas.scratch, err = b.createBuffer(name+"-scratch", scratchSize(info, flags), rhi.ResourceStateUnorderedAccess); err != nil {
		return nil, err
	}
	if blas.result, err = b.createBuffer(name+"-result", info.ResultDataMaxSize, rhi.ResourceStateAccelerationStructure); err != nil {
		return nil, err
	}

	cmd.BuildAccelerationStructure(&rhi.BuildASDesc{
		Inputs:  inputs,
		Dest:    blas.result.Address(),
		Scratch: blas.scratch.Address(),
	})
	cmd.UAVBarrier(blas.result)

	core.LogDebug("%s: %d geometries, result %d bytes, scratch %d bytes", name, len(geometries), info.ResultDataMaxSize, blas.scratch.Size())
	return blas, nil
}

// BuildTopLevel records the build of a top-level structure over instances.
// The build always allows updates and its scratch covers a refit as well.
func (b *Builder) BuildTopLevel(cmd rhi.CommandList, instances []Instance, flags rhi.BuildFlags) (_ *TopLevel, err error) {
	if len(instances) == 0 {
		return nil, core.NewValidationError("tlas.instances", "top-level structure needs at least one instance")
	}
	if flags.Has(rhi.BuildFlagPerformUpdate) {
		return nil, core.NewValidationError("tlas.flags", "perform-update is not a build flag")
	}
	encoded, err := encodeInstances(instances)
	if err != nil {
		return nil, err
	}
	flags |= rhi.BuildFlagAllowUpdate

	name := "tlas-" + uuid.NewString()[:8]
	tlas := &TopLevel{Name: name, count: len(instances), flags: flags, blases: blasesOf(instances)}
	defer func() {
		if err != nil {
			for _, buf := range []rhi.Buffer{tlas.instances, tlas.scratch, tlas.result} {
				if buf != nil {
					buf.Release()
				}
			}
		}
	}()

	if tlas.instances, err = upload(b.device, name+"-instances", uint64(len(encoded)), func(dst []byte) {
		copy(dst, encoded)
	}); err != nil {
		return nil, err
	}

	inputs := rhi.ASInputs{
		Type:          rhi.ASTypeTopLevel,
		Flags:         flags,
		NumInstances:  uint32(len(instances)),
		InstanceDescs: tlas.instances.Address(),
	}
	if tlas.info, err = b.prebuild(&inputs); err != nil {
		return nil, err
	}
	if tlas.scratch, err = b.createBuffer(name+"-scratch", scratchSize(tlas.info, flags), rhi.ResourceStateUnorderedAccess); err != nil {
		return nil, err
	}
	if tlas.result, err = b.createBuffer(name+"-result", tlas.info.ResultDataMaxSize, rhi.ResourceStateAccelerationStructure); err != nil {
		return nil, err
	}

	cmd.BuildAccelerationStructure(&rhi.BuildASDesc{
		Inputs:  inputs,
		Dest:    tlas.result.Address(),
		Scratch: tlas.scratch.Address(),
	})
	cmd.UAVBarrier(tlas.result)

	core.LogDebug("%s: %d instances, result %d bytes", name, len(instances), tlas.info.ResultDataMaxSize)
	return tlas, nil
}

// RefitTopLevel rewrites the instance descriptors and records an in-place
// update of tlas. The instance count cannot change.
func (b *Builder) RefitTopLevel(cmd rhi.CommandList, tlas *TopLevel, instances []Instance) error {
	if tlas == nil || tlas.released {
		return core.NewValidationError("tlas", "refit of a released top-level structure")
	}
	if len(instances) != tlas.count {
		return core.NewValidationError("tlas.instances", "refit with %d instances, structure was built with %d", len(instances), tlas.count)
	}
	encoded, err := encodeInstances(instances)
	if err != nil {
		return err
	}

	if tlas.used {
		// The previous dispatch must finish reading before the update writes.
		cmd.UAVBarrier(tlas.result)
		tlas.used = false
	}

	data, err := tlas.instances.Map()
	if err != nil {
		err = fmt.Errorf("failed to map instances of %s: %w", tlas.Name, err)
		core.LogError(err.Error())
		return err
	}
	copy(data, encoded)
	tlas.instances.Unmap()

	cmd.BuildAccelerationStructure(&rhi.BuildASDesc{
		Inputs: rhi.ASInputs{
			Type:          rhi.ASTypeTopLevel,
			Flags:         tlas.flags | rhi.BuildFlagPerformUpdate,
			NumInstances:  uint32(tlas.count),
			InstanceDescs: tlas.instances.Address(),
		},
		Dest:    tlas.result.Address(),
		Source:  tlas.result.Address(),
		Scratch: tlas.scratch.Address(),
	})
	cmd.UAVBarrier(tlas.result)
	tlas.blases = blasesOf(instances)
	return nil
}

func blasesOf(instances []Instance) []*BottomLevel {
	out := make([]*BottomLevel, len(instances))
	for i, inst := range instances {
		out[i] = inst.BLAS
	}
	return out
}
