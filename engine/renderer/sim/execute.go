package sim

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

var (
	blasMagic = [4]byte{'B', 'L', 'A', 'S'}
	tlasMagic = [4]byte{'T', 'L', 'A', 'S'}
)

// bindings is the pipeline state a list accumulates while it executes.
type bindings struct {
	heap        *DescriptorHeap
	signature   rhi.RootSignature
	stateObject *StateObject
}

// resolveCommands validates cmds in order against the device state, applies
// state transitions and returns the deferred effects. Called with d.mu held.
func (d *Device) resolveCommands(cmds []Command) ([]func(), error) {
	var (
		work []func()
		bind bindings
	)
	for i, c := range cmds {
		var err error
		switch c.Op {
		case OpBuildAccelerationStructure:
			var w func()
			w, err = d.resolveBuild(c.Build)
			if w != nil {
				work = append(work, w)
			}
		case OpUAVBarrier:
			_, err = d.liveResource(c.Resource)
		case OpTransitionBarrier:
			err = d.transition(c.Resource, c.Before, c.After)
		case OpSetDescriptorHeap:
			h, ok := c.Heap.(*DescriptorHeap)
			if !ok || h.device != d {
				err = fmt.Errorf("descriptor heap belongs to another device")
			}
			bind.heap = h
		case OpSetGlobalRootSignature:
			bind.signature = c.RootSignature
		case OpSetGlobalRootDescriptorTable:
			err = d.checkRootTable(bind, c.Parameter, c.Handle)
		case OpSetPipelineState:
			so, ok := c.StateObject.(*StateObject)
			if !ok || so.device != d {
				err = fmt.Errorf("state object belongs to another device")
			}
			bind.stateObject = so
		case OpDispatchRays:
			err = d.checkDispatch(bind, c.Dispatch)
			if err == nil {
				d.stats.Dispatches++
			}
		case OpCopyResource:
			err = d.checkCopy(c.Resource, c.Source)
			if err == nil {
				d.stats.Copies++
			}
		}
		if err != nil {
			return nil, fmt.Errorf("command %d (%s): %w", i, c.Op, err)
		}
	}
	return work, nil
}

func (d *Device) liveResource(res rhi.Resource) (*rhi.ResourceState, error) {
	switch r := res.(type) {
	case *Buffer:
		if r.released || r.device != d {
			return nil, fmt.Errorf("buffer '%s' is not alive", r.desc.Name)
		}
		return &r.state, nil
	case *Texture:
		if r.released || r.device != d {
			return nil, fmt.Errorf("texture '%s' is not alive", r.desc.Name)
		}
		return &r.state, nil
	}
	return nil, fmt.Errorf("unknown resource %T", res)
}

func (d *Device) transition(res rhi.Resource, before, after rhi.ResourceState) error {
	state, err := d.liveResource(res)
	if err != nil {
		return err
	}
	if *state != before {
		return fmt.Errorf("'%s' is in %s, barrier expects %s", res.Name(), *state, before)
	}
	*state = after
	return nil
}

func (d *Device) checkRootTable(bind bindings, parameter int, handle rhi.GPUDescriptorHandle) error {
	if bind.signature == nil {
		return fmt.Errorf("no global root signature bound")
	}
	params := bind.signature.Desc().Parameters
	if parameter < 0 || parameter >= len(params) || params[parameter].Kind != rhi.RootParameterDescriptorTable {
		return fmt.Errorf("parameter %d is not a descriptor table", parameter)
	}
	if bind.heap == nil {
		return fmt.Errorf("no descriptor heap bound")
	}
	start := uint64(bind.heap.start)
	end := start + uint64(len(bind.heap.views))*descriptorSize
	if uint64(handle) < start || uint64(handle) >= end {
		return fmt.Errorf("handle %#x outside the bound heap", uint64(handle))
	}
	return nil
}

func (d *Device) checkCopy(dst, src rhi.Resource) error {
	dt, ok1 := dst.(*Texture)
	st, ok2 := src.(*Texture)
	if !ok1 || !ok2 {
		return fmt.Errorf("copy supports textures only")
	}
	if dt.released || st.released {
		return fmt.Errorf("copy between released textures")
	}
	if dt.state != rhi.ResourceStateCopyDest {
		return fmt.Errorf("destination '%s' is in %s", dt.desc.Name, dt.state)
	}
	if st.state != rhi.ResourceStateCopySource {
		return fmt.Errorf("source '%s' is in %s", st.desc.Name, st.state)
	}
	if dt.desc.Width != st.desc.Width || dt.desc.Height != st.desc.Height {
		return fmt.Errorf("copy %dx%d into %dx%d", st.desc.Width, st.desc.Height, dt.desc.Width, dt.desc.Height)
	}
	return nil
}

// checkDispatch verifies the bound pipeline and every record of the three
// table regions: each must start with an identifier the state object issued,
// or be all zeros.
func (d *Device) checkDispatch(bind bindings, desc *rhi.DispatchRaysDesc) error {
	if bind.stateObject == nil {
		return fmt.Errorf("no pipeline state bound")
	}
	if bind.signature == nil {
		return fmt.Errorf("no global root signature bound")
	}
	if desc.RayGen.Size < uint64(identifierSize) {
		return fmt.Errorf("ray generation record of %d bytes", desc.RayGen.Size)
	}
	if err := d.checkRegion("ray generation", bind.stateObject, desc.RayGen.Start, desc.RayGen.Size, desc.RayGen.Size); err != nil {
		return err
	}
	if err := d.checkRegion("miss", bind.stateObject, desc.Miss.Start, desc.Miss.Size, desc.Miss.Stride); err != nil {
		return err
	}
	return d.checkRegion("hit group", bind.stateObject, desc.HitGroup.Start, desc.HitGroup.Size, desc.HitGroup.Stride)
}

func (d *Device) checkRegion(name string, so *StateObject, start rhi.GPUVirtualAddress, size, stride uint64) error {
	if size == 0 {
		return nil
	}
	if !math.IsAligned(uint64(start), uint64(tableAlignment)) {
		return fmt.Errorf("%s region start %#x not aligned to %d", name, uint64(start), tableAlignment)
	}
	if stride == 0 || !math.IsAligned(stride, uint64(recordAlignment)) {
		return fmt.Errorf("%s stride %d not a multiple of %d", name, stride, recordAlignment)
	}
	if size%stride != 0 {
		return fmt.Errorf("%s region size %d not a multiple of stride %d", name, size, stride)
	}
	buf, off, ok := d.resolve(start)
	if !ok {
		return fmt.Errorf("%s region %#x is not backed by a live buffer", name, uint64(start))
	}
	if off+size > buf.desc.Size {
		return fmt.Errorf("%s region overruns '%s'", name, buf.desc.Name)
	}
	zero := make([]byte, identifierSize)
	for rec := uint64(0); rec < size/stride; rec++ {
		at := off + rec*stride
		id := buf.data[at : at+uint64(identifierSize)]
		if bytes.Equal(id, zero) {
			continue
		}
		if !so.issued(id) {
			return fmt.Errorf("%s record %d carries an unknown shader identifier", name, rec)
		}
	}
	return nil
}

// resolveBuild validates a build against live buffers and returns the effect
// that writes the structure into its destination.
func (d *Device) resolveBuild(desc *rhi.BuildASDesc) (func(), error) {
	info, err := prebuild(&desc.Inputs)
	if err != nil {
		return nil, err
	}
	update := desc.Inputs.Flags.Has(rhi.BuildFlagPerformUpdate)

	dest, off, ok := d.resolve(desc.Dest)
	if !ok || off != 0 {
		return nil, fmt.Errorf("destination %#x is not the start of a live buffer", uint64(desc.Dest))
	}
	if dest.state != rhi.ResourceStateAccelerationStructure {
		return nil, fmt.Errorf("destination '%s' is in %s", dest.desc.Name, dest.state)
	}
	if dest.desc.Size < info.ResultDataMaxSize {
		return nil, fmt.Errorf("destination '%s' holds %d bytes, build needs %d", dest.desc.Name, dest.desc.Size, info.ResultDataMaxSize)
	}

	need := info.ScratchDataSize
	if update {
		need = info.UpdateScratchDataSize
	}
	scratch, soff, ok := d.resolve(desc.Scratch)
	if !ok {
		return nil, fmt.Errorf("scratch %#x is not backed by a live buffer", uint64(desc.Scratch))
	}
	if scratch.state != rhi.ResourceStateUnorderedAccess {
		return nil, fmt.Errorf("scratch '%s' is in %s", scratch.desc.Name, scratch.state)
	}
	if scratch.desc.Size-soff < need {
		return nil, fmt.Errorf("scratch '%s' holds %d bytes, build needs %d", scratch.desc.Name, scratch.desc.Size-soff, need)
	}

	kind := asBottomLevel
	count := uint32(0)
	if desc.Inputs.Type == rhi.ASTypeTopLevel {
		kind = asTopLevel
		count = desc.Inputs.NumInstances
	} else {
		for _, g := range desc.Inputs.Geometries {
			count += g.PrimitiveCount()
		}
	}

	if update {
		src, soff, ok := d.resolve(desc.Source)
		if !ok || soff != 0 {
			return nil, fmt.Errorf("update source %#x is not the start of a live buffer", uint64(desc.Source))
		}
		if src.kind != kind || !src.allowUpdate {
			return nil, fmt.Errorf("update source '%s' was not built with allow-update", src.desc.Name)
		}
		if src.primitives != count {
			return nil, fmt.Errorf("update changes element count from %d to %d", src.primitives, count)
		}
	} else if desc.Source != 0 {
		return nil, fmt.Errorf("source given without perform-update")
	}

	var blob []byte
	if kind == asTopLevel {
		blob, err = d.resolveInstances(desc.Inputs.InstanceDescs, count)
	} else {
		blob, err = d.resolveGeometries(desc.Inputs.Geometries)
	}
	if err != nil {
		return nil, err
	}

	dest.kind = kind
	dest.allowUpdate = desc.Inputs.Flags.Has(rhi.BuildFlagAllowUpdate)
	dest.primitives = count
	if update {
		d.stats.Refits++
	} else {
		d.stats.Builds++
	}

	magic := blasMagic
	if kind == asTopLevel {
		magic = tlasMagic
	}
	flags := uint32(desc.Inputs.Flags)
	return func() {
		copy(dest.data[0:4], magic[:])
		binary.LittleEndian.PutUint32(dest.data[4:8], count)
		binary.LittleEndian.PutUint32(dest.data[8:12], flags)
		copy(dest.data[64:], blob)
	}, nil
}

// resolveGeometries checks every vertex and index range and returns the
// geometry addresses the built structure records.
func (d *Device) resolveGeometries(geometries []rhi.GeometryDesc) ([]byte, error) {
	blob := make([]byte, 0, 16*len(geometries))
	for i, g := range geometries {
		vb, voff, ok := d.resolve(g.VertexBuffer)
		if !ok {
			return nil, fmt.Errorf("geometry %d vertex buffer %#x is not live", i, uint64(g.VertexBuffer))
		}
		if voff+uint64(g.VertexCount)*g.VertexStride > vb.desc.Size {
			return nil, fmt.Errorf("geometry %d vertices overrun '%s'", i, vb.desc.Name)
		}
		if g.IndexBuffer != 0 {
			ib, ioff, ok := d.resolve(g.IndexBuffer)
			if !ok {
				return nil, fmt.Errorf("geometry %d index buffer %#x is not live", i, uint64(g.IndexBuffer))
			}
			if ioff+uint64(g.IndexCount)*uint64(g.IndexFormat.Size()) > ib.desc.Size {
				return nil, fmt.Errorf("geometry %d indices overrun '%s'", i, ib.desc.Name)
			}
		}
		blob = binary.LittleEndian.AppendUint64(blob, uint64(g.VertexBuffer))
		blob = binary.LittleEndian.AppendUint64(blob, uint64(g.IndexBuffer))
	}
	return blob, nil
}

// resolveInstances snapshots the instance descriptors and checks that every
// one points at a live bottom-level structure.
func (d *Device) resolveInstances(addr rhi.GPUVirtualAddress, count uint32) ([]byte, error) {
	if count == 0 {
		return nil, nil
	}
	if !math.IsAligned(uint64(addr), instanceAddrAlign) {
		return nil, fmt.Errorf("instance descriptors %#x not aligned to %d", uint64(addr), instanceAddrAlign)
	}
	buf, off, ok := d.resolve(addr)
	if !ok {
		return nil, fmt.Errorf("instance descriptors %#x are not live", uint64(addr))
	}
	size := uint64(count) * instanceDescSize
	if off+size > buf.desc.Size {
		return nil, fmt.Errorf("%d instance descriptors overrun '%s'", count, buf.desc.Name)
	}
	blob := make([]byte, size)
	copy(blob, buf.data[off:off+size])
	for i := uint64(0); i < uint64(count); i++ {
		blas := rhi.GPUVirtualAddress(binary.LittleEndian.Uint64(blob[i*instanceDescSize+56:]))
		b, boff, ok := d.resolve(blas)
		if !ok || boff != 0 || b.kind != asBottomLevel {
			return nil, fmt.Errorf("instance %d references %#x, not a live bottom-level structure", i, uint64(blas))
		}
	}
	return blob, nil
}

func (d *Device) AccelerationStructurePrebuildInfo(inputs *rhi.ASInputs) (rhi.PrebuildInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return rhi.PrebuildInfo{}, err
	}
	info, err := prebuild(inputs)
	if err != nil {
		return rhi.PrebuildInfo{}, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	return info, nil
}

func prebuild(inputs *rhi.ASInputs) (rhi.PrebuildInfo, error) {
	if inputs == nil {
		return rhi.PrebuildInfo{}, fmt.Errorf("nil build inputs")
	}
	var elements uint64
	switch inputs.Type {
	case rhi.ASTypeBottomLevel:
		if len(inputs.Geometries) == 0 {
			return rhi.PrebuildInfo{}, fmt.Errorf("bottom-level build without geometry")
		}
		for i, g := range inputs.Geometries {
			if err := checkGeometry(g); err != nil {
				return rhi.PrebuildInfo{}, fmt.Errorf("geometry %d: %w", i, err)
			}
			elements += uint64(g.PrimitiveCount())
		}
		// Blob trailer holds two addresses per geometry.
		elements += uint64(len(inputs.Geometries)+3) / 4
	case rhi.ASTypeTopLevel:
		elements = uint64(inputs.NumInstances)
	default:
		return rhi.PrebuildInfo{}, fmt.Errorf("unknown structure type %d", inputs.Type)
	}
	return rhi.PrebuildInfo{
		ResultDataMaxSize:     math.AlignUp(64+64*elements, addressAlignment),
		ScratchDataSize:       math.AlignUp(256+32*elements, addressAlignment),
		UpdateScratchDataSize: math.AlignUp(256+16*elements, addressAlignment),
	}, nil
}

func checkGeometry(g rhi.GeometryDesc) error {
	if g.VertexBuffer == 0 || g.VertexCount == 0 {
		return fmt.Errorf("no vertices")
	}
	if g.VertexFormat != rhi.FormatR32G32B32Float {
		return fmt.Errorf("unsupported vertex format %d", g.VertexFormat)
	}
	if g.VertexStride < uint64(g.VertexFormat.Size()) {
		return fmt.Errorf("vertex stride %d smaller than the vertex", g.VertexStride)
	}
	if g.IndexBuffer != 0 {
		if g.IndexFormat != rhi.FormatR16Uint && g.IndexFormat != rhi.FormatR32Uint {
			return fmt.Errorf("unsupported index format %d", g.IndexFormat)
		}
		if g.IndexCount == 0 || g.IndexCount%3 != 0 {
			return fmt.Errorf("index count %d is not a triangle list", g.IndexCount)
		}
	} else if g.VertexCount%3 != 0 {
		return fmt.Errorf("vertex count %d is not a triangle list", g.VertexCount)
	}
	return nil
}
