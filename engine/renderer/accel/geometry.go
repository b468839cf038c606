package accel

import (
	"encoding/binary"
	"fmt"
	stdmath "math"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

const vertexStride = 12

/**
 * @brief A triangle geometry resident in upload-heap buffers. Immutable once
 * uploaded; owned by the bottom-level structure built from it.
 */
type Geometry struct {
	Name        string
	Vertices    rhi.Buffer
	Indices     rhi.Buffer
	VertexCount uint32
	IndexCount  uint32
	Opaque      bool
}

// UploadGeometry copies positions (and optional 32-bit indices) into new upload buffers.
func UploadGeometry(device rhi.Device, name string, positions []math.Vec3, indices []uint32, opaque bool) (*Geometry, error) {
	if len(positions) == 0 {
		return nil, core.NewValidationError("geometry.vertices", "geometry '%s' has no vertices", name)
	}
	if len(indices) == 0 && len(positions)%3 != 0 {
		return nil, core.NewValidationError("geometry.vertices", "geometry '%s' has %d vertices, not a triangle list", name, len(positions))
	}
	if len(indices)%3 != 0 {
		return nil, core.NewValidationError("geometry.indices", "geometry '%s' has %d indices, not a triangle list", name, len(indices))
	}
	for i, idx := range indices {
		if int(idx) >= len(positions) {
			return nil, core.NewValidationError("geometry.indices", "geometry '%s' index %d = %d out of range", name, i, idx)
		}
	}

	g := &Geometry{
		Name:        name,
		VertexCount: uint32(len(positions)),
		IndexCount:  uint32(len(indices)),
		Opaque:      opaque,
	}

	vb, err := upload(device, name+"-vertices", uint64(len(positions))*vertexStride, func(dst []byte) {
		for i, p := range positions {
			o := i * vertexStride
			binary.LittleEndian.PutUint32(dst[o:], stdmath.Float32bits(p.X))
			binary.LittleEndian.PutUint32(dst[o+4:], stdmath.Float32bits(p.Y))
			binary.LittleEndian.PutUint32(dst[o+8:], stdmath.Float32bits(p.Z))
		}
	})
	if err != nil {
		return nil, err
	}
	g.Vertices = vb

	if len(indices) > 0 {
		ib, err := upload(device, name+"-indices", uint64(len(indices))*4, func(dst []byte) {
			for i, idx := range indices {
				binary.LittleEndian.PutUint32(dst[i*4:], idx)
			}
		})
		if err != nil {
			vb.Release()
			return nil, err
		}
		g.Indices = ib
	}
	return g, nil
}

func upload(device rhi.Device, name string, size uint64, fill func([]byte)) (rhi.Buffer, error) {
	buf, err := device.CreateBuffer(rhi.BufferDesc{
		Name:         name,
		Size:         size,
		Heap:         rhi.HeapTypeUpload,
		InitialState: rhi.ResourceStateGenericRead,
	})
	if err != nil {
		err = fmt.Errorf("failed to create upload buffer '%s': %w", name, err)
		core.LogError(err.Error())
		return nil, err
	}
	data, err := buf.Map()
	if err != nil {
		buf.Release()
		err = fmt.Errorf("failed to map upload buffer '%s': %w", name, err)
		core.LogError(err.Error())
		return nil, err
	}
	fill(data)
	buf.Unmap()
	return buf, nil
}

// Desc describes the geometry for a bottom-level build.
func (g *Geometry) Desc() rhi.GeometryDesc {
	d := rhi.GeometryDesc{
		VertexBuffer: g.Vertices.Address(),
		VertexStride: vertexStride,
		VertexCount:  g.VertexCount,
		VertexFormat: rhi.FormatR32G32B32Float,
	}
	if g.Indices != nil {
		d.IndexBuffer = g.Indices.Address()
		d.IndexCount = g.IndexCount
		d.IndexFormat = rhi.FormatR32Uint
	}
	if g.Opaque {
		d.Flags = rhi.GeometryFlagOpaque
	}
	return d
}

func (g *Geometry) Release() {
	if g.Vertices != nil {
		g.Vertices.Release()
		g.Vertices = nil
	}
	if g.Indices != nil {
		g.Indices.Release()
		g.Indices = nil
	}
}
