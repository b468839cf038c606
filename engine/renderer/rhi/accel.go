package rhi

type GeometryFlags int

const (
	GeometryFlagNone   GeometryFlags = 0
	GeometryFlagOpaque GeometryFlags = 1 << 0
)

// GeometryDesc describes one triangle geometry of a bottom-level structure.
// IndexBuffer may be zero for non-indexed geometry.
type GeometryDesc struct {
	VertexBuffer GPUVirtualAddress
	VertexStride uint64
	VertexCount  uint32
	VertexFormat Format
	IndexBuffer  GPUVirtualAddress
	IndexCount   uint32
	IndexFormat  Format
	Flags        GeometryFlags
}

// PrimitiveCount returns the number of triangles the geometry contributes.
func (g GeometryDesc) PrimitiveCount() uint32 {
	if g.IndexBuffer != 0 {
		return g.IndexCount / 3
	}
	return g.VertexCount / 3
}

type ASType int

const (
	ASTypeBottomLevel ASType = iota
	ASTypeTopLevel
)

type BuildFlags int

const (
	BuildFlagNone            BuildFlags = 0
	BuildFlagAllowUpdate     BuildFlags = 1 << 0
	BuildFlagPreferFastTrace BuildFlags = 1 << 1
	BuildFlagPreferFastBuild BuildFlags = 1 << 2
	BuildFlagPerformUpdate   BuildFlags = 1 << 3
)

func (f BuildFlags) Has(flag BuildFlags) bool {
	return f&flag == flag
}

// ASInputs are the device-facing inputs of one acceleration structure build.
type ASInputs struct {
	Type  ASType
	Flags BuildFlags
	// Geometries is used for bottom-level builds.
	Geometries []GeometryDesc
	// NumInstances and InstanceDescs are used for top-level builds.
	NumInstances  uint32
	InstanceDescs GPUVirtualAddress
}

// PrebuildInfo holds the sizes the device needs for a build.
type PrebuildInfo struct {
	ResultDataMaxSize     uint64
	ScratchDataSize       uint64
	UpdateScratchDataSize uint64
}

type BuildASDesc struct {
	Inputs ASInputs
	Dest   GPUVirtualAddress
	// Source is the structure being refitted, zero for a fresh build.
	Source  GPUVirtualAddress
	Scratch GPUVirtualAddress
}
