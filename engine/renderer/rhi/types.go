package rhi

import "github.com/google/uuid"

// GPUVirtualAddress is a device-visible address. Zero means "none".
type GPUVirtualAddress uint64

// GPUDescriptorHandle addresses a descriptor inside a shader-visible heap.
type GPUDescriptorHandle uint64

type HeapType int

const (
	/** @brief Device-local memory, not CPU mappable. */
	HeapTypeDefault HeapType = iota
	/** @brief CPU-writable memory the device reads directly. */
	HeapTypeUpload
)

type ResourceState int

const (
	ResourceStateCommon ResourceState = iota
	ResourceStateGenericRead
	ResourceStateUnorderedAccess
	ResourceStateAccelerationStructure
	ResourceStateCopySource
	ResourceStateCopyDest
	ResourceStatePresent
)

func (s ResourceState) String() string {
	switch s {
	case ResourceStateCommon:
		return "common"
	case ResourceStateGenericRead:
		return "generic-read"
	case ResourceStateUnorderedAccess:
		return "unordered-access"
	case ResourceStateAccelerationStructure:
		return "acceleration-structure"
	case ResourceStateCopySource:
		return "copy-source"
	case ResourceStateCopyDest:
		return "copy-dest"
	case ResourceStatePresent:
		return "present"
	}
	return "unknown"
}

// Destroyer is implemented by every object holding device memory.
// Release must be called explicitly; it is safe to call more than once.
type Destroyer interface {
	Release()
}

// Resource is any device allocation the command list can reference in barriers.
type Resource interface {
	Destroyer
	Name() string
	ID() uuid.UUID
	State() ResourceState
}

type BufferDesc struct {
	Name                 string
	Size                 uint64
	Heap                 HeapType
	AllowUnorderedAccess bool
	InitialState         ResourceState
}

type Buffer interface {
	Resource
	Size() uint64
	Address() GPUVirtualAddress
	// Map exposes the CPU view of an upload-heap buffer.
	Map() ([]byte, error)
	Unmap()
}

type Format int

const (
	FormatUnknown Format = iota
	FormatR32G32B32Float
	FormatR16Uint
	FormatR32Uint
	FormatR8G8B8A8Unorm
)

// Size returns the size in bytes of one element of the format.
func (f Format) Size() uint32 {
	switch f {
	case FormatR32G32B32Float:
		return 12
	case FormatR16Uint:
		return 2
	case FormatR32Uint, FormatR8G8B8A8Unorm:
		return 4
	}
	return 0
}

type TextureDesc struct {
	Name                 string
	Width                uint32
	Height               uint32
	Format               Format
	AllowUnorderedAccess bool
	InitialState         ResourceState
}

type Texture interface {
	Resource
	Width() uint32
	Height() uint32
	Format() Format
}

// Capabilities are immutable for the lifetime of a device.
type Capabilities struct {
	Name string
	// RaytracingTier is zero when ray tracing is unsupported.
	RaytracingTier int
	// ShaderIdentifierSize is the size of an opaque shader identifier in bytes.
	ShaderIdentifierSize uint32
	// ShaderRecordAlignment is the required stride granularity of shader table records.
	ShaderRecordAlignment uint32
	// ShaderTableAlignment is the required alignment of every table region start.
	ShaderTableAlignment uint32
	// MaxRecursionDepth is the deepest trace recursion a pipeline may request.
	MaxRecursionDepth uint32
}
