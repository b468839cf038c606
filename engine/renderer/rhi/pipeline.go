package rhi

type RootParameterKind int

const (
	RootParameterDescriptorTable RootParameterKind = iota
	RootParameterConstantBufferView
	RootParameterShaderResourceView
	RootParameterUnorderedAccessView
)

func (k RootParameterKind) String() string {
	switch k {
	case RootParameterDescriptorTable:
		return "descriptor-table"
	case RootParameterConstantBufferView:
		return "cbv"
	case RootParameterShaderResourceView:
		return "srv"
	case RootParameterUnorderedAccessView:
		return "uav"
	}
	return "unknown"
}

// DescriptorRange is one run of registers inside a descriptor table.
type DescriptorRange struct {
	Kind           RootParameterKind
	BaseRegister   uint32
	NumDescriptors uint32
	// HeapOffset is the offset in descriptors from the table start.
	HeapOffset uint32
}

type RootParameter struct {
	Kind           RootParameterKind
	ShaderRegister uint32
	// Ranges is only used by descriptor tables.
	Ranges []DescriptorRange
}

type RootSignatureDesc struct {
	Name       string
	Parameters []RootParameter
	// Local signatures describe shader record arguments instead of global bindings.
	Local bool
}

type RootSignature interface {
	Destroyer
	Desc() RootSignatureDesc
}

type SubobjectType int

const (
	SubobjectLibrary SubobjectType = iota
	SubobjectHitGroup
	SubobjectLocalRootSignature
	SubobjectGlobalRootSignature
	SubobjectShaderConfig
	SubobjectPipelineConfig
	SubobjectAssociation
)

func (t SubobjectType) String() string {
	switch t {
	case SubobjectLibrary:
		return "library"
	case SubobjectHitGroup:
		return "hit-group"
	case SubobjectLocalRootSignature:
		return "local-root-signature"
	case SubobjectGlobalRootSignature:
		return "global-root-signature"
	case SubobjectShaderConfig:
		return "shader-config"
	case SubobjectPipelineConfig:
		return "pipeline-config"
	case SubobjectAssociation:
		return "association"
	}
	return "unknown"
}

type LibraryDesc struct {
	Bytecode []byte
	Exports  []string
}

type HitGroupDesc struct {
	Name         string
	ClosestHit   string
	AnyHit       string
	Intersection string
}

type ShaderConfigDesc struct {
	MaxPayloadSize   uint32
	MaxAttributeSize uint32
}

type PipelineConfigDesc struct {
	MaxTraceRecursionDepth uint32
}

// AssociationDesc binds the subobject at SubobjectIndex to named exports.
// The index always points at an earlier entry of the same list.
type AssociationDesc struct {
	SubobjectIndex int
	Exports        []string
}

// Subobject is one entry of a state object description. Exactly one payload
// field matching Type is set.
type Subobject struct {
	Type           SubobjectType
	Library        *LibraryDesc
	HitGroup       *HitGroupDesc
	RootSignature  RootSignature
	ShaderConfig   *ShaderConfigDesc
	PipelineConfig *PipelineConfigDesc
	Association    *AssociationDesc
}

type StateObject interface {
	Destroyer
	// ShaderIdentifier returns the opaque identifier of an export or hit group.
	ShaderIdentifier(export string) ([]byte, bool)
}

type ViewKind int

const (
	ViewUnorderedAccess ViewKind = iota
	ViewAccelerationStructure
	ViewConstantBuffer
)

// View is one descriptor written into a heap.
type View struct {
	Kind    ViewKind
	Texture Texture
	Address GPUVirtualAddress
	Size    uint64
}

type DescriptorHeap interface {
	Destroyer
	Capacity() int
	GPUStart() GPUDescriptorHandle
	Write(index int, view View) error
}
