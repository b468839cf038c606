package rhi

import "context"

// AddressRange is a contiguous region of a buffer.
type AddressRange struct {
	Start GPUVirtualAddress
	Size  uint64
}

// AddressRangeAndStride is a table region made of equally sized records.
type AddressRangeAndStride struct {
	Start  GPUVirtualAddress
	Size   uint64
	Stride uint64
}

type DispatchRaysDesc struct {
	RayGen   AddressRange
	Miss     AddressRangeAndStride
	HitGroup AddressRangeAndStride
	Width    uint32
	Height   uint32
	Depth    uint32
}

type CommandAllocator interface {
	Destroyer
	// Reset reclaims the allocator memory. It fails while submitted work still uses it.
	Reset() error
}

// CommandList records device work. A list is created closed; Reset opens it
// against an allocator. Recording errors are latched and reported by Close.
type CommandList interface {
	Destroyer
	Reset(alloc CommandAllocator) error
	Close() error
	BuildAccelerationStructure(desc *BuildASDesc)
	UAVBarrier(res Resource)
	TransitionBarrier(res Resource, before, after ResourceState)
	SetDescriptorHeap(heap DescriptorHeap)
	SetGlobalRootSignature(sig RootSignature)
	SetGlobalRootDescriptorTable(parameter int, handle GPUDescriptorHandle)
	SetPipelineState(so StateObject)
	DispatchRays(desc *DispatchRaysDesc)
	CopyResource(dst, src Resource)
}

// Fence is the monotonic completion counter the device advances as work finishes.
type Fence interface {
	Destroyer
	Completed() uint64
	// WaitAtLeast blocks until Completed() >= value or the device fails.
	WaitAtLeast(ctx context.Context, value uint64) error
}

type Queue interface {
	Execute(lists ...CommandList) error
	// Signal asks the device to set fence to value once all prior work completes.
	Signal(fence Fence, value uint64) error
}

type SwapChainDesc struct {
	Width       uint32
	Height      uint32
	BufferCount int
	Format      Format
}

type SwapChain interface {
	Destroyer
	BufferCount() int
	CurrentBackBufferIndex() int
	BackBuffer(index int) Texture
	Present() error
}

// Device is the ray-tracing capable device the renderer drives.
type Device interface {
	Destroyer
	Capabilities() Capabilities
	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateTexture(desc TextureDesc) (Texture, error)
	AccelerationStructurePrebuildInfo(inputs *ASInputs) (PrebuildInfo, error)
	CreateRootSignature(desc RootSignatureDesc) (RootSignature, error)
	CreateStateObject(subobjects []Subobject) (StateObject, error)
	CreateCommandAllocator() (CommandAllocator, error)
	CreateCommandList(alloc CommandAllocator) (CommandList, error)
	CreateFence(initial uint64) (Fence, error)
	CreateDescriptorHeap(capacity int) (DescriptorHeap, error)
	CreateSwapChain(desc SwapChainDesc) (SwapChain, error)
	Queue() Queue
}
