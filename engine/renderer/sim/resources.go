package sim

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

type asKind int

const (
	asNone asKind = iota
	asBottomLevel
	asTopLevel
)

type Buffer struct {
	device   *Device
	id       uuid.UUID
	desc     rhi.BufferDesc
	address  rhi.GPUVirtualAddress
	data     []byte
	state    rhi.ResourceState
	released bool
	mapped   bool

	// Acceleration structure bookkeeping, set when a build targeting this buffer executes.
	kind        asKind
	allowUpdate bool
	primitives  uint32
}

func (d *Device) CreateBuffer(desc rhi.BufferDesc) (rhi.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, core.NewValidationError("buffer.size", "buffer '%s' has zero size", desc.Name)
	}
	if desc.Heap == rhi.HeapTypeUpload && desc.InitialState != rhi.ResourceStateGenericRead {
		return nil, core.NewValidationError("buffer.initial_state", "upload buffer '%s' must start in %s, got %s",
			desc.Name, rhi.ResourceStateGenericRead, desc.InitialState)
	}
	if desc.Heap == rhi.HeapTypeUpload && desc.AllowUnorderedAccess {
		return nil, core.NewValidationError("buffer.heap", "upload buffer '%s' cannot allow unordered access", desc.Name)
	}
	if (desc.InitialState == rhi.ResourceStateUnorderedAccess || desc.InitialState == rhi.ResourceStateAccelerationStructure) &&
		!desc.AllowUnorderedAccess {
		return nil, core.NewValidationError("buffer.flags", "buffer '%s' in %s needs unordered access", desc.Name, desc.InitialState)
	}

	b := &Buffer{
		device:  d,
		id:      uuid.New(),
		desc:    desc,
		address: d.allocateAddress(desc.Size),
		data:    make([]byte, desc.Size),
		state:   desc.InitialState,
	}
	d.buffers[b.id] = b
	return b, nil
}

func (b *Buffer) Name() string                   { return b.desc.Name }
func (b *Buffer) ID() uuid.UUID                  { return b.id }
func (b *Buffer) Size() uint64                   { return b.desc.Size }
func (b *Buffer) Address() rhi.GPUVirtualAddress { return b.address }

func (b *Buffer) State() rhi.ResourceState {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	return b.state
}

// Map returns the CPU view of an upload buffer. The slice stays valid until Release.
func (b *Buffer) Map() ([]byte, error) {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	if b.released {
		return nil, core.NewValidationError("buffer", "map of released buffer '%s'", b.desc.Name)
	}
	if b.desc.Heap != rhi.HeapTypeUpload {
		return nil, core.NewValidationError("buffer.heap", "buffer '%s' is not CPU visible", b.desc.Name)
	}
	b.mapped = true
	return b.data, nil
}

func (b *Buffer) Unmap() {
	b.device.mu.Lock()
	b.mapped = false
	b.device.mu.Unlock()
}

func (b *Buffer) Release() {
	b.device.mu.Lock()
	defer b.device.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	delete(b.device.buffers, b.id)
}

type Texture struct {
	device   *Device
	id       uuid.UUID
	desc     rhi.TextureDesc
	state    rhi.ResourceState
	released bool
}

func (d *Device) CreateTexture(desc rhi.TextureDesc) (rhi.Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return d.createTextureLocked(desc)
}

func (d *Device) createTextureLocked(desc rhi.TextureDesc) (*Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, core.NewValidationError("texture.size", "texture '%s' is %dx%d", desc.Name, desc.Width, desc.Height)
	}
	if desc.Format.Size() == 0 {
		return nil, core.NewValidationError("texture.format", "texture '%s' has no format", desc.Name)
	}
	t := &Texture{
		device: d,
		id:     uuid.New(),
		desc:   desc,
		state:  desc.InitialState,
	}
	d.textures[t.id] = t
	return t, nil
}

func (t *Texture) Name() string       { return t.desc.Name }
func (t *Texture) ID() uuid.UUID      { return t.id }
func (t *Texture) Width() uint32      { return t.desc.Width }
func (t *Texture) Height() uint32     { return t.desc.Height }
func (t *Texture) Format() rhi.Format { return t.desc.Format }

func (t *Texture) State() rhi.ResourceState {
	t.device.mu.Lock()
	defer t.device.mu.Unlock()
	return t.state
}

func (t *Texture) Release() {
	t.device.mu.Lock()
	defer t.device.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	delete(t.device.textures, t.id)
}

type RootSignature struct {
	desc rhi.RootSignatureDesc
}

func (d *Device) CreateRootSignature(desc rhi.RootSignatureDesc) (rhi.RootSignature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	for i, p := range desc.Parameters {
		switch p.Kind {
		case rhi.RootParameterDescriptorTable:
			if len(p.Ranges) == 0 {
				return nil, core.NewValidationError(fmt.Sprintf("root_signature.parameters[%d]", i),
					"descriptor table of '%s' has no ranges", desc.Name)
			}
		default:
			if len(p.Ranges) != 0 {
				return nil, core.NewValidationError(fmt.Sprintf("root_signature.parameters[%d]", i),
					"root descriptor of '%s' cannot have ranges", desc.Name)
			}
		}
	}
	params := make([]rhi.RootParameter, len(desc.Parameters))
	copy(params, desc.Parameters)
	desc.Parameters = params
	return &RootSignature{desc: desc}, nil
}

func (r *RootSignature) Desc() rhi.RootSignatureDesc { return r.desc }
func (r *RootSignature) Release()                    {}

type DescriptorHeap struct {
	device *Device
	start  rhi.GPUDescriptorHandle
	views  []rhi.View
	set    []bool
}

func (d *Device) CreateDescriptorHeap(capacity int) (rhi.DescriptorHeap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, core.NewValidationError("descriptor_heap.capacity", "must be positive, got %d", capacity)
	}
	h := &DescriptorHeap{
		device: d,
		start:  rhi.GPUDescriptorHandle(descriptorHeapBase + d.nextHeap*descriptorHeapSpan),
		views:  make([]rhi.View, capacity),
		set:    make([]bool, capacity),
	}
	d.nextHeap++
	return h, nil
}

func (h *DescriptorHeap) Capacity() int                     { return len(h.views) }
func (h *DescriptorHeap) GPUStart() rhi.GPUDescriptorHandle { return h.start }
func (h *DescriptorHeap) Release()                          {}

func (h *DescriptorHeap) Write(index int, view rhi.View) error {
	if index < 0 || index >= len(h.views) {
		return core.NewValidationError("descriptor_heap.index", "%d outside heap of %d", index, len(h.views))
	}
	switch view.Kind {
	case rhi.ViewUnorderedAccess:
		if view.Texture == nil {
			return core.NewValidationError("descriptor_heap.view", "UAV at %d has no texture", index)
		}
	case rhi.ViewAccelerationStructure, rhi.ViewConstantBuffer:
		if view.Address == 0 {
			return core.NewValidationError("descriptor_heap.view", "view at %d has no address", index)
		}
	}
	h.device.mu.Lock()
	h.views[index] = view
	h.set[index] = true
	h.device.mu.Unlock()
	return nil
}

// View returns the descriptor written at index.
func (h *DescriptorHeap) View(index int) (rhi.View, bool) {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()
	if index < 0 || index >= len(h.views) {
		return rhi.View{}, false
	}
	return h.views[index], h.set[index]
}

type SwapChain struct {
	device   *Device
	buffers  []*Texture
	current  int
	presents int
}

func (d *Device) CreateSwapChain(desc rhi.SwapChainDesc) (rhi.SwapChain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if desc.BufferCount < 2 {
		return nil, core.NewValidationError("swap_chain.buffer_count", "need at least 2 buffers, got %d", desc.BufferCount)
	}
	sc := &SwapChain{device: d}
	for i := 0; i < desc.BufferCount; i++ {
		t, err := d.createTextureLocked(rhi.TextureDesc{
			Name:         fmt.Sprintf("backbuffer-%d", i),
			Width:        desc.Width,
			Height:       desc.Height,
			Format:       desc.Format,
			InitialState: rhi.ResourceStatePresent,
		})
		if err != nil {
			for _, b := range sc.buffers {
				delete(d.textures, b.id)
			}
			return nil, err
		}
		sc.buffers = append(sc.buffers, t)
	}
	return sc, nil
}

func (s *SwapChain) BufferCount() int { return len(s.buffers) }

func (s *SwapChain) CurrentBackBufferIndex() int {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	return s.current
}

func (s *SwapChain) BackBuffer(index int) rhi.Texture {
	return s.buffers[index]
}

// Present flips to the next back buffer. The current one must be in the present state.
func (s *SwapChain) Present() error {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	if err := s.device.checkAlive(); err != nil {
		return err
	}
	bb := s.buffers[s.current]
	if bb.state != rhi.ResourceStatePresent {
		return s.device.removeLocked(fmt.Errorf("present of '%s' in state %s", bb.desc.Name, bb.state))
	}
	s.current = (s.current + 1) % len(s.buffers)
	s.presents++
	s.device.stats.Presents++
	return nil
}

func (s *SwapChain) Release() {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	for _, b := range s.buffers {
		b.released = true
		delete(s.device.textures, b.id)
	}
}
