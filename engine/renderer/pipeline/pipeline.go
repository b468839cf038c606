package pipeline

import (
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

// Pipeline is a compiled ray-tracing state object with the root signatures it owns.
type Pipeline struct {
	stateObject   rhi.StateObject
	global        rhi.RootSignature
	signatures    map[NodeID]rhi.RootSignature
	localByExport map[string]rhi.RootSignature
	hitGroups     map[string]HitGroup
	exports       []string
}

func (p *Pipeline) StateObject() rhi.StateObject           { return p.stateObject }
func (p *Pipeline) GlobalRootSignature() rhi.RootSignature { return p.global }

// Exports lists the library entry points of the pipeline.
func (p *Pipeline) Exports() []string { return p.exports }

func (p *Pipeline) HitGroup(name string) (HitGroup, bool) {
	hg, ok := p.hitGroups[name]
	return hg, ok
}

// ShaderIdentifier returns the opaque identifier of an export or hit group.
func (p *Pipeline) ShaderIdentifier(export string) ([]byte, error) {
	id, ok := p.stateObject.ShaderIdentifier(export)
	if !ok {
		return nil, core.NewValidationError("shader_identifier", "pipeline has no export or hit group '%s'", export)
	}
	return id, nil
}

// LocalSignature returns the local root signature that applies to export.
// A hit group without its own association inherits the one of its shaders.
func (p *Pipeline) LocalSignature(export string) (rhi.RootSignature, bool) {
	if sig, ok := p.localByExport[export]; ok {
		return sig, true
	}
	if hg, ok := p.hitGroups[export]; ok {
		for _, imp := range hg.imports() {
			if sig, ok := p.localByExport[imp]; ok {
				return sig, true
			}
		}
	}
	return nil, false
}

func (p *Pipeline) Release() {
	if p.stateObject != nil {
		p.stateObject.Release()
		p.stateObject = nil
	}
	for id, sig := range p.signatures {
		sig.Release()
		delete(p.signatures, id)
	}
	p.global = nil
}

// LocalSignature scopes a local root signature to the named exports.
type LocalSignature struct {
	Desc    rhi.RootSignatureDesc
	Exports []string
}

// Desc is the declarative form of a pipeline, as read from configuration.
type Desc struct {
	Library           []byte
	Exports           []string
	HitGroups         []HitGroup
	LocalSignatures   []LocalSignature
	Global            rhi.RootSignatureDesc
	MaxPayloadSize    uint32
	MaxAttributeSize  uint32
	MaxRecursionDepth uint32
}

// NewBuilderFromDesc lays desc out as a graph.
func NewBuilderFromDesc(desc Desc) *Builder {
	b := NewBuilder()
	b.AddLibrary(desc.Library, desc.Exports...)
	for _, hg := range desc.HitGroups {
		b.AddHitGroup(hg)
	}
	for _, ls := range desc.LocalSignatures {
		id := b.AddLocalRootSignature(ls.Desc)
		if len(ls.Exports) > 0 {
			b.Associate(id, ls.Exports...)
		}
	}
	b.SetShaderConfig(desc.MaxPayloadSize, desc.MaxAttributeSize)
	b.SetPipelineConfig(desc.MaxRecursionDepth)
	b.SetGlobalRootSignature(desc.Global)
	return b
}

// Compile builds the pipeline described by desc on device.
func Compile(device rhi.Device, desc Desc) (*Pipeline, error) {
	return NewBuilderFromDesc(desc).Build(device)
}
