package engine

import (
	"errors"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/accel"
	"github.com/spaghettifunk/lumen/engine/renderer/components"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
	"github.com/spaghettifunk/lumen/engine/renderer/shadertable"
)

// ConstantBufferAlignment is the placement of every per-instance constant block.
const ConstantBufferAlignment = 256

// HitBindings selects the local root arguments a hit group reads.
type HitBindings uint8

const (
	// BindScene passes the descriptor table holding the output and the TLAS.
	BindScene HitBindings = 1 << iota
	// BindConstants passes the instance's constant buffer address.
	BindConstants
)

type MeshGeometry struct {
	Positions []math.Vec3
	Indices   []uint32
	Opaque    bool
	// HitGroups overrides the instance's hit group per ray type, nil keeps it.
	HitGroups []string
}

type MeshDesc struct {
	Name       string
	Geometries []MeshGeometry
}

type InstanceDesc struct {
	Mesh      int
	Transform math.Mat4
	Mask      uint8
	Flags     accel.InstanceFlags
	// HitGroups names one hit group per ray type.
	HitGroups []string
	// Constants is copied into the instance's constant buffer when its hit groups bind one.
	Constants []byte
}

type RayType struct {
	Name string
	Miss string
}

type HitGroupDesc struct {
	pipeline.HitGroup
	Bindings HitBindings
}

/**
 * @brief Everything needed to build one ray-traced scene: geometry, instances
 * and the shader library that shades them.
 */
type SceneDesc struct {
	Name      string
	Library   []byte
	RayGen    string
	Exports   []string
	HitGroups []HitGroupDesc
	RayTypes  []RayType
	Meshes    []MeshDesc
	Instances []InstanceDesc
	// Camera is where primary rays start, nil uses a camera at the origin looking down -Z.
	Camera     *components.Camera
	Background math.Vec4
	Light      Light
}

func (s *SceneDesc) hitGroup(name string) (HitGroupDesc, bool) {
	for _, hg := range s.HitGroups {
		if hg.Name == name {
			return hg, true
		}
	}
	return HitGroupDesc{}, false
}

// hitGroupFor resolves the hit group of geometry g of instance i for ray type r.
func (s *SceneDesc) hitGroupFor(i, g, r int) string {
	inst := s.Instances[i]
	geom := s.Meshes[inst.Mesh].Geometries[g]
	if r < len(geom.HitGroups) && geom.HitGroups[r] != "" {
		return geom.HitGroups[r]
	}
	return inst.HitGroups[r]
}

func (s *SceneDesc) Validate() error {
	var errs []error
	fail := func(field, format string, args ...interface{}) {
		errs = append(errs, core.NewValidationError(field, format, args...))
	}

	if len(s.Library) == 0 {
		fail("scene.library", "scene '%s' has no shader library", s.Name)
	}
	if s.RayGen == "" {
		fail("scene.raygen", "no ray generation shader")
	}
	if len(s.RayTypes) == 0 {
		fail("scene.ray_types", "need at least one ray type")
	}
	for i, rt := range s.RayTypes {
		if rt.Miss == "" {
			fail("scene.ray_types", "ray type %d (%s) has no miss shader", i, rt.Name)
		}
	}
	if len(s.Meshes) == 0 {
		fail("scene.meshes", "scene has no meshes")
	}
	for m, mesh := range s.Meshes {
		if len(mesh.Geometries) == 0 {
			fail("scene.meshes", "mesh %d (%s) has no geometry", m, mesh.Name)
		}
	}
	if len(s.Instances) == 0 {
		fail("scene.instances", "scene has no instances")
	}
	if len(s.Instances) > accel.MaxInstanceID+1 {
		fail("scene.instances", "%d instances exceed the 24-bit id range", len(s.Instances))
	}
	for i, inst := range s.Instances {
		if inst.Mesh < 0 || inst.Mesh >= len(s.Meshes) {
			fail("scene.instances.mesh", "instance %d references mesh %d of %d", i, inst.Mesh, len(s.Meshes))
			continue
		}
		if len(inst.HitGroups) != len(s.RayTypes) {
			fail("scene.instances.hit_groups", "instance %d names %d hit groups for %d ray types", i, len(inst.HitGroups), len(s.RayTypes))
			continue
		}
		if len(inst.Constants) > ConstantBufferAlignment {
			fail("scene.instances.constants", "instance %d carries %d bytes of constants, limit %d", i, len(inst.Constants), ConstantBufferAlignment)
		}
		for g := range s.Meshes[inst.Mesh].Geometries {
			for r := range s.RayTypes {
				name := s.hitGroupFor(i, g, r)
				hg, ok := s.hitGroup(name)
				if !ok {
					fail("scene.instances.hit_groups", "instance %d uses unknown hit group '%s'", i, name)
					continue
				}
				if hg.Bindings&BindConstants != 0 && len(inst.Constants) == 0 {
					fail("scene.instances.constants", "hit group '%s' reads constants instance %d does not provide", name, i)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// contributionOffsets places each instance's hit records after the previous
// instance's: one record per geometry and ray type.
func (s *SceneDesc) contributionOffsets() []uint32 {
	offsets := make([]uint32, len(s.Instances))
	next := uint32(0)
	for i, inst := range s.Instances {
		offsets[i] = next
		next += uint32(len(s.Meshes[inst.Mesh].Geometries) * len(s.RayTypes))
	}
	return offsets
}

// spans describes the hit records every instance reaches.
func (s *SceneDesc) spans() []shadertable.Span {
	offsets := s.contributionOffsets()
	spans := make([]shadertable.Span, len(s.Instances))
	for i, inst := range s.Instances {
		spans[i] = shadertable.Span{
			Offset:  offsets[i],
			Records: len(s.Meshes[inst.Mesh].Geometries) * len(s.RayTypes),
		}
	}
	return spans
}

// Local root signatures shared by every scene. The scene table starts at the
// heap start: the output UAV at slot 0 and the TLAS at slot 1. Ray generation
// also reads the scene constants.
func rayGenSignature() rhi.RootSignatureDesc {
	return rhi.RootSignatureDesc{
		Name: "raygen-local",
		Parameters: []rhi.RootParameter{
			sceneTable(),
			{Kind: rhi.RootParameterConstantBufferView},
		},
		Local: true,
	}
}

func sceneTable() rhi.RootParameter {
	return rhi.RootParameter{
		Kind: rhi.RootParameterDescriptorTable,
		Ranges: []rhi.DescriptorRange{
			{Kind: rhi.RootParameterUnorderedAccessView, NumDescriptors: 1, HeapOffset: 0},
			{Kind: rhi.RootParameterShaderResourceView, NumDescriptors: 1, HeapOffset: 1},
		},
	}
}

func globalSignature() rhi.RootSignatureDesc {
	return rhi.RootSignatureDesc{
		Name:       "global",
		Parameters: []rhi.RootParameter{sceneTable()},
	}
}

func hitSignature(b HitBindings) rhi.RootSignatureDesc {
	desc := rhi.RootSignatureDesc{Name: "hit", Local: true}
	if b&BindScene != 0 {
		desc.Name += "-scene"
		desc.Parameters = append(desc.Parameters, rhi.RootParameter{
			Kind: rhi.RootParameterDescriptorTable,
			Ranges: []rhi.DescriptorRange{
				{Kind: rhi.RootParameterShaderResourceView, NumDescriptors: 1, HeapOffset: 1},
			},
		})
	}
	if b&BindConstants != 0 {
		desc.Name += "-constants"
		desc.Parameters = append(desc.Parameters, rhi.RootParameter{Kind: rhi.RootParameterConstantBufferView})
	}
	return desc
}

// pipelineDesc turns the scene's shader set into a pipeline description.
// Hit groups sharing a binding set share one local signature.
func (s *SceneDesc) pipelineDesc(library []byte, payload, attributes, depth uint32) pipeline.Desc {
	desc := pipeline.Desc{
		Library:           library,
		Exports:           s.Exports,
		Global:            globalSignature(),
		MaxPayloadSize:    payload,
		MaxAttributeSize:  attributes,
		MaxRecursionDepth: depth,
		LocalSignatures: []pipeline.LocalSignature{
			{Desc: rayGenSignature(), Exports: []string{s.RayGen}},
		},
	}
	byBindings := make(map[HitBindings]int)
	for _, hg := range s.HitGroups {
		desc.HitGroups = append(desc.HitGroups, hg.HitGroup)
		if hg.Bindings == 0 {
			continue
		}
		idx, ok := byBindings[hg.Bindings]
		if !ok {
			idx = len(desc.LocalSignatures)
			byBindings[hg.Bindings] = idx
			desc.LocalSignatures = append(desc.LocalSignatures, pipeline.LocalSignature{Desc: hitSignature(hg.Bindings)})
		}
		desc.LocalSignatures[idx].Exports = append(desc.LocalSignatures[idx].Exports, hg.Name)
	}
	return desc
}

// arguments fills a record's root arguments in the order of its local signature.
func arguments(sig rhi.RootSignature, table rhi.GPUDescriptorHandle, constants rhi.GPUVirtualAddress) []shadertable.RootArgument {
	if sig == nil {
		return nil
	}
	params := sig.Desc().Parameters
	args := make([]shadertable.RootArgument, 0, len(params))
	for _, p := range params {
		switch p.Kind {
		case rhi.RootParameterDescriptorTable:
			args = append(args, shadertable.DescriptorTable(table))
		case rhi.RootParameterConstantBufferView:
			args = append(args, shadertable.ConstantBuffer(constants))
		default:
			args = append(args, shadertable.RootArgument{Kind: p.Kind})
		}
	}
	return args
}

// layout derives the shader table layout for the compiled pipeline p.
func (s *SceneDesc) layout(p *pipeline.Pipeline, table rhi.GPUDescriptorHandle, sceneConstants rhi.GPUVirtualAddress, constants []rhi.GPUVirtualAddress) shadertable.Layout {
	rayGenSig, _ := p.LocalSignature(s.RayGen)
	l := shadertable.Layout{
		RayGen: shadertable.Record{Export: s.RayGen, Args: arguments(rayGenSig, table, sceneConstants)},
	}
	for _, rt := range s.RayTypes {
		sig, _ := p.LocalSignature(rt.Miss)
		l.Miss = append(l.Miss, shadertable.Record{Export: rt.Miss, Args: arguments(sig, table, 0)})
	}
	for i, inst := range s.Instances {
		var cb rhi.GPUVirtualAddress
		if i < len(constants) {
			cb = constants[i]
		}
		for g := range s.Meshes[inst.Mesh].Geometries {
			for r := range s.RayTypes {
				name := s.hitGroupFor(i, g, r)
				sig, _ := p.LocalSignature(name)
				l.HitGroups = append(l.HitGroups, shadertable.Record{Export: name, Args: arguments(sig, table, cb)})
			}
		}
	}
	return l
}
