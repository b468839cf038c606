package pipeline

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

// MaxRecursionDepth is the deepest trace recursion a pipeline may declare.
const MaxRecursionDepth = 31

// NodeID identifies a node of the graph. IDs are assigned at insertion and never reused.
type NodeID int

const InvalidNode NodeID = -1

type HitGroup struct {
	Name         string
	ClosestHit   string
	AnyHit       string
	Intersection string
}

func (h HitGroup) imports() []string {
	var out []string
	for _, e := range []string{h.ClosestHit, h.AnyHit, h.Intersection} {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

type node struct {
	id             NodeID
	kind           rhi.SubobjectType
	library        *rhi.LibraryDesc
	hitGroup       *HitGroup
	signature      *rhi.RootSignatureDesc
	shaderConfig   *rhi.ShaderConfigDesc
	pipelineConfig *rhi.PipelineConfigDesc
}

type association struct {
	target  NodeID
	exports []string
}

/**
 * @brief Builds the subobject graph of a ray-tracing pipeline. Nodes are
 * addressed by id, so associations stay valid however the graph grows;
 * positions are only resolved when the graph is serialized.
 */
type Builder struct {
	nodes        []*node
	byID         map[NodeID]*node
	associations []*association
	next         NodeID
}

func NewBuilder() *Builder {
	return &Builder{byID: make(map[NodeID]*node)}
}

func (b *Builder) add(n *node) NodeID {
	n.id = b.next
	b.next++
	b.nodes = append(b.nodes, n)
	b.byID[n.id] = n
	return n.id
}

// AddLibrary adds a shader library and the entry points it exports.
func (b *Builder) AddLibrary(bytecode []byte, exports ...string) NodeID {
	return b.add(&node{
		kind: rhi.SubobjectLibrary,
		library: &rhi.LibraryDesc{
			Bytecode: bytecode,
			Exports:  append([]string(nil), exports...),
		},
	})
}

func (b *Builder) AddHitGroup(hg HitGroup) NodeID {
	return b.add(&node{kind: rhi.SubobjectHitGroup, hitGroup: &hg})
}

// AddLocalRootSignature adds a signature describing shader record arguments.
// It applies to nothing until associated with exports.
func (b *Builder) AddLocalRootSignature(desc rhi.RootSignatureDesc) NodeID {
	desc.Local = true
	return b.add(&node{kind: rhi.SubobjectLocalRootSignature, signature: &desc})
}

// SetGlobalRootSignature adds the signature shared by every shader; it may have no parameters.
func (b *Builder) SetGlobalRootSignature(desc rhi.RootSignatureDesc) NodeID {
	desc.Local = false
	return b.add(&node{kind: rhi.SubobjectGlobalRootSignature, signature: &desc})
}

func (b *Builder) SetShaderConfig(maxPayloadSize, maxAttributeSize uint32) NodeID {
	return b.add(&node{
		kind:         rhi.SubobjectShaderConfig,
		shaderConfig: &rhi.ShaderConfigDesc{MaxPayloadSize: maxPayloadSize, MaxAttributeSize: maxAttributeSize},
	})
}

func (b *Builder) SetPipelineConfig(maxRecursionDepth uint32) NodeID {
	return b.add(&node{
		kind:           rhi.SubobjectPipelineConfig,
		pipelineConfig: &rhi.PipelineConfigDesc{MaxTraceRecursionDepth: maxRecursionDepth},
	})
}

// Associate binds target to exports. Repeated calls for one target merge.
func (b *Builder) Associate(target NodeID, exports ...string) {
	for _, a := range b.associations {
		if a.target == target {
			for _, e := range exports {
				if !contains(a.exports, e) {
					a.exports = append(a.exports, e)
				}
			}
			return
		}
	}
	b.associations = append(b.associations, &association{target: target, exports: append([]string(nil), exports...)})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (b *Builder) ofKind(kind rhi.SubobjectType) []*node {
	var out []*node
	for _, n := range b.nodes {
		if n.kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// definedNames returns every library export and hit group name.
func (b *Builder) definedNames() map[string]rhi.SubobjectType {
	names := make(map[string]rhi.SubobjectType)
	for _, n := range b.nodes {
		switch n.kind {
		case rhi.SubobjectLibrary:
			for _, e := range n.library.Exports {
				names[e] = rhi.SubobjectLibrary
			}
		case rhi.SubobjectHitGroup:
			names[n.hitGroup.Name] = rhi.SubobjectHitGroup
		}
	}
	return names
}

// Validate checks the graph before anything is handed to a device.
// All problems are reported together.
func (b *Builder) Validate() error {
	var errs []error
	fail := func(field, format string, args ...interface{}) {
		errs = append(errs, core.NewValidationError(field, format, args...))
	}

	if n := len(b.ofKind(rhi.SubobjectLibrary)); n != 1 {
		fail("library", "need exactly one shader library, have %d", n)
	}
	if n := len(b.ofKind(rhi.SubobjectGlobalRootSignature)); n != 1 {
		fail("global_root_signature", "need exactly one global root signature, have %d", n)
	}
	if configs := b.ofKind(rhi.SubobjectShaderConfig); len(configs) != 1 {
		fail("shader_config", "need exactly one shader config, have %d", len(configs))
	} else if configs[0].shaderConfig.MaxPayloadSize == 0 {
		fail("shader_config.max_payload_size", "must be positive")
	}
	if configs := b.ofKind(rhi.SubobjectPipelineConfig); len(configs) != 1 {
		fail("pipeline_config", "need exactly one pipeline config, have %d", len(configs))
	} else if d := configs[0].pipelineConfig.MaxTraceRecursionDepth; d < 1 || d > MaxRecursionDepth {
		fail("pipeline_config.max_recursion_depth", "%d outside [1, %d]", d, MaxRecursionDepth)
	}

	seen := make(map[string]bool)
	exports := make(map[string]bool)
	for _, n := range b.ofKind(rhi.SubobjectLibrary) {
		if len(n.library.Bytecode) == 0 {
			fail("library.bytecode", "library %d is empty", n.id)
		}
		for _, e := range n.library.Exports {
			if e == "" {
				fail("library.exports", "empty export name")
				continue
			}
			if seen[e] {
				fail("library.exports", "'%s' defined twice", e)
			}
			seen[e] = true
			exports[e] = true
		}
	}
	for _, n := range b.ofKind(rhi.SubobjectHitGroup) {
		hg := n.hitGroup
		if hg.Name == "" {
			fail("hit_group.name", "hit group %d has no name", n.id)
			continue
		}
		if seen[hg.Name] {
			fail("hit_group.name", "'%s' is already defined", hg.Name)
		}
		seen[hg.Name] = true
		if len(hg.imports()) == 0 {
			fail("hit_group", "'%s' imports no shader", hg.Name)
		}
		for _, imp := range hg.imports() {
			if !exports[imp] {
				fail("hit_group.imports", "'%s' imports '%s', which the library does not export", hg.Name, imp)
			}
		}
	}

	localFor := make(map[string]NodeID)
	for _, a := range b.associations {
		target, ok := b.byID[a.target]
		if !ok {
			fail("association.target", "node %d does not exist", a.target)
			continue
		}
		if target.kind != rhi.SubobjectLocalRootSignature && target.kind != rhi.SubobjectShaderConfig {
			fail("association.target", "node %d is a %s and cannot be associated", a.target, target.kind)
			continue
		}
		if len(a.exports) == 0 {
			fail("association.exports", "association of node %d names no exports", a.target)
		}
		for _, e := range a.exports {
			if !seen[e] {
				fail("association.exports", "'%s' is not defined by the library or a hit group", e)
				continue
			}
			if target.kind != rhi.SubobjectLocalRootSignature {
				continue
			}
			if prev, dup := localFor[e]; dup && prev != a.target {
				fail("association.exports", "'%s' is associated with local signatures %d and %d", e, prev, a.target)
			}
			localFor[e] = a.target
		}
	}

	return errors.Join(errs...)
}

// Entry is one position of the serialized graph.
type Entry struct {
	Type rhi.SubobjectType
	// Node is the graph node at this position, InvalidNode for associations.
	Node        NodeID
	Association *rhi.AssociationDesc
}

// participants are the exports the shader config applies to: stand-alone
// library entry points followed by hit groups.
func (b *Builder) participants() []string {
	imported := make(map[string]bool)
	for _, n := range b.ofKind(rhi.SubobjectHitGroup) {
		for _, imp := range n.hitGroup.imports() {
			imported[imp] = true
		}
	}
	var out []string
	for _, n := range b.ofKind(rhi.SubobjectLibrary) {
		for _, e := range n.library.Exports {
			if !imported[e] {
				out = append(out, e)
			}
		}
	}
	for _, n := range b.ofKind(rhi.SubobjectHitGroup) {
		out = append(out, n.hitGroup.Name)
	}
	return out
}

func (b *Builder) exportsOf(target NodeID) []string {
	for _, a := range b.associations {
		if a.target == target {
			return a.exports
		}
	}
	return nil
}

// Serialize validates the graph and returns it in device order: library, hit
// groups, each local signature followed by its association, the shader config
// and its association, pipeline config, global signature. Association
// indices always point at an earlier entry.
func (b *Builder) Serialize() ([]Entry, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	var out []Entry
	emit := func(n *node) int {
		out = append(out, Entry{Type: n.kind, Node: n.id})
		return len(out) - 1
	}
	associate := func(index int, exports []string) {
		out = append(out, Entry{
			Type:        rhi.SubobjectAssociation,
			Node:        InvalidNode,
			Association: &rhi.AssociationDesc{SubobjectIndex: index, Exports: append([]string(nil), exports...)},
		})
	}

	for _, n := range b.ofKind(rhi.SubobjectLibrary) {
		emit(n)
	}
	for _, n := range b.ofKind(rhi.SubobjectHitGroup) {
		emit(n)
	}
	for _, n := range b.ofKind(rhi.SubobjectLocalRootSignature) {
		index := emit(n)
		if exports := b.exportsOf(n.id); len(exports) > 0 {
			associate(index, exports)
		} else {
			core.LogWarn("local root signature %d is not associated with any export", n.id)
		}
	}
	for _, n := range b.ofKind(rhi.SubobjectShaderConfig) {
		index := emit(n)
		exports := b.participants()
		for _, e := range b.exportsOf(n.id) {
			if !contains(exports, e) {
				exports = append(exports, e)
			}
		}
		associate(index, exports)
	}
	for _, n := range b.ofKind(rhi.SubobjectPipelineConfig) {
		emit(n)
	}
	for _, n := range b.ofKind(rhi.SubobjectGlobalRootSignature) {
		emit(n)
	}
	return out, nil
}

// Build validates, serializes and compiles the graph on device.
func (b *Builder) Build(device rhi.Device) (_ *Pipeline, err error) {
	entries, err := b.Serialize()
	if err != nil {
		core.LogError("pipeline graph rejected: %s", err.Error())
		return nil, err
	}

	p := &Pipeline{
		signatures:    make(map[NodeID]rhi.RootSignature),
		localByExport: make(map[string]rhi.RootSignature),
		hitGroups:     make(map[string]HitGroup),
	}
	defer func() {
		if err != nil {
			p.Release()
		}
	}()

	subobjects := make([]rhi.Subobject, len(entries))
	for i, e := range entries {
		sub := rhi.Subobject{Type: e.Type, Association: e.Association}
		if e.Node != InvalidNode {
			n := b.byID[e.Node]
			switch n.kind {
			case rhi.SubobjectLibrary:
				sub.Library = n.library
				p.exports = append(p.exports, n.library.Exports...)
			case rhi.SubobjectHitGroup:
				sub.HitGroup = &rhi.HitGroupDesc{
					Name:         n.hitGroup.Name,
					ClosestHit:   n.hitGroup.ClosestHit,
					AnyHit:       n.hitGroup.AnyHit,
					Intersection: n.hitGroup.Intersection,
				}
				p.hitGroups[n.hitGroup.Name] = *n.hitGroup
			case rhi.SubobjectLocalRootSignature, rhi.SubobjectGlobalRootSignature:
				sig, err := device.CreateRootSignature(*n.signature)
				if err != nil {
					err = fmt.Errorf("failed to create root signature '%s': %w", n.signature.Name, err)
					core.LogError(err.Error())
					return nil, err
				}
				p.signatures[n.id] = sig
				sub.RootSignature = sig
				if n.kind == rhi.SubobjectGlobalRootSignature {
					p.global = sig
				} else {
					for _, e := range b.exportsOf(n.id) {
						p.localByExport[e] = sig
					}
				}
			case rhi.SubobjectShaderConfig:
				sub.ShaderConfig = n.shaderConfig
			case rhi.SubobjectPipelineConfig:
				sub.PipelineConfig = n.pipelineConfig
			}
		}
		subobjects[i] = sub
	}

	so, err := device.CreateStateObject(subobjects)
	if err != nil {
		if !errors.Is(err, core.ErrCompilation) && !errors.Is(err, core.ErrDevice) {
			err = fmt.Errorf("%w: %v", core.ErrCompilation, err)
		}
		err = fmt.Errorf("failed to compile pipeline: %w", err)
		core.LogError(err.Error())
		return nil, err
	}
	p.stateObject = so
	core.LogInfo("ray-tracing pipeline compiled: %d subobjects, %d hit groups", len(subobjects), len(p.hitGroups))
	return p, nil
}
