package sim

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

type StateObject struct {
	device      *Device
	identifiers map[string][]byte
	issuedIDs   map[string]struct{}
	// localSignatures maps an export to the local root signature associated with it.
	localSignatures map[string]rhi.RootSignature
}

func compileError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", core.ErrCompilation, fmt.Sprintf(format, args...))
}

// CreateStateObject compiles a ray-tracing pipeline. A library export only
// compiles when its name occurs in the bytecode.
func (d *Device) CreateStateObject(subobjects []rhi.Subobject) (rhi.StateObject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}

	var (
		code           [][]byte
		exports        = map[string]bool{}
		hitGroups      = map[string]*rhi.HitGroupDesc{}
		shaderConfigs  int
		pipelineCfgs   int
		globals        int
		libraries      int
		localByExport  = map[string]rhi.RootSignature{}
		configExports  = map[string]bool{}
		pendingAssocs  []rhi.Subobject
		pendingIndices []int
	)

	for i, sub := range subobjects {
		switch sub.Type {
		case rhi.SubobjectLibrary:
			if sub.Library == nil || len(sub.Library.Bytecode) == 0 {
				return nil, compileError("subobject %d: empty library", i)
			}
			libraries++
			code = append(code, sub.Library.Bytecode)
			for _, e := range sub.Library.Exports {
				if e == "" {
					return nil, compileError("subobject %d: empty export name", i)
				}
				if !bytes.Contains(sub.Library.Bytecode, []byte(e)) {
					return nil, compileError("export '%s' is not defined by the library", e)
				}
				if exports[e] {
					return nil, compileError("export '%s' defined twice", e)
				}
				exports[e] = true
			}
		case rhi.SubobjectHitGroup:
			if sub.HitGroup == nil || sub.HitGroup.Name == "" {
				return nil, compileError("subobject %d: unnamed hit group", i)
			}
			if _, dup := hitGroups[sub.HitGroup.Name]; dup {
				return nil, compileError("hit group '%s' defined twice", sub.HitGroup.Name)
			}
			hitGroups[sub.HitGroup.Name] = sub.HitGroup
		case rhi.SubobjectLocalRootSignature, rhi.SubobjectGlobalRootSignature:
			if sub.RootSignature == nil {
				return nil, compileError("subobject %d: missing root signature", i)
			}
			local := sub.Type == rhi.SubobjectLocalRootSignature
			if sub.RootSignature.Desc().Local != local {
				return nil, compileError("subobject %d: root signature '%s' has the wrong scope", i, sub.RootSignature.Desc().Name)
			}
			if !local {
				globals++
			}
		case rhi.SubobjectShaderConfig:
			c := sub.ShaderConfig
			if c == nil || c.MaxPayloadSize == 0 || c.MaxPayloadSize%4 != 0 {
				return nil, compileError("subobject %d: payload size must be a positive multiple of 4", i)
			}
			if c.MaxAttributeSize > maxAttributeSize || c.MaxAttributeSize%4 != 0 {
				return nil, compileError("subobject %d: attribute size %d exceeds %d or is unaligned", i, c.MaxAttributeSize, maxAttributeSize)
			}
			shaderConfigs++
		case rhi.SubobjectPipelineConfig:
			c := sub.PipelineConfig
			if c == nil || c.MaxTraceRecursionDepth < 1 || c.MaxTraceRecursionDepth > maxRecursionDepth {
				return nil, compileError("subobject %d: recursion depth outside [1, %d]", i, maxRecursionDepth)
			}
			pipelineCfgs++
		case rhi.SubobjectAssociation:
			a := sub.Association
			if a == nil || a.SubobjectIndex < 0 || a.SubobjectIndex >= i {
				return nil, compileError("subobject %d: association must point at an earlier subobject", i)
			}
			pendingAssocs = append(pendingAssocs, sub)
			pendingIndices = append(pendingIndices, i)
		default:
			return nil, compileError("subobject %d: unknown type %d", i, sub.Type)
		}
	}

	if libraries == 0 {
		return nil, compileError("no shader library")
	}
	if shaderConfigs != 1 || pipelineCfgs != 1 {
		return nil, compileError("need exactly one shader config and one pipeline config, got %d and %d", shaderConfigs, pipelineCfgs)
	}
	if globals > 1 {
		return nil, compileError("%d global root signatures", globals)
	}

	for name, hg := range hitGroups {
		if hg.ClosestHit == "" && hg.AnyHit == "" && hg.Intersection == "" {
			return nil, compileError("hit group '%s' imports no shader", name)
		}
		for _, imp := range []string{hg.ClosestHit, hg.AnyHit, hg.Intersection} {
			if imp != "" && !exports[imp] {
				return nil, compileError("hit group '%s' imports undefined export '%s'", name, imp)
			}
		}
		if exports[name] {
			return nil, compileError("hit group '%s' collides with a library export", name)
		}
	}

	for n, sub := range pendingAssocs {
		target := subobjects[sub.Association.SubobjectIndex]
		for _, e := range sub.Association.Exports {
			if !exports[e] {
				if _, ok := hitGroups[e]; !ok {
					return nil, compileError("association %d names undefined export '%s'", pendingIndices[n], e)
				}
			}
			switch target.Type {
			case rhi.SubobjectLocalRootSignature:
				if prev, ok := localByExport[e]; ok && prev != target.RootSignature {
					return nil, compileError("export '%s' has two local root signatures", e)
				}
				localByExport[e] = target.RootSignature
			case rhi.SubobjectShaderConfig:
				configExports[e] = true
			default:
				return nil, compileError("association %d targets a %s", pendingIndices[n], target.Type)
			}
		}
	}

	so := &StateObject{
		device:          d,
		identifiers:     make(map[string][]byte),
		issuedIDs:       make(map[string]struct{}),
		localSignatures: localByExport,
	}
	salt := sha256.New()
	for _, c := range code {
		salt.Write(c)
	}
	seed := salt.Sum(nil)
	for e := range exports {
		so.issue(e, seed, "export")
	}
	for name := range hitGroups {
		so.issue(name, seed, "hitgroup")
	}
	core.LogDebug("state object compiled: %d exports, %d hit groups", len(exports), len(hitGroups))
	return so, nil
}

func (so *StateObject) issue(name string, seed []byte, kind string) {
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(name))
	id := h.Sum(nil)[:identifierSize]
	so.identifiers[name] = id
	so.issuedIDs[string(id)] = struct{}{}
}

func (so *StateObject) issued(id []byte) bool {
	_, ok := so.issuedIDs[string(id)]
	return ok
}

// ShaderIdentifier returns a copy of the identifier of export.
func (so *StateObject) ShaderIdentifier(export string) ([]byte, bool) {
	id, ok := so.identifiers[export]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(id))
	copy(out, id)
	return out, true
}

// LocalSignature returns the local root signature associated with export.
func (so *StateObject) LocalSignature(export string) (rhi.RootSignature, bool) {
	s, ok := so.localSignatures[export]
	return s, ok
}

func (so *StateObject) Release() {}
