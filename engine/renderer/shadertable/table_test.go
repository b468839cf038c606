package shadertable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
	"github.com/spaghettifunk/lumen/engine/renderer/sim"
)

func init() {
	core.SetLogOutput(io.Discard)
}

var shaders = []byte("RayGen Miss ClosestHit ShadowMiss")

func rayGenSignature() pipeline.LocalSignature {
	return pipeline.LocalSignature{
		Desc: rhi.RootSignatureDesc{
			Name: "raygen",
			Parameters: []rhi.RootParameter{{
				Kind:   rhi.RootParameterDescriptorTable,
				Ranges: []rhi.DescriptorRange{{Kind: rhi.RootParameterUnorderedAccessView, NumDescriptors: 1}},
			}},
		},
		Exports: []string{"RayGen"},
	}
}

type env struct {
	dev  *sim.Device
	heap rhi.DescriptorHeap
	p    *pipeline.Pipeline
}

func newEnv(t *testing.T, desc pipeline.Desc) *env {
	t.Helper()
	dev := sim.NewDevice(sim.Config{ManualCompletion: true})
	t.Cleanup(dev.Release)
	heap, err := dev.CreateDescriptorHeap(2)
	if err != nil {
		t.Fatal(err)
	}
	desc.Library = shaders
	desc.MaxPayloadSize = 16
	desc.MaxAttributeSize = 8
	desc.MaxRecursionDepth = 1
	p, err := pipeline.Compile(dev, desc)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	t.Cleanup(p.Release)
	return &env{dev: dev, heap: heap, p: p}
}

func mapped(t *testing.T, tbl *Table) []byte {
	t.Helper()
	data, err := tbl.Buffer().Map()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// One triangle, one instance: ray generation with the heap table, one miss,
// one hit record without arguments.
func TestSingleTriangleTable(t *testing.T) {
	e := newEnv(t, pipeline.Desc{
		Exports:         []string{"RayGen", "Miss", "ClosestHit"},
		HitGroups:       []pipeline.HitGroup{{Name: "HitGroup", ClosestHit: "ClosestHit"}},
		LocalSignatures: []pipeline.LocalSignature{rayGenSignature()},
	})

	tbl, err := Build(e.dev, e.p, Layout{
		RayGen:    Record{Export: "RayGen", Args: []RootArgument{DescriptorTable(e.heap.GPUStart())}},
		Miss:      []Record{{Export: "Miss"}},
		HitGroups: []Record{{Export: "HitGroup"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer tbl.Release()

	if tbl.RecordCount() != 3 || tbl.Stride() != 64 {
		t.Fatalf("records = %d, stride = %d; want 3 at 64", tbl.RecordCount(), tbl.Stride())
	}
	if off, _ := tbl.RecordOffset(0); off != 0 {
		t.Fatalf("ray generation record at %d", off)
	}

	data := mapped(t, tbl)
	rayGen, _ := e.p.ShaderIdentifier("RayGen")
	if !bytes.Equal(data[:32], rayGen) {
		t.Fatal("record 0 does not start with the ray generation identifier")
	}
	if got := binary.LittleEndian.Uint64(data[32:]); got != uint64(e.heap.GPUStart()) {
		t.Fatalf("ray generation argument = %#x, want heap start %#x", got, uint64(e.heap.GPUStart()))
	}

	hitOff, _ := tbl.RecordOffset(2)
	hit, _ := e.p.ShaderIdentifier("HitGroup")
	if !bytes.Equal(data[hitOff:hitOff+32], hit) {
		t.Fatal("hit record does not carry the hit group identifier")
	}
	if !bytes.Equal(data[hitOff+32:hitOff+64], make([]byte, 32)) {
		t.Fatal("hit record payload should be empty")
	}

	region := tbl.HitGroupRegion()
	if region.Start%TableAlignment != 0 || region.Size != 64 || region.Stride != 64 {
		t.Fatalf("hit region = %+v", region)
	}
}

// Three instances sharing one hit group, each with its own constant buffer.
func TestPerInstanceConstantBuffers(t *testing.T) {
	hitSig := pipeline.LocalSignature{
		Desc: rhi.RootSignatureDesc{
			Name: "hit",
			Parameters: []rhi.RootParameter{
				{Kind: rhi.RootParameterDescriptorTable, Ranges: []rhi.DescriptorRange{{Kind: rhi.RootParameterShaderResourceView, NumDescriptors: 1}}},
				{Kind: rhi.RootParameterConstantBufferView},
			},
		},
		Exports: []string{"HitGroup"},
	}
	e := newEnv(t, pipeline.Desc{
		Exports:         []string{"RayGen", "Miss", "ClosestHit"},
		HitGroups:       []pipeline.HitGroup{{Name: "HitGroup", ClosestHit: "ClosestHit"}},
		LocalSignatures: []pipeline.LocalSignature{rayGenSignature(), hitSig},
	})

	cbs := []rhi.GPUVirtualAddress{0x10000, 0x10100, 0x10200}
	layout := Layout{
		RayGen: Record{Export: "RayGen", Args: []RootArgument{DescriptorTable(e.heap.GPUStart())}},
		Miss:   []Record{{Export: "Miss"}},
	}
	for _, cb := range cbs {
		layout.HitGroups = append(layout.HitGroups, Record{
			Export: "HitGroup",
			Args:   []RootArgument{DescriptorTable(e.heap.GPUStart()), ConstantBuffer(cb)},
		})
	}
	tbl, err := Build(e.dev, e.p, layout)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer tbl.Release()

	data := mapped(t, tbl)
	hit, _ := e.p.ShaderIdentifier("HitGroup")
	var prev int64 = -1
	seen := map[uint64]bool{}
	for i := range cbs {
		rel, err := tbl.HitGroupOffset(i)
		if err != nil {
			t.Fatal(err)
		}
		if int64(rel) <= prev {
			t.Fatalf("hit offsets not increasing: %d after %d", rel, prev)
		}
		prev = int64(rel)

		off, _ := tbl.RecordOffset(1 + tbl.MissCount() + i)
		rec := data[off : off+tbl.Stride()]
		if !bytes.Equal(rec[:32], hit) {
			t.Fatalf("hit record %d identifier differs", i)
		}
		cb := binary.LittleEndian.Uint64(rec[40:])
		if seen[cb] {
			t.Fatalf("constant buffer %#x reused", cb)
		}
		seen[cb] = true
	}

	spans := []Span{{Offset: 0, Records: 1}, {Offset: 1, Records: 1}, {Offset: 2, Records: 1}}
	if err := tbl.ValidateContributions(spans); err != nil {
		t.Fatalf("ValidateContributions: %v", err)
	}
}

func TestStrideIsAlignedAndCoversLargestRecord(t *testing.T) {
	for args := 0; args <= 8; args++ {
		s := EntrySize(args)
		if s%RecordAlignment != 0 || s < uint64(IdentifierSize+RootArgumentSize*args) {
			t.Fatalf("EntrySize(%d) = %d", args, s)
		}
	}
	if EntrySize(0) != 32 || EntrySize(1) != 64 || EntrySize(4) != 64 || EntrySize(5) != 96 {
		t.Fatal("unexpected entry sizes")
	}
}

func TestRecordArgumentsMustMatchSignature(t *testing.T) {
	e := newEnv(t, pipeline.Desc{
		Exports:         []string{"RayGen", "Miss", "ClosestHit"},
		HitGroups:       []pipeline.HitGroup{{Name: "HitGroup", ClosestHit: "ClosestHit"}},
		LocalSignatures: []pipeline.LocalSignature{rayGenSignature()},
	})
	cases := map[string]Layout{
		"missing ray generation argument": {
			RayGen: Record{Export: "RayGen"},
		},
		"wrong argument kind": {
			RayGen: Record{Export: "RayGen", Args: []RootArgument{ConstantBuffer(0x1000)}},
		},
		"arguments without signature": {
			RayGen: Record{Export: "RayGen", Args: []RootArgument{DescriptorTable(e.heap.GPUStart())}},
			Miss:   []Record{{Export: "Miss", Args: []RootArgument{ConstantBuffer(0x1000)}}},
		},
		"unknown export": {
			RayGen: Record{Export: "RayGen", Args: []RootArgument{DescriptorTable(e.heap.GPUStart())}},
			Miss:   []Record{{Export: "Nope"}},
		},
	}
	for name, layout := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Build(e.dev, e.p, layout); !errors.Is(err, core.ErrValidation) {
				t.Fatalf("Build() = %v, want ErrValidation", err)
			}
		})
	}
}

func TestContributionsMustNotOverlap(t *testing.T) {
	tbl := &Table{stride: 64, hitCount: 4}
	if err := tbl.ValidateContributions([]Span{{Offset: 0, Records: 2}, {Offset: 1, Records: 2}}); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("overlap accepted: %v", err)
	}
	if err := tbl.ValidateContributions([]Span{{Offset: 3, Records: 2}}); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("overrun accepted: %v", err)
	}
	if err := tbl.ValidateContributions([]Span{{Offset: 0, Records: 2}, {Offset: 2, Records: 2}}); err != nil {
		t.Fatalf("adjacent spans rejected: %v", err)
	}
}

func TestCursorRejectsWritesPastRecord(t *testing.T) {
	buf := make([]byte, 128)
	c := NewCursor(buf, 64)
	c.Record(64)
	c.Data(make([]byte, 32))
	c.Uint64(1)
	c.Uint64(2)
	c.Uint64(3)
	c.Uint64(4)
	if c.Error() != nil {
		t.Fatalf("record filled exactly: %v", c.Error())
	}
	c.Uint64(5)
	if !errors.Is(c.Error(), ErrRecordOverflow) {
		t.Fatalf("Error() = %v, want ErrRecordOverflow", c.Error())
	}
	// The overflowing write must not reach past the record.
	if got := binary.LittleEndian.Uint64(buf[120:]); got != 4 {
		t.Fatalf("last slot = %d, want 4", got)
	}

	c = NewCursor(buf, 64)
	c.Record(96)
	if !errors.Is(c.Error(), ErrRecordOverflow) {
		t.Fatal("record starting past the buffer end must fail")
	}
}
