package shadertable

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

const (
	IdentifierSize   = 32
	RecordAlignment  = 32
	TableAlignment   = 64
	RootArgumentSize = 8
)

// RootArgument is one 8-byte slot following the identifier of a record.
type RootArgument struct {
	Kind  rhi.RootParameterKind
	Value uint64
}

func DescriptorTable(handle rhi.GPUDescriptorHandle) RootArgument {
	return RootArgument{Kind: rhi.RootParameterDescriptorTable, Value: uint64(handle)}
}

func ConstantBuffer(address rhi.GPUVirtualAddress) RootArgument {
	return RootArgument{Kind: rhi.RootParameterConstantBufferView, Value: uint64(address)}
}

// Record names the export (or hit group) a record launches and its arguments.
type Record struct {
	Export string
	Args   []RootArgument
}

type Layout struct {
	RayGen    Record
	Miss      []Record
	HitGroups []Record
}

// Source resolves identifiers and local signatures; a compiled pipeline satisfies it.
type Source interface {
	ShaderIdentifier(export string) ([]byte, error)
	LocalSignature(export string) (rhi.RootSignature, bool)
}

// EntrySize is the record stride for records carrying at most maxArgs arguments.
func EntrySize(maxArgs int) uint64 {
	return math.AlignUp(uint64(IdentifierSize+RootArgumentSize*maxArgs), RecordAlignment)
}

/**
 * @brief An immutable shader table: the ray generation record, then the miss
 * records, then the hit group records, all at one stride. Each region starts
 * on a table alignment boundary.
 */
type Table struct {
	buffer    rhi.Buffer
	stride    uint64
	missStart uint64
	hitStart  uint64
	missCount int
	hitCount  int
}

// Build resolves every record against src, lays the table out and writes it
// into a new upload buffer.
func Build(device rhi.Device, src Source, layout Layout) (*Table, error) {
	records := make([]Record, 0, 1+len(layout.Miss)+len(layout.HitGroups))
	records = append(records, layout.RayGen)
	records = append(records, layout.Miss...)
	records = append(records, layout.HitGroups...)

	ids := make([][]byte, len(records))
	maxArgs := 0
	for i, r := range records {
		id, err := src.ShaderIdentifier(r.Export)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if len(id) != IdentifierSize {
			return nil, core.NewValidationError("record.identifier", "'%s' identifier is %d bytes", r.Export, len(id))
		}
		if err := checkArgs(src, i, r); err != nil {
			return nil, err
		}
		ids[i] = id
		if len(r.Args) > maxArgs {
			maxArgs = len(r.Args)
		}
	}

	t := &Table{
		stride:    EntrySize(maxArgs),
		missCount: len(layout.Miss),
		hitCount:  len(layout.HitGroups),
	}
	t.missStart = math.AlignUp(t.stride, TableAlignment)
	t.hitStart = math.AlignUp(t.missStart+uint64(t.missCount)*t.stride, TableAlignment)
	size := t.hitStart + uint64(t.hitCount)*t.stride

	buf, err := device.CreateBuffer(rhi.BufferDesc{
		Name:         "shader-table",
		Size:         size,
		Heap:         rhi.HeapTypeUpload,
		InitialState: rhi.ResourceStateGenericRead,
	})
	if err != nil {
		err = fmt.Errorf("failed to allocate shader table (%d bytes): %w", size, err)
		core.LogError(err.Error())
		return nil, err
	}
	data, err := buf.Map()
	if err != nil {
		buf.Release()
		err = fmt.Errorf("failed to map shader table: %w", err)
		core.LogError(err.Error())
		return nil, err
	}

	c := NewCursor(data, int(t.stride))
	for i, r := range records {
		c.Record(int(t.offset(i)))
		c.Data(ids[i])
		for _, a := range r.Args {
			c.Uint64(a.Value)
		}
		c.Zero()
	}
	buf.Unmap()
	if err := c.Error(); err != nil {
		buf.Release()
		core.LogError(err.Error())
		return nil, err
	}
	t.buffer = buf

	core.LogDebug("shader table: %d records, stride %d, %d bytes", len(records), t.stride, size)
	return t, nil
}

// checkArgs matches a record's arguments against the local signature of its export.
func checkArgs(src Source, index int, r Record) error {
	field := fmt.Sprintf("records[%d]", index)
	sig, ok := src.LocalSignature(r.Export)
	if !ok {
		if len(r.Args) != 0 {
			return core.NewValidationError(field, "'%s' has no local signature but %d arguments", r.Export, len(r.Args))
		}
		return nil
	}
	params := sig.Desc().Parameters
	if len(params) != len(r.Args) {
		return core.NewValidationError(field, "'%s' takes %d arguments, record has %d", r.Export, len(params), len(r.Args))
	}
	for j, p := range params {
		if p.Kind != r.Args[j].Kind {
			return core.NewValidationError(field, "'%s' argument %d is a %s, record has a %s", r.Export, j, p.Kind, r.Args[j].Kind)
		}
		if r.Args[j].Value == 0 {
			return core.NewValidationError(field, "'%s' argument %d is null", r.Export, j)
		}
	}
	return nil
}

// offset returns the byte offset of record i in table order.
func (t *Table) offset(i int) uint64 {
	switch {
	case i == 0:
		return 0
	case i <= t.missCount:
		return t.missStart + uint64(i-1)*t.stride
	default:
		return t.hitStart + uint64(i-1-t.missCount)*t.stride
	}
}

// RecordOffset is the byte offset of record i: 0 is ray generation, then miss, then hit records.
func (t *Table) RecordOffset(i int) (uint64, error) {
	if i < 0 || i >= t.RecordCount() {
		return 0, core.NewValidationError("record", "%d outside table of %d records", i, t.RecordCount())
	}
	return t.offset(i), nil
}

func (t *Table) RecordCount() int   { return 1 + t.missCount + t.hitCount }
func (t *Table) Stride() uint64     { return t.stride }
func (t *Table) MissCount() int     { return t.missCount }
func (t *Table) HitCount() int      { return t.hitCount }
func (t *Table) Buffer() rhi.Buffer { return t.buffer }

// HitGroupOffset is the record distance of hit record i from the first hit record.
func (t *Table) HitGroupOffset(i int) (uint32, error) {
	if i < 0 || i >= t.hitCount {
		return 0, core.NewValidationError("hit_group", "%d outside %d hit records", i, t.hitCount)
	}
	return uint32(i), nil
}

func (t *Table) RayGenRegion() rhi.AddressRange {
	return rhi.AddressRange{Start: t.buffer.Address(), Size: t.stride}
}

func (t *Table) MissRegion() rhi.AddressRangeAndStride {
	return rhi.AddressRangeAndStride{
		Start:  t.buffer.Address() + rhi.GPUVirtualAddress(t.missStart),
		Size:   uint64(t.missCount) * t.stride,
		Stride: t.stride,
	}
}

func (t *Table) HitGroupRegion() rhi.AddressRangeAndStride {
	return rhi.AddressRangeAndStride{
		Start:  t.buffer.Address() + rhi.GPUVirtualAddress(t.hitStart),
		Size:   uint64(t.hitCount) * t.stride,
		Stride: t.stride,
	}
}

// DispatchDesc fills the three table regions of a dispatch of the given size.
func (t *Table) DispatchDesc(width, height uint32) *rhi.DispatchRaysDesc {
	return &rhi.DispatchRaysDesc{
		RayGen:   t.RayGenRegion(),
		Miss:     t.MissRegion(),
		HitGroup: t.HitGroupRegion(),
		Width:    width,
		Height:   height,
		Depth:    1,
	}
}

// Span is the run of hit records one instance addresses: Records consecutive
// records starting at its contribution Offset.
type Span struct {
	Offset  uint32
	Records int
}

// ValidateContributions checks that every span lies inside the hit records
// and that no two spans overlap.
func (t *Table) ValidateContributions(spans []Span) error {
	owner := make([]int, t.hitCount)
	for i := range owner {
		owner[i] = -1
	}
	for i, s := range spans {
		field := fmt.Sprintf("instances[%d].contribution_offset", i)
		if s.Records < 1 {
			return core.NewValidationError(field, "instance addresses %d records", s.Records)
		}
		end := int(s.Offset) + s.Records
		if end > t.hitCount {
			return core.NewValidationError(field, "records [%d, %d) exceed %d hit records", s.Offset, end, t.hitCount)
		}
		for r := int(s.Offset); r < end; r++ {
			if owner[r] >= 0 {
				return core.NewValidationError(field, "hit record %d already used by instance %d", r, owner[r])
			}
			owner[r] = i
		}
	}
	return nil
}

func (t *Table) Release() {
	if t.buffer != nil {
		t.buffer.Release()
		t.buffer = nil
	}
}
