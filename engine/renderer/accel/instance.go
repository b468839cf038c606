package accel

import (
	"encoding/binary"
	"fmt"
	stdmath "math"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/rhi"
)

// InstanceDescriptorSize is the size of one encoded instance.
const InstanceDescriptorSize = 64

// MaxInstanceID is the largest value the 24-bit ID and contribution fields hold.
const MaxInstanceID = 1<<24 - 1

type InstanceFlags uint8

const (
	InstanceFlagNone                          InstanceFlags = 0
	InstanceFlagTriangleCullDisable           InstanceFlags = 1 << 0
	InstanceFlagTriangleFrontCounterClockwise InstanceFlags = 1 << 1
	InstanceFlagForceOpaque                   InstanceFlags = 1 << 2
	InstanceFlagForceNonOpaque                InstanceFlags = 1 << 3
)

// Instance places a bottom-level structure in the scene.
type Instance struct {
	// Transform is column-major; the descriptor stores its row-major 3x4 part.
	Transform          math.Mat4
	ID                 uint32
	Mask               uint8
	ContributionOffset uint32
	Flags              InstanceFlags
	BLAS               *BottomLevel
}

/**
 * @brief The 64-byte device layout of one instance:
 * [0,48) row-major 3x4 transform, [48,51) instance id, 51 mask,
 * [52,55) hit group contribution offset, 55 flags, [56,64) BLAS address.
 */
type InstanceDescriptor struct {
	Transform             math.Mat3x4
	InstanceID            uint32
	InstanceMask          uint8
	ContributionOffset    uint32
	Flags                 InstanceFlags
	AccelerationStructure rhi.GPUVirtualAddress
}

// NewInstanceDescriptor validates inst and converts it to its device layout.
func NewInstanceDescriptor(inst Instance) (InstanceDescriptor, error) {
	if inst.ID > MaxInstanceID {
		return InstanceDescriptor{}, core.NewValidationError("instance.id", "%d does not fit in 24 bits", inst.ID)
	}
	if inst.ContributionOffset > MaxInstanceID {
		return InstanceDescriptor{}, core.NewValidationError("instance.contribution_offset", "%d does not fit in 24 bits", inst.ContributionOffset)
	}
	if inst.BLAS == nil || inst.BLAS.released {
		return InstanceDescriptor{}, core.NewValidationError("instance.blas", "instance %d references no live bottom-level structure", inst.ID)
	}
	return InstanceDescriptor{
		Transform:             inst.Transform.RowMajor3x4(),
		InstanceID:            inst.ID,
		InstanceMask:          inst.Mask,
		ContributionOffset:    inst.ContributionOffset,
		Flags:                 inst.Flags,
		AccelerationStructure: inst.BLAS.Address(),
	}, nil
}

// Encode writes the descriptor into the first 64 bytes of dst.
func (d InstanceDescriptor) Encode(dst []byte) error {
	if len(dst) < InstanceDescriptorSize {
		return core.NewValidationError("instance_descriptor", "need %d bytes, have %d", InstanceDescriptorSize, len(dst))
	}
	if d.InstanceID > MaxInstanceID || d.ContributionOffset > MaxInstanceID {
		return core.NewValidationError("instance_descriptor", "id %d or offset %d exceeds 24 bits", d.InstanceID, d.ContributionOffset)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			binary.LittleEndian.PutUint32(dst[(r*4+c)*4:], stdmath.Float32bits(d.Transform.Rows[r][c]))
		}
	}
	binary.LittleEndian.PutUint32(dst[48:], d.InstanceID|uint32(d.InstanceMask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], d.ContributionOffset|uint32(d.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(d.AccelerationStructure))
	return nil
}

// DecodeInstanceDescriptor reads a descriptor from the first 64 bytes of src.
func DecodeInstanceDescriptor(src []byte) (InstanceDescriptor, error) {
	var d InstanceDescriptor
	if len(src) < InstanceDescriptorSize {
		return d, fmt.Errorf("%w: instance descriptor needs %d bytes, have %d", core.ErrValidation, InstanceDescriptorSize, len(src))
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			d.Transform.Rows[r][c] = stdmath.Float32frombits(binary.LittleEndian.Uint32(src[(r*4+c)*4:]))
		}
	}
	w := binary.LittleEndian.Uint32(src[48:])
	d.InstanceID = w & MaxInstanceID
	d.InstanceMask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(src[52:])
	d.ContributionOffset = w & MaxInstanceID
	d.Flags = InstanceFlags(w >> 24)
	d.AccelerationStructure = rhi.GPUVirtualAddress(binary.LittleEndian.Uint64(src[56:]))
	return d, nil
}

// encodeInstances validates every instance before anything is allocated.
func encodeInstances(instances []Instance) ([]byte, error) {
	out := make([]byte, len(instances)*InstanceDescriptorSize)
	for i, inst := range instances {
		d, err := NewInstanceDescriptor(inst)
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
		if err := d.Encode(out[i*InstanceDescriptorSize:]); err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
	}
	return out, nil
}
