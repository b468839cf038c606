package testbed

import (
	"encoding/binary"
	stdmath "math"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/math"
)

func triangleGeometry() engine.MeshGeometry {
	return engine.MeshGeometry{
		Positions: []math.Vec3{
			math.NewVec3(0, 0.25, 0),
			math.NewVec3(0.25, -0.25, 0),
			math.NewVec3(-0.25, -0.25, 0),
		},
		Opaque: true,
	}
}

// planeGeometry is a square of side size on the XZ plane at height y.
func planeGeometry(size, y float32) engine.MeshGeometry {
	h := size / 2
	return engine.MeshGeometry{
		Positions: []math.Vec3{
			math.NewVec3(-h, y, -h),
			math.NewVec3(h, y, -h),
			math.NewVec3(h, y, h),
			math.NewVec3(-h, y, h),
		},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
		Opaque:  true,
	}
}

// icosahedronGeometry approximates a sphere of the given radius with 20 faces.
func icosahedronGeometry(radius float32) engine.MeshGeometry {
	t := float32((1 + stdmath.Sqrt(5)) / 2)
	raw := []math.Vec3{
		math.NewVec3(-1, t, 0), math.NewVec3(1, t, 0), math.NewVec3(-1, -t, 0), math.NewVec3(1, -t, 0),
		math.NewVec3(0, -1, t), math.NewVec3(0, 1, t), math.NewVec3(0, -1, -t), math.NewVec3(0, 1, -t),
		math.NewVec3(t, 0, -1), math.NewVec3(t, 0, 1), math.NewVec3(-t, 0, -1), math.NewVec3(-t, 0, 1),
	}
	positions := make([]math.Vec3, len(raw))
	for i, v := range raw {
		positions[i] = v.Normalized().MulScalar(radius)
	}
	return engine.MeshGeometry{
		Positions: positions,
		Indices: []uint32{
			0, 11, 5, 0, 5, 1, 0, 1, 7, 0, 7, 10, 0, 10, 11,
			1, 5, 9, 5, 11, 4, 11, 10, 2, 10, 7, 6, 7, 1, 8,
			3, 9, 4, 3, 4, 2, 3, 2, 6, 3, 6, 8, 3, 8, 9,
			4, 9, 5, 2, 4, 11, 6, 2, 10, 8, 6, 7, 9, 8, 1,
		},
		Opaque: true,
	}
}

// colour packs an RGBA float4 the way the hit shaders read their constant buffer.
func colour(r, g, b, a float32) []byte {
	buf := make([]byte, 16)
	for i, c := range []float32{r, g, b, a} {
		binary.LittleEndian.PutUint32(buf[i*4:], stdmath.Float32bits(c))
	}
	return buf
}
