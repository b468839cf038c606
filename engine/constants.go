package engine

import (
	"encoding/binary"
	stdmath "math"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
)

// SceneConstantsSize is the encoded size of SceneConstants.
const SceneConstantsSize = 144

type Light struct {
	Position math.Vec3
	Ambient  math.Vec4
	Diffuse  math.Vec4
}

/**
 * @brief The constant buffer the ray generation shader reads:
 * [0,64) projection to world, [64,80) background, [80,92) camera position,
 * 92 max recursion depth, [96,108) light position, [112,128) ambient, [128,144) diffuse.
 */
type SceneConstants struct {
	ProjectionToWorld math.Mat4
	Background        math.Vec4
	CameraPosition    math.Vec3
	MaxRecursionDepth float32
	Light             Light
}

func (c SceneConstants) Encode(dst []byte) error {
	if len(dst) < SceneConstantsSize {
		return core.NewValidationError("scene.constants", "need %d bytes, have %d", SceneConstantsSize, len(dst))
	}
	put := func(off int, vs ...float32) {
		for i, v := range vs {
			binary.LittleEndian.PutUint32(dst[off+i*4:], stdmath.Float32bits(v))
		}
	}
	put(0, c.ProjectionToWorld.Data[:]...)
	put(64, c.Background.X, c.Background.Y, c.Background.Z, c.Background.W)
	put(80, c.CameraPosition.X, c.CameraPosition.Y, c.CameraPosition.Z, c.MaxRecursionDepth)
	put(96, c.Light.Position.X, c.Light.Position.Y, c.Light.Position.Z, 0)
	put(112, c.Light.Ambient.X, c.Light.Ambient.Y, c.Light.Ambient.Z, c.Light.Ambient.W)
	put(128, c.Light.Diffuse.X, c.Light.Diffuse.Y, c.Light.Diffuse.Z, c.Light.Diffuse.W)
	return nil
}
