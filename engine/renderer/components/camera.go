package components

import (
	"github.com/spaghettifunk/lumen/engine/math"
)

const (
	DefaultFieldOfView float32 = 45 * math.K_DEG2RAD_MULTIPLIER
	DefaultNearClip    float32 = 0.1
	DefaultFarClip     float32 = 1000
)

/**
 * @brief The eye primary rays start from. The ray generation shader turns
 * pixel coordinates into world-space rays with ProjectionToWorld.
 */
type Camera struct {
	position math.Vec3
	// Euler angles (pitch, yaw, roll) in radians.
	eulerRotation math.Vec3
	/** @brief Vertical field of view in radians. */
	FieldOfView float32
	NearClip    float32
	FarClip     float32

	isDirty    bool
	viewMatrix math.Mat4
}

func NewCamera() *Camera {
	camera := &Camera{}
	camera.Reset()
	return camera
}

func (c *Camera) Reset() {
	c.eulerRotation = math.NewVec3Zero()
	c.position = math.NewVec3Zero()
	c.FieldOfView = DefaultFieldOfView
	c.NearClip = DefaultNearClip
	c.FarClip = DefaultFarClip
	c.isDirty = false
	c.viewMatrix = math.NewMat4Identity()
}

func (c *Camera) GetPosition() math.Vec3 {
	return c.position
}

func (c *Camera) SetPosition(position math.Vec3) {
	c.position = position
	c.isDirty = true
}

func (c *Camera) GetEulerRotation() math.Vec3 {
	return c.eulerRotation
}

func (c *Camera) SetEulerRotation(rotation math.Vec3) {
	c.eulerRotation = rotation
	c.isDirty = true
}

func (c *Camera) GetView() math.Mat4 {
	if c.isDirty {
		rotation := math.NewMat4EulerXYZ(c.eulerRotation.X, c.eulerRotation.Y, c.eulerRotation.Z)
		translation := math.NewMat4Translation(c.position)

		c.viewMatrix = rotation.Mul(translation).Inverse()
		c.isDirty = false
	}
	return c.viewMatrix
}

// Forward is the view direction in world space.
func (c *Camera) Forward() math.Vec3 {
	view := c.GetView()
	return view.Forward()
}

func (c *Camera) MoveForward(amount float32) {
	c.position = c.position.Add(c.Forward().MulScalar(amount))
	c.isDirty = true
}

func (c *Camera) Yaw(amount float32) {
	c.eulerRotation.Y += amount
	c.isDirty = true
}

func (c *Camera) Pitch(amount float32) {
	c.eulerRotation.X += amount

	// Clamp to avoid Gimbal lock.
	limit := 89 * math.K_DEG2RAD_MULTIPLIER
	c.eulerRotation.X = math.Clamp(c.eulerRotation.X, -limit, limit)

	c.isDirty = true
}

func (c *Camera) Projection(aspectRatio float32) math.Mat4 {
	return math.NewMat4Perspective(c.FieldOfView, aspectRatio, c.NearClip, c.FarClip)
}

/**
 * @brief Maps clip-space points back to world space: the inverse of view
 * followed by projection.
 */
func (c *Camera) ProjectionToWorld(aspectRatio float32) math.Mat4 {
	return c.GetView().Mul(c.Projection(aspectRatio)).Inverse()
}
