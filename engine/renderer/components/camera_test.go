package components

import (
	"testing"

	"github.com/spaghettifunk/lumen/engine/math"
)

func TestDefaultCameraLooksDownNegativeZ(t *testing.T) {
	c := NewCamera()
	if f := c.Forward(); !f.Compare(math.NewVec3(0, 0, -1), 1e-6) {
		t.Fatalf("Forward() = %+v", f)
	}
}

func TestYawTurnsLeft(t *testing.T) {
	c := NewCamera()
	c.Yaw(90 * math.K_DEG2RAD_MULTIPLIER)
	if f := c.Forward(); !f.Compare(math.NewVec3(-1, 0, 0), 1e-5) {
		t.Fatalf("Forward() after yaw = %+v", f)
	}
}

func TestViewMovesWorldOppositeToCamera(t *testing.T) {
	c := NewCamera()
	c.SetPosition(math.NewVec3(0, 1, 5))
	p := c.GetPosition().Transform(c.GetView())
	if !p.Compare(math.NewVec3Zero(), 1e-5) {
		t.Fatalf("camera position in view space = %+v", p)
	}

	c.MoveForward(2)
	if pos := c.GetPosition(); !pos.Compare(math.NewVec3(0, 1, 3), 1e-5) {
		t.Fatalf("position after MoveForward = %+v", pos)
	}
}

func TestPitchIsClamped(t *testing.T) {
	c := NewCamera()
	c.Pitch(math.K_PI)
	if x := c.GetEulerRotation().X; x > 89*math.K_DEG2RAD_MULTIPLIER+1e-6 {
		t.Fatalf("pitch = %v, not clamped", x)
	}
}

func TestProjectionToWorldInvertsViewProjection(t *testing.T) {
	c := NewCamera()
	c.SetPosition(math.NewVec3(1, 2, 3))
	c.Yaw(0.4)
	aspect := float32(16) / 9

	id := c.GetView().Mul(c.Projection(aspect)).Mul(c.ProjectionToWorld(aspect))
	for i, v := range math.NewMat4Identity().Data {
		d := id.Data[i] - v
		if d > 1e-3 || d < -1e-3 {
			t.Fatalf("element %d = %v", i, id.Data[i])
		}
	}
}
