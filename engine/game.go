package engine

import "github.com/spaghettifunk/lumen/engine/math"

type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}

	FnInitialize func() error
	// FnScene describes the scene to build, called once during Initialize.
	FnScene func() (*SceneDesc, error)
	// FnUpdate may rewrite the instance transforms in place, returning true to refit the TLAS.
	FnUpdate   func(deltaTime float64, transforms []math.Mat4) (bool, error)
	FnShutdown func() error
}
