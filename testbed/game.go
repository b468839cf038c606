package testbed

import (
	"sort"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/components"
	"github.com/spaghettifunk/lumen/engine/renderer/pipeline"
)

// Library is the built-in shader library every scene compiles against.
var Library = []byte("lumen-library\x00RayGen\x00Miss\x00ShadowMiss\x00ClosestHit\x00PlaneClosestHit\x00ShadowClosestHit\x00")

type TestGame struct {
	*engine.Game
}

type gameState struct {
	scene string
	// degrees per frame
	rotationSpeed float32
	angle         float32
	base          []math.Mat4
	animated      []bool
}

var scenes = map[string]func() *engine.SceneDesc{
	"triangle": triangleScene,
	"spheres":  spheresScene,
	"refit":    spheresScene,
	"shadow":   shadowScene,
}

// Scenes lists the names NewTestGame accepts.
func Scenes() []string {
	names := make([]string, 0, len(scenes))
	for name := range scenes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func NewTestGame(scene string, config *engine.ApplicationConfig, rotationSpeed float32) (*TestGame, error) {
	if _, ok := scenes[scene]; !ok {
		return nil, core.NewValidationError("scene.name", "unknown scene '%s', have %v", scene, Scenes())
	}

	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: config,
			State: &gameState{
				scene:         scene,
				rotationSpeed: rotationSpeed,
			},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnScene = tg.Scene
	if scene == "refit" || scene == "shadow" {
		tg.FnUpdate = tg.Update
	}
	tg.FnShutdown = tg.Shutdown

	return tg, nil
}

func (g *TestGame) Initialize() error {
	state := g.State.(*gameState)
	core.LogDebug("TestGame Initialize fn, scene '%s'", state.scene)
	state.angle = 0
	return nil
}

func (g *TestGame) Scene() (*engine.SceneDesc, error) {
	state := g.State.(*gameState)
	scene := scenes[state.scene]()
	scene.Name = state.scene
	scene.Camera = sceneCamera()
	scene.Background = math.NewVec4(0.05, 0.05, 0.1, 1)
	scene.Light = engine.Light{
		Position: math.NewVec3(0, 4, 2),
		Ambient:  math.NewVec4(0.25, 0.25, 0.25, 1),
		Diffuse:  math.NewVec4(0.7, 0.7, 0.7, 1),
	}

	// Everything but the ground spins.
	state.base = make([]math.Mat4, len(scene.Instances))
	state.animated = make([]bool, len(scene.Instances))
	for i, inst := range scene.Instances {
		state.base[i] = inst.Transform
		state.animated[i] = inst.Mesh != 0
	}
	return scene, nil
}

// Update orbits every animated instance around the world Y axis.
func (g *TestGame) Update(deltaTime float64, transforms []math.Mat4) (bool, error) {
	state := g.State.(*gameState)
	if state.rotationSpeed == 0 {
		return false, nil
	}
	state.angle += state.rotationSpeed * math.K_DEG2RAD_MULTIPLIER
	rotation := math.NewMat4EulerY(state.angle)
	for i := range transforms {
		if state.animated[i] {
			transforms[i] = state.base[i].Mul(rotation)
		}
	}
	return true, nil
}

func (g *TestGame) Shutdown() error {
	state := g.State.(*gameState)
	core.LogDebug("TestGame Shutdown fn, scene '%s' turned %.2f rad", state.scene, state.angle)
	return nil
}

// sceneCamera sits behind the origin, slightly raised and looking down at it.
func sceneCamera() *components.Camera {
	c := components.NewCamera()
	c.SetPosition(math.NewVec3(0, 1.5, 5))
	c.Pitch(-15 * math.K_DEG2RAD_MULTIPLIER)
	return c
}

func triangleScene() *engine.SceneDesc {
	return &engine.SceneDesc{
		Library:   Library,
		RayGen:    "RayGen",
		Exports:   []string{"RayGen", "Miss", "ClosestHit"},
		HitGroups: []engine.HitGroupDesc{{HitGroup: pipeline.HitGroup{Name: "HitGroup", ClosestHit: "ClosestHit"}}},
		RayTypes:  []engine.RayType{{Name: "primary", Miss: "Miss"}},
		Meshes: []engine.MeshDesc{
			{Name: "triangle", Geometries: []engine.MeshGeometry{triangleGeometry()}},
		},
		Instances: []engine.InstanceDesc{
			{Mesh: 0, Transform: math.NewMat4Identity(), HitGroups: []string{"HitGroup"}},
		},
	}
}

var sphereColours = [][]byte{
	colour(1, 0.2, 0.2, 1),
	colour(0.2, 1, 0.2, 1),
	colour(0.2, 0.2, 1, 1),
}

// spheresScene is a ground plane and three spheres, each with its own colour constants.
func spheresScene() *engine.SceneDesc {
	s := &engine.SceneDesc{
		Library: Library,
		RayGen:  "RayGen",
		Exports: []string{"RayGen", "Miss", "ClosestHit", "PlaneClosestHit"},
		HitGroups: []engine.HitGroupDesc{
			{HitGroup: pipeline.HitGroup{Name: "HitGroup", ClosestHit: "ClosestHit"}, Bindings: engine.BindConstants},
			{HitGroup: pipeline.HitGroup{Name: "PlaneHitGroup", ClosestHit: "PlaneClosestHit"}, Bindings: engine.BindScene},
		},
		RayTypes: []engine.RayType{{Name: "primary", Miss: "Miss"}},
		Meshes: []engine.MeshDesc{
			{Name: "plane", Geometries: []engine.MeshGeometry{planeGeometry(8, -1)}},
			{Name: "sphere", Geometries: []engine.MeshGeometry{icosahedronGeometry(0.5)}},
		},
		Instances: []engine.InstanceDesc{
			{Mesh: 0, Transform: math.NewMat4Identity(), HitGroups: []string{"PlaneHitGroup"}},
		},
	}
	for i, c := range sphereColours {
		s.Instances = append(s.Instances, engine.InstanceDesc{
			Mesh:      1,
			Transform: math.NewMat4Translation(math.NewVec3(float32(i-1)*1.5, 0, 0)),
			HitGroups: []string{"HitGroup"},
			Constants: c,
		})
	}
	return s
}

// shadowScene adds a shadow ray type and a two-part mesh whose second
// geometry is shaded like the ground.
func shadowScene() *engine.SceneDesc {
	s := &engine.SceneDesc{
		Library: Library,
		RayGen:  "RayGen",
		Exports: []string{"RayGen", "Miss", "ShadowMiss", "ClosestHit", "PlaneClosestHit", "ShadowClosestHit"},
		HitGroups: []engine.HitGroupDesc{
			{HitGroup: pipeline.HitGroup{Name: "HitGroup", ClosestHit: "ClosestHit"}, Bindings: engine.BindScene | engine.BindConstants},
			{HitGroup: pipeline.HitGroup{Name: "PlaneHitGroup", ClosestHit: "PlaneClosestHit"}, Bindings: engine.BindScene},
			{HitGroup: pipeline.HitGroup{Name: "ShadowHitGroup", ClosestHit: "ShadowClosestHit"}},
		},
		RayTypes: []engine.RayType{
			{Name: "primary", Miss: "Miss"},
			{Name: "shadow", Miss: "ShadowMiss"},
		},
		Meshes: []engine.MeshDesc{
			{Name: "plane", Geometries: []engine.MeshGeometry{planeGeometry(8, -1)}},
			{Name: "sphere", Geometries: []engine.MeshGeometry{icosahedronGeometry(0.5)}},
			{Name: "pedestal", Geometries: []engine.MeshGeometry{
				icosahedronGeometry(0.25),
				func() engine.MeshGeometry {
					g := planeGeometry(1, -0.5)
					g.HitGroups = []string{"PlaneHitGroup"}
					return g
				}(),
			}},
		},
		Instances: []engine.InstanceDesc{
			{Mesh: 0, Transform: math.NewMat4Identity(), HitGroups: []string{"PlaneHitGroup", "ShadowHitGroup"}},
		},
	}
	for i, c := range sphereColours {
		s.Instances = append(s.Instances, engine.InstanceDesc{
			Mesh:      1,
			Transform: math.NewMat4Translation(math.NewVec3(float32(i-1)*1.5, 0, 0)),
			HitGroups: []string{"HitGroup", "ShadowHitGroup"},
			Constants: c,
		})
	}
	s.Instances = append(s.Instances, engine.InstanceDesc{
		Mesh:      2,
		Transform: math.NewMat4Translation(math.NewVec3(0, 0, 2)),
		HitGroups: []string{"HitGroup", "ShadowHitGroup"},
		Constants: colour(1, 1, 1, 1),
	})
	return s
}
