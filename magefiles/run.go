//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Renders the named test scene on the simulated device until interrupted.
func (Run) Scene(name string) error {
	mg.Deps(Build.Binary)
	fmt.Printf("Run scene %s...\n", name)
	if _, err := executeCmd("bin/lumen", withArgs("run", "--scene", name), withStream()); err != nil {
		return err
	}
	return nil
}

// Reports the local Vulkan ray-tracing support.
func (Run) Probe() error {
	mg.Deps(Build.Binary)
	if _, err := executeCmd("bin/lumen", withArgs("probe"), withStream()); err != nil {
		return err
	}
	return nil
}
