/*
Lumen command line: renders the test scenes on the simulated
device and probes the local Vulkan driver
*/
package main

import (
	"os"

	"github.com/spaghettifunk/lumen/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
