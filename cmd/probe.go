package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/platform"
	"github.com/spaghettifunk/lumen/engine/renderer/vulkan"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report the Vulkan devices able to run ray-tracing pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := probeHardware()
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report)
		if !report.Supported() {
			return fmt.Errorf("no ray-tracing device found: %w", core.ErrUnsupportedCapability)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

// probeHardware starts the windowing platform just long enough to query the Vulkan loader.
func probeHardware() (*vulkan.Report, error) {
	p, err := platform.New()
	if err != nil {
		return nil, err
	}
	defer p.Shutdown()

	if err := p.Startup(); err != nil {
		if errors.Is(err, platform.ErrVulkanUnavailable) {
			return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedCapability, err)
		}
		return nil, err
	}
	report, err := vulkan.Probe(p, rootCmd.Name())
	core.LogDebug("vulkan probe took %.3fs", p.GetAbsoluteTime())
	return report, err
}

func printReport(w io.Writer, report *vulkan.Report) {
	if len(report.Devices) == 0 {
		fmt.Fprintln(w, "no Vulkan devices")
		return
	}
	for _, d := range report.Devices {
		status := "ray tracing"
		if !d.RayTracing() {
			status = "missing " + strings.Join(d.Missing, ", ")
		}
		fmt.Fprintf(w, "%s (%s, api %s, driver %s): %s\n", d.Name, d.Type, d.APIVersion, d.Driver, status)
	}
}
