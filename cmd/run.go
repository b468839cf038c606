package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/config"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/sim"
	"github.com/spaghettifunk/lumen/testbed"
	"github.com/spf13/cobra"
)

var (
	sceneName string
	frames    int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Render a test scene",
	Long: `Builds the selected scene, compiles its pipeline and renders the
configured number of frames. Zero frames renders until interrupted.`,
	RunE: runScene,
}

func init() {
	runCmd.Flags().StringVar(&sceneName, "scene", "", fmt.Sprintf("Scene to render %v", testbed.Scenes()))
	runCmd.Flags().IntVar(&frames, "frames", 0, "Number of frames, 0 renders until interrupted")
	rootCmd.AddCommand(runCmd)
}

func runScene(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("scene") {
		cfg.Scene.Name = sceneName
	}
	if cmd.Flags().Changed("frames") {
		cfg.Frame.Frames = frames
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Device.ManualCompletion {
		return core.NewValidationError("device.manual_completion", "run needs a queue that completes on its own")
	}

	if cfg.Device.Backend == config.BackendVulkan {
		if err := checkHardware(cfg.Device.RequireHardware); err != nil {
			return err
		}
	}

	latency, err := cfg.Latency()
	if err != nil {
		return err
	}
	dev := sim.NewDevice(sim.Config{Name: "lumen-sim", CompletionLatency: latency})
	defer dev.Release()

	game, err := testbed.NewTestGame(cfg.Scene.Name, engine.NewApplicationConfig(rootCmd.Name(), cfg), cfg.Scene.RotationSpeed)
	if err != nil {
		return err
	}
	e, err := engine.New(game.Game, dev)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := e.Initialize(ctx); err != nil {
		return err
	}
	start := time.Now()
	runErr := e.Run(ctx)
	elapsed := time.Since(start)

	// Shut down even when interrupted.
	if err := e.Shutdown(context.Background()); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}

	stats := dev.Stats()
	fps, ms := e.Metrics().Frame()
	fmt.Fprintf(cmd.OutOrStdout(), "scene %s: %d frames in %s, %.1f fps, %.3f ms/frame, %d refits\n",
		cfg.Scene.Name, stats.Presents, elapsed.Round(time.Millisecond), fps, ms, stats.Refits)
	return nil
}

// checkHardware runs the Vulkan probe; without a ray-tracing device it fails
// only when hardware is required.
func checkHardware(required bool) error {
	report, err := probeHardware()
	if err == nil && !report.Supported() {
		err = fmt.Errorf("no ray-tracing device found: %w", core.ErrUnsupportedCapability)
	}
	if err != nil {
		if required {
			return err
		}
		core.LogWarn("hardware probe failed, continuing on the simulated device: %s", err)
		return nil
	}
	for _, d := range report.Devices {
		if d.RayTracing() {
			core.LogInfo("ray-tracing device: %s (%s)", d.Name, d.Driver)
		}
	}
	return nil
}
