package main

import (
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/staging-node/internal/gpu"
)

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the selected transfer backend and device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Override device.backend (auto, cuda, host)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			backend := cfg.Device.Backend
			if c.IsSet("backend") {
				backend = c.String("backend")
			}

			manager, err := gpu.NewManager(appLogger(c), backend, cfg.Device.Ordinal)
			if err != nil {
				return err
			}
			defer manager.Cleanup()

			figure.NewFigure("stagectl", "", true).Print()
			fmt.Fprintln(c.App.Writer)
			printDeviceInfo(c.App.Writer, manager)
			return nil
		},
	}
}

func printDeviceInfo(w io.Writer, manager *gpu.Manager) {
	info := manager.DeviceInfo()
	fmt.Fprintf(w, "Backend:            %s\n", manager.BackendType())
	fmt.Fprintf(w, "Accelerated:        %t\n", manager.IsGPUAvailable())
	fmt.Fprintf(w, "Device:             %s (ordinal %d)\n", info.Name, info.Ordinal)
	fmt.Fprintf(w, "Total memory:       %d MiB\n", info.TotalMemory>>20)
	if info.ComputeCapability != "" {
		fmt.Fprintf(w, "Compute capability: %s\n", info.ComputeCapability)
	}
	fmt.Fprintf(w, "Driver version:     %s\n", info.DriverVersion)
}
