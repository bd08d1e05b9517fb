package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/internal/config"
	"github.com/kabili207/wbandisco/sim"
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run discovery on a simulated network and dump the result",
	RunE:  runSim,
}

func init() {
	simCmd.Flags().IntSlice("devices", []int{1, 2, 3, 4, 5}, "end-device addresses")
	simCmd.Flags().Uint64("seed", 1, "seed for the random link table")
	simCmd.Flags().Float64("link-loss", 0.2, "probability that a pair of nodes has no link")
	simCmd.Flags().Int("rounds", 1, "discovery rounds to run")
	viper.BindPFlag("simulation.devices", simCmd.Flags().Lookup("devices"))
	viper.BindPFlag("simulation.seed", simCmd.Flags().Lookup("seed"))
	viper.BindPFlag("simulation.link_loss", simCmd.Flags().Lookup("link-loss"))
	viper.BindPFlag("simulation.rounds", simCmd.Flags().Lookup("rounds"))
}

func runSim(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	band, mode, err := radioSettings()
	if err != nil {
		return err
	}

	c := config.C.Simulation
	devices := make([]uint8, 0, len(c.Devices))
	for _, d := range c.Devices {
		if d < 1 || d > codec.MaxDevices {
			return fmt.Errorf("device %d: %w", d, codec.ErrAddressOutOfRange)
		}
		devices = append(devices, uint8(d))
	}

	n, err := sim.New(sim.Config{
		Devices:   devices,
		Seed:      c.Seed,
		LinkLoss:  c.LinkLoss,
		Band:      band,
		SlotDelay: config.C.EndDevice.SlotDelay,
		DiagMode:  mode,
		Console:   os.Stdout,
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	for round := 1; round <= max(c.Rounds, 1); round++ {
		slog.Info("discovery round", "round", round, "devices", len(devices))
		if err := n.Discover(ctx); err != nil {
			return err
		}
	}
	return n.Dump(ctx)
}
