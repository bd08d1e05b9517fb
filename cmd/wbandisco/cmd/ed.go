package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/core/relay"
	"github.com/kabili207/wbandisco/device/ed"
	"github.com/kabili207/wbandisco/internal/config"
)

var edCmd = &cobra.Command{
	Use:   "ed",
	Short: "Run an end device",
	RunE:  runED,
}

func init() {
	edCmd.Flags().IntP("address", "a", 1, "device address (1-15)")
	edCmd.Flags().String("stamp", "local", "packet id written into relay entries: local or peer")
	viper.BindPFlag("end_device.address", edCmd.Flags().Lookup("address"))
	viper.BindPFlag("end_device.stamp", edCmd.Flags().Lookup("stamp"))
}

func runED(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := config.C.EndDevice
	if c.Address < 1 || c.Address > codec.MaxDevices {
		return codec.ErrAddressOutOfRange
	}
	addr := uint8(c.Address)

	band, mode, err := radioSettings()
	if err != nil {
		return err
	}
	stamp, err := relay.ParseStampPolicy(c.Stamp)
	if err != nil {
		return err
	}

	logger := slog.Default().With("address", addr)
	tr, err := newTransport(addr, nil, logger)
	if err != nil {
		return err
	}

	dev, err := ed.New(tr, ed.Config{
		Address:        addr,
		Band:           band,
		SlotDelay:      c.SlotDelay,
		BeaconInterval: c.BeaconInterval,
		Stamp:          stamp,
		DiagMode:       mode,
		Console:        os.Stdout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting wbandisco end device", "version", config.Version, "transport", config.C.Transport.Type)

	if err := tr.Start(ctx); err != nil {
		return err
	}
	defer tr.Stop()

	if err := dev.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("end device stopped")
	return nil
}
