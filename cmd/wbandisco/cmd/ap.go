package cmd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/device/ap"
	"github.com/kabili207/wbandisco/internal/config"
	"github.com/kabili207/wbandisco/metrics"
)

var apCmd = &cobra.Command{
	Use:   "ap",
	Short: "Run the access point",
	Long: `Run the access point. Operator commands are read from stdin, one byte each:
  0  broadcast START (the matrix and active devices are kept)
  1  poll every active device
  2  dump the device table and the RSSI matrix`,
	RunE: runAP,
}

func init() {
	apCmd.Flags().String("monitoring-bind", "", "prometheus metrics and health endpoint (e.g. 0.0.0.0:9100)")
	viper.BindPFlag("monitoring.bind", apCmd.Flags().Lookup("monitoring-bind"))
}

func runAP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	band, mode, err := radioSettings()
	if err != nil {
		return err
	}

	logger := slog.Default()
	events := metrics.NewTransportEvents(prometheus.DefaultRegisterer)
	tr, err := newTransport(codec.APAddress, events, logger)
	if err != nil {
		return err
	}

	c := config.C.AccessPoint
	a := ap.New(tr, ap.Config{
		Band:         band,
		GuardDelay:   c.GuardDelay,
		SyncInterval: c.SyncInterval,
		StallWarning: c.StallWarning,
		DiagMode:     mode,
		Console:      os.Stdout,
		Logger:       logger,
	})
	prometheus.MustRegister(metrics.NewCollector(a))

	logger.Info("starting wbandisco access point", "version", config.Version, "transport", config.C.Transport.Type)

	if err := tr.Start(ctx); err != nil {
		return err
	}
	defer tr.Stop()

	go readCommands(os.Stdin, a, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(ctx)
	})
	g.Go(func() error {
		return metrics.Serve(ctx, metrics.ServerConfig{
			Bind:   config.C.Monitoring.Bind,
			Logger: logger,
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("access point stopped")
	return nil
}

// readCommands feeds operator input to the access point until r is
// exhausted. Whitespace is skipped so that line-buffered terminals work.
func readCommands(r io.Reader, a *ap.AccessPoint, logger *slog.Logger) {
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("reading commands", "error", err)
			}
			return
		}
		if unicode.IsSpace(rune(b)) {
			continue
		}
		// Unknown codes are counted and logged by the access point.
		_ = a.OnCommand(b)
	}
}
