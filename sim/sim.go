// Package sim runs a whole discovery network in one process: an access
// point and a set of end devices sharing an air.Medium.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/core/relay"
	"github.com/kabili207/wbandisco/core/rssi"
	"github.com/kabili207/wbandisco/device/ap"
	"github.com/kabili207/wbandisco/device/ed"
	"github.com/kabili207/wbandisco/transport/air"
	"golang.org/x/sync/errgroup"
)

var ErrRoundIncomplete = errors.New("poll round did not complete")

// Config describes a simulated network.
type Config struct {
	// Devices lists the end-device addresses.
	Devices []uint8
	// Seed drives the random link table. Links are symmetric; a link drawn
	// at or below the noise floor is left out so the pair cannot hear each
	// other.
	Seed uint64
	// LinkLoss is the probability that a pair has no link at all.
	LinkLoss float64
	// Band selects the RSSI offset used in diagnostics.
	Band rssi.Band
	// SlotDelay, BeaconInterval and GuardDelay are passed to the nodes.
	SlotDelay      time.Duration
	BeaconInterval time.Duration
	GuardDelay     time.Duration
	// DiagMode and Console receive the access point's diagnostic lines.
	DiagMode relay.Mode
	Console  io.Writer
	// Logger for all nodes. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Network is a running simulation.
type Network struct {
	cfg    Config
	log    *slog.Logger
	Medium *air.Medium
	AP     *ap.AccessPoint
	EDs    []*ed.EndDevice
	ports  []*air.Port
}

// New builds the network and its link table. Nothing runs until Start.
func New(cfg Config) (*Network, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GuardDelay == 0 {
		cfg.GuardDelay = 5 * time.Millisecond
	}
	if cfg.SlotDelay == 0 {
		cfg.SlotDelay = 5 * time.Millisecond
	}
	if cfg.BeaconInterval == 0 {
		cfg.BeaconInterval = -1
	}

	n := &Network{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("sim"),
		Medium: air.NewMedium(air.MediumConfig{Logger: cfg.Logger}),
	}

	apPort, err := n.Medium.Attach(codec.APAddress)
	if err != nil {
		return nil, err
	}
	n.ports = append(n.ports, apPort)
	n.AP = ap.New(apPort, ap.Config{
		Band:         cfg.Band,
		GuardDelay:   cfg.GuardDelay,
		SyncInterval: -1,
		DiagMode:     cfg.DiagMode,
		Console:      cfg.Console,
		Logger:       cfg.Logger,
	})

	for _, addr := range cfg.Devices {
		port, err := n.Medium.Attach(addr)
		if err != nil {
			return nil, err
		}
		dev, err := ed.New(port, ed.Config{
			Address:        addr,
			Band:           cfg.Band,
			SlotDelay:      cfg.SlotDelay,
			BeaconInterval: cfg.BeaconInterval,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", addr, err)
		}
		n.ports = append(n.ports, port)
		n.EDs = append(n.EDs, dev)
	}

	n.randomLinks()
	return n, nil
}

// randomLinks draws a symmetric RSSI for every pair of nodes.
func (n *Network) randomLinks() {
	r := rand.New(rand.NewPCG(n.cfg.Seed, n.cfg.Seed^0x9E3779B97F4A7C15))
	nodes := append([]uint8{codec.APAddress}, n.cfg.Devices...)
	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			// Raw values 0x80..0xFF and 0x00..0x7F cover -138..-11 dBm.
			raw := uint8(r.IntN(256))
			if raw == rssi.NoLink || r.Float64() < n.cfg.LinkLoss {
				continue
			}
			_ = n.Medium.SetSymmetricLink(a, b, raw)
		}
	}
}

// Start switches every radio on.
func (n *Network) Start(ctx context.Context) error {
	for _, p := range n.ports {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run drives every node's foreground loop until ctx is cancelled.
func (n *Network) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.AP.Run(ctx) })
	for _, dev := range n.EDs {
		g.Go(func() error { return dev.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Settle steps every node until the network is idle. Between any two
// transmissions every receiver drains its slot, so no frame is lost to a
// busy receiver the way it can be on real air.
func (n *Network) Settle(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n.drain()
		if n.AP.Step() {
			continue
		}
		if slices.ContainsFunc(n.EDs, (*ed.EndDevice).Flush) {
			continue
		}

		if !n.waiting() {
			return nil
		}
		time.Sleep(max(n.cfg.SlotDelay/4, 100*time.Microsecond))
	}
}

// drain lets every end device process what it has received.
func (n *Network) drain() {
	for busy := true; busy; {
		busy = false
		for _, dev := range n.EDs {
			if dev.Receive() {
				busy = true
			}
		}
	}
}

// waiting reports whether any device holds a delayed frame.
func (n *Network) waiting() bool {
	return slices.ContainsFunc(n.EDs, func(dev *ed.EndDevice) bool {
		return dev.Pending() > 0
	})
}

// Discover runs one full discovery: START, settle, POLL, settle. It returns
// ErrRoundIncomplete when the poll round was left parked.
func (n *Network) Discover(ctx context.Context) error {
	if err := n.command(ctx, ap.CommandStart); err != nil {
		return err
	}
	if err := n.command(ctx, ap.CommandPoll); err != nil {
		return err
	}
	if addr, ok := n.AP.Outstanding(); ok {
		return fmt.Errorf("%w: waiting on device %d", ErrRoundIncomplete, addr)
	}
	n.log.Info("discovery complete", "links", len(n.AP.Table().Links()))
	return nil
}

// Dump asks the access point to print its device table and RSSI matrix to
// the console.
func (n *Network) Dump(ctx context.Context) error {
	return n.command(ctx, ap.CommandDump)
}

func (n *Network) command(ctx context.Context, cmd ap.Command) error {
	if err := n.AP.OnCommand(byte(cmd)); err != nil {
		return err
	}
	return n.Settle(ctx)
}

// Expected returns the matrix a complete discovery should produce. Only
// devices that hear the AP take part. The AP row holds each participant's
// link to the AP and each participant's row holds the participants it
// hears.
func (n *Network) Expected() [rssi.Size][rssi.Size]uint8 {
	var want [rssi.Size][rssi.Size]uint8
	for r := range want {
		for s := range want[r] {
			want[r][s] = rssi.NoLink
		}
	}

	var active []uint8
	for _, addr := range n.cfg.Devices {
		if _, ok := n.Medium.Link(addr, codec.APAddress); ok {
			active = append(active, addr)
		}
	}

	for _, rx := range append([]uint8{codec.APAddress}, active...) {
		for _, tx := range active {
			if rx == tx {
				continue
			}
			if raw, ok := n.Medium.Link(rx, tx); ok {
				want[rx][tx] = raw
			}
		}
	}
	return want
}
