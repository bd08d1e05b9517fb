// Package ed implements the end-device side of network discovery.
//
// An end device answers START after a delay proportional to its address,
// beacons its relay payload periodically, records every frame it hears from
// other nodes and hands its collected entries to the access point when
// polled.
package ed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/core/irq"
	"github.com/kabili207/wbandisco/core/relay"
	"github.com/kabili207/wbandisco/core/rssi"
	"github.com/kabili207/wbandisco/transport"
)

const (
	// DefaultSlotDelay is the per-address START|ACK back-off.
	DefaultSlotDelay = 10 * time.Millisecond
	// DefaultBeaconInterval is the relay beacon period.
	DefaultBeaconInterval = 2 * time.Second
)

// Config configures an end device.
type Config struct {
	// Address is the device address, 1..codec.MaxDevices.
	Address uint8
	// Band selects the RSSI offset used in diagnostics.
	Band rssi.Band
	// SlotDelay is multiplied by Address to delay the START|ACK.
	SlotDelay time.Duration
	// BeaconInterval is the relay beacon period. Negative disables beacons.
	BeaconInterval time.Duration
	// Stamp selects the packet id written into recorded entries.
	Stamp relay.StampPolicy
	// DiagMode selects the per-observation diagnostic line format.
	DiagMode relay.Mode
	// Console receives diagnostic lines. Nil discards them.
	Console io.Writer
	// Logger for device events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// EndDevice is one discovery participant.
type EndDevice struct {
	cfg     Config
	log     *slog.Logger
	tr      transport.Transport
	printer *relay.Printer

	relay *relay.Relay
	table *rssi.Table
	peers *relay.Sequences

	slot        *irq.Slot
	beaconFlag  irq.Flag
	beaconTimer *irq.Timer
	queue       txQueue
	counters    Counters

	mu  sync.Mutex
	own relay.Sequence

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
	// wakeAfter schedules a foreground wake-up for a delayed frame.
	wakeAfter func(time.Duration)
}

// New creates an end device transmitting on tr and registers itself as the
// transport's frame handler.
func New(tr transport.Transport, cfg Config) (*EndDevice, error) {
	if !codec.ValidAddress(cfg.Address) {
		return nil, fmt.Errorf("%w: %d", codec.ErrAddressOutOfRange, cfg.Address)
	}
	if cfg.SlotDelay == 0 {
		cfg.SlotDelay = DefaultSlotDelay
	}
	if cfg.BeaconInterval == 0 {
		cfg.BeaconInterval = DefaultBeaconInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &EndDevice{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("ed").With("addr", cfg.Address),
		tr:      tr,
		printer: relay.NewPrinter(cfg.Console, cfg.DiagMode, cfg.Band),
		relay:   relay.New(cfg.Address, cfg.Stamp),
		table:   rssi.NewTable(cfg.Band),
		peers:   relay.NewSequences(),
		slot:    irq.NewSlot(),
		nowFn:   time.Now,
	}
	e.wakeAfter = func(d time.Duration) {
		time.AfterFunc(d, func() { irq.Notify(e.slot.Wake()) })
	}
	if cfg.BeaconInterval > 0 {
		e.beaconTimer = irq.NewTimer(&e.beaconFlag, e.slot.Wake(), irq.TimerConfig{
			Name:     "beacon",
			Interval: cfg.BeaconInterval,
			Logger:   e.log,
		})
	}

	tr.SetFrameHandler(func(raw []byte, _ transport.FrameSource) {
		_ = e.OnReceive(raw)
	})
	return e, nil
}

// Address returns the device address.
func (e *EndDevice) Address() uint8 {
	return e.cfg.Address
}

// Table returns the device's local RSSI table. Only the row of this device
// is written.
func (e *EndDevice) Table() *rssi.Table {
	return e.table
}

// Relay returns the outbound relay payload.
func (e *EndDevice) Relay() *relay.Relay {
	return e.relay
}

// Counters returns the live counters.
func (e *EndDevice) Counters() *Counters {
	return &e.counters
}

// OnReceive is the radio receive path.
func (e *EndDevice) OnReceive(raw []byte) error {
	e.counters.FramesRecv.Add(1)
	if err := e.slot.Offer(raw); err != nil {
		e.counters.Reentrant.Add(1)
		e.log.Warn("dropping frame received while processing another", "len", len(raw))
		return err
	}
	return nil
}

// Run is the foreground loop. It blocks until ctx is cancelled.
func (e *EndDevice) Run(ctx context.Context) error {
	if e.beaconTimer != nil {
		go e.beaconTimer.Start(ctx)
		defer e.beaconTimer.Stop()
	}

	e.log.Info("end device running", "beacon", e.cfg.BeaconInterval, "stamp", e.cfg.Stamp)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.slot.Wake():
			for e.Step() {
			}
		}
	}
}

// Step processes a pending frame, a due beacon and every ready outbound
// frame. It reports whether anything was done.
func (e *EndDevice) Step() bool {
	did := e.Receive()
	for e.Flush() {
		did = true
	}
	return did
}

// Receive processes a pending frame and a due beacon without transmitting
// anything. Replies are queued.
func (e *EndDevice) Receive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	did := false
	if raw, ok := e.slot.Take(); ok {
		e.processFrame(raw)
		e.slot.Release()
		did = true
	}
	if e.beaconFlag.Take() {
		e.queueRelay(codec.TypeDataED, PriorityBeacon)
		did = true
	}
	return did
}

// Flush transmits the highest-priority ready frame, if any.
func (e *EndDevice) Flush() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, ok := e.queue.Pop(e.nowFn())
	if !ok {
		return false
	}
	e.transmit(out)
	return true
}

// Pending returns the number of queued outbound frames.
func (e *EndDevice) Pending() int {
	return e.queue.Len()
}

func (e *EndDevice) processFrame(raw []byte) {
	f, err := codec.Decode(raw)
	if err != nil {
		e.counters.Malformed.Add(1)
		e.log.Debug("dropping frame", "error", err)
		return
	}
	if f.Source == e.cfg.Address {
		return
	}

	switch {
	case f.Type == codec.TypeStart:
		delay := time.Duration(e.cfg.Address) * e.cfg.SlotDelay
		e.queueControl(codec.TypeStart|codec.FlagAck, codec.APAddress, PriorityStartAck, delay)
		e.log.Debug("start received", "reply_in", delay)

	case f.Type == codec.TypeSync:
		if e.beaconTimer != nil {
			e.beaconTimer.Reset()
		}
		e.log.Debug("sync received")

	case f.Type == codec.TypePoll:
		if f.Destination != e.cfg.Address {
			return
		}
		e.queueRelay(codec.TypePoll|codec.FlagAck, PriorityPollAck)

	case f.Type == codec.TypeStart|codec.FlagAck:
		e.observe(f, 0, false)

	case f.IsRelayBearing():
		id, ok := f.BeaconID()
		e.observe(f, id, ok)

	default:
		e.log.Debug("ignoring frame", "type", codec.TypeName(f.Type), "src", f.Source)
	}
}

// observe records the RSSI at which this device heard f.
func (e *EndDevice) observe(f *codec.Frame, peerID uint8, hasID bool) {
	if !codec.ValidAddress(f.Source) {
		return
	}

	var group uint32
	if hasID {
		var rolled bool
		group, rolled = e.peers.Observe(f.Source, peerID)
		if rolled {
			e.table.ResetAll()
			e.counters.Epochs.Add(1)
			e.log.Info("new measurement epoch", "src", f.Source, "group", group)
		}
	}

	_ = e.table.Set(e.cfg.Address, f.Source, f.Footer.RSSI)

	entry, err := e.relay.Record(f.Source, f.Footer.RSSI, peerID)
	if err != nil {
		if errors.Is(err, relay.ErrRelayFull) {
			e.counters.RelayFull.Add(1)
		}
		e.log.Debug("observation not relayed", "src", f.Source, "error", err)
	} else {
		e.counters.Recorded.Add(1)
	}

	o := relay.Observation{
		Receiver: e.cfg.Address,
		Source:   f.Source,
		RSSI:     f.Footer.RSSI,
		PacketID: entry.PacketID,
		Group:    group,
	}
	if err := e.printer.Print(o); err != nil {
		e.log.Debug("console write failed", "error", err)
	}
}

func (e *EndDevice) queueControl(typ, dst, priority uint8, delay time.Duration) {
	raw, err := codec.EncodeFrom(e.cfg.Address, typ, dst, nil)
	if err != nil {
		e.log.Error("encoding frame", "type", codec.TypeName(typ), "error", err)
		return
	}
	e.queue.Push(Outbound{Type: typ, Raw: raw}, priority, e.nowFn().Add(delay))
	if delay > 0 {
		e.wakeAfter(delay)
	}
}

// queueRelay queues the relay payload for immediate transmission.
func (e *EndDevice) queueRelay(typ, priority uint8) {
	e.queue.Push(Outbound{Type: typ, Relay: true}, priority, e.nowFn())
}

func (e *EndDevice) transmit(out Outbound) {
	typ := out.Type
	raw := out.Raw
	if out.Relay {
		var err error
		if raw, err = e.relay.Beacon(typ); err != nil {
			e.log.Error("encoding relay frame", "type", codec.TypeName(typ), "error", err)
			return
		}
	}
	if err := e.tr.SendFrame(raw); err != nil {
		// The relay payload stays pending for the next attempt.
		e.counters.SendErrors.Add(1)
		e.log.Error("send failed", "type", codec.TypeName(typ), "error", err)
		return
	}

	switch typ {
	case codec.TypeStart | codec.FlagAck:
		e.counters.StartAcksSent.Add(1)
		e.log.Info("start ack sent")
	case codec.TypePoll | codec.FlagAck:
		e.counters.PollAcksSent.Add(1)
		e.log.Info("poll ack sent", "entries", e.relay.Len()/codec.RelayEntrySize)
	default:
		e.counters.BeaconsSent.Add(1)
	}

	if out.Relay {
		e.relay.Commit()
		if e.own.Observe(e.relay.PacketID()) {
			e.log.Debug("beacon id wrapped", "group", e.own.Group)
		}
	}
}
