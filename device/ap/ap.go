// Package ap implements the access point side of network discovery.
//
// The access point broadcasts START, records which end devices answer and
// at what RSSI, then polls each active device in ascending address order for
// the relay entries it has collected, merging them into the RSSI matrix.
// Everything runs on one foreground loop; the radio receive path and the
// operator console only hand work to it.
package ap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/wbandisco/core/codec"
	"github.com/kabili207/wbandisco/core/irq"
	"github.com/kabili207/wbandisco/core/poll"
	"github.com/kabili207/wbandisco/core/relay"
	"github.com/kabili207/wbandisco/core/rssi"
	"github.com/kabili207/wbandisco/transport"
)

const (
	// DefaultGuardDelay separates a POLL|ACK from the next POLL.
	DefaultGuardDelay = 2 * time.Millisecond
	// DefaultSyncInterval is the SYNC beacon period.
	DefaultSyncInterval = time.Second
	// DefaultStallWarning is how long a POLL may go unanswered before the
	// stall is logged.
	DefaultStallWarning = 5 * time.Second
)

// Config configures the access point. Zero values select the defaults.
type Config struct {
	// Band selects the RSSI offset used in diagnostics.
	Band rssi.Band
	// GuardDelay is the pause before each follow-up POLL.
	GuardDelay time.Duration
	// SyncInterval is the SYNC period. Negative disables SYNC.
	SyncInterval time.Duration
	// StallWarning is the unanswered-POLL threshold. Negative disables the
	// warning.
	StallWarning time.Duration
	// DiagMode selects the per-entry diagnostic line format.
	DiagMode relay.Mode
	// Console receives diagnostic lines and dumps. Nil discards them.
	Console io.Writer
	// Logger for discovery events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// AccessPoint is the discovery coordinator.
type AccessPoint struct {
	cfg     Config
	log     *slog.Logger
	tr      transport.Transport
	console io.Writer
	printer *relay.Printer

	table *rssi.Table
	// seqs[r] tracks the packet ids reporter r relays, keyed by entry source.
	seqs [codec.MaxDevices + 1]*relay.Sequences

	slot      *irq.Slot
	syncFlag  irq.Flag
	syncTimer *irq.Timer

	cmdMu      sync.Mutex
	cmd        Command
	cmdPending bool

	state    atomic.Int32
	counters Counters

	// mu guards the scheduler and stall watch. Step holds it while
	// processing; readers such as the metrics collector take it briefly.
	mu    sync.Mutex
	sched *poll.Scheduler
	stall stallWatch

	// nowFn and sleep allow overriding time for testing.
	nowFn func() time.Time
	sleep func(time.Duration)
}

// New creates an access point transmitting on tr and registers itself as
// the transport's frame handler. The transport is started by the caller.
func New(tr transport.Transport, cfg Config) *AccessPoint {
	if cfg.GuardDelay == 0 {
		cfg.GuardDelay = DefaultGuardDelay
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.StallWarning == 0 {
		cfg.StallWarning = DefaultStallWarning
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	console := cfg.Console
	if console == nil {
		console = io.Discard
	}

	a := &AccessPoint{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("ap"),
		tr:      tr,
		console: console,
		printer: relay.NewPrinter(console, cfg.DiagMode, cfg.Band),
		table:   rssi.NewTable(cfg.Band),
		slot:    irq.NewSlot(),
		sched:   poll.NewScheduler(),
		stall:   stallWatch{after: cfg.StallWarning},
		nowFn:   time.Now,
		sleep:   time.Sleep,
	}
	for i := range a.seqs {
		a.seqs[i] = relay.NewSequences()
	}
	if cfg.SyncInterval > 0 {
		a.syncTimer = irq.NewTimer(&a.syncFlag, a.slot.Wake(), irq.TimerConfig{
			Name:     "sync",
			Interval: cfg.SyncInterval,
			Logger:   a.log,
		})
	}

	tr.SetFrameHandler(func(raw []byte, _ transport.FrameSource) {
		_ = a.OnReceive(raw)
	})
	return a
}

// Table returns the RSSI matrix. It is safe to read concurrently.
func (a *AccessPoint) Table() *rssi.Table {
	return a.table
}

// Counters returns the live counters.
func (a *AccessPoint) Counters() *Counters {
	return &a.counters
}

// State returns the foreground loop's current state.
func (a *AccessPoint) State() State {
	return State(a.state.Load())
}

func (a *AccessPoint) setState(s State) {
	a.state.Store(int32(s))
}

// Devices returns a copy of the device records.
func (a *AccessPoint) Devices() []poll.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sched.Devices()
}

// Outstanding returns the device whose POLL|ACK is awaited. ok is false
// between rounds.
func (a *AccessPoint) Outstanding() (addr uint8, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sched.Cursor()
}

// OnReceive is the radio receive path. It copies raw into the receive slot
// and wakes the foreground loop. A frame arriving while the previous one is
// still pending or in progress is dropped.
func (a *AccessPoint) OnReceive(raw []byte) error {
	a.counters.FramesRecv.Add(1)
	if err := a.slot.Offer(raw); err != nil {
		a.counters.Reentrant.Add(1)
		a.log.Warn("dropping frame received while processing another", "len", len(raw))
		return err
	}
	return nil
}

// OnCommand is the operator input path. Valid codes are latched for the
// foreground loop; anything else is logged and ignored.
func (a *AccessPoint) OnCommand(code byte) error {
	cmd, err := ParseCommand(code)
	if err != nil {
		a.counters.UnknownCommands.Add(1)
		a.log.Warn("invalid command", "code", string(rune(code)))
		return err
	}

	a.cmdMu.Lock()
	a.cmd = cmd
	a.cmdPending = true
	a.cmdMu.Unlock()

	irq.Notify(a.slot.Wake())
	return nil
}

func (a *AccessPoint) takeCommand() (Command, bool) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	if !a.cmdPending {
		return 0, false
	}
	a.cmdPending = false
	return a.cmd, true
}

// Run is the foreground loop. It sleeps until woken by a frame, a command
// or the SYNC timer and blocks until ctx is cancelled.
func (a *AccessPoint) Run(ctx context.Context) error {
	if a.syncTimer != nil {
		go a.syncTimer.Start(ctx)
		defer a.syncTimer.Stop()
	}

	var stallC <-chan time.Time
	if a.cfg.StallWarning > 0 {
		ticker := time.NewTicker(max(a.cfg.StallWarning/4, time.Millisecond))
		defer ticker.Stop()
		stallC = ticker.C
	}

	a.log.Info("access point running", "band", a.cfg.Band, "sync", a.cfg.SyncInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.slot.Wake():
			for a.Step() {
			}
		case <-stallC:
			a.CheckStall()
		}
	}
}

// Step runs one pass of the foreground loop: a pending frame, then a
// pending command, then a due SYNC. It reports whether anything was done.
func (a *AccessPoint) Step() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.setState(StateWait)

	did := false
	if raw, ok := a.slot.Take(); ok {
		a.setState(StateProcessingPacket)
		a.processFrame(raw)
		a.slot.Release()
		did = true
	}
	if cmd, ok := a.takeCommand(); ok {
		a.setState(StateProcessingCommand)
		a.runCommand(cmd)
		did = true
	}
	if a.syncFlag.Take() {
		a.send(codec.TypeSync, codec.BroadcastAddress)
		a.counters.SyncsSent.Add(1)
		did = true
	}
	return did
}

// CheckStall logs once when the outstanding POLL has gone unanswered for
// longer than the stall warning. The POLL is not re-sent; the round stays
// parked until the operator issues a new command.
func (a *AccessPoint) CheckStall() {
	a.mu.Lock()
	addr, waited, stalled := a.stall.check(a.nowFn())
	a.mu.Unlock()

	if stalled {
		a.counters.Stalls.Add(1)
		a.log.Warn("poll unanswered, round parked", "device", addr, "waited", waited)
	}
}

func (a *AccessPoint) processFrame(raw []byte) {
	f, err := codec.Decode(raw)
	if err != nil {
		a.counters.Malformed.Add(1)
		if errors.Is(err, codec.ErrAddressOutOfRange) {
			a.counters.OutOfRange.Add(1)
		}
		a.log.Debug("dropping frame", "error", err)
		return
	}

	switch f.Type {
	case codec.TypeStart | codec.FlagAck:
		a.handleStartAck(f)
	case codec.TypePoll | codec.FlagAck:
		a.handlePollAck(f)
	default:
		a.log.Debug("ignoring frame", "type", codec.TypeName(f.Type), "src", f.Source)
	}
}

func (a *AccessPoint) handleStartAck(f *codec.Frame) {
	if !codec.ValidAddress(f.Source) {
		a.counters.OutOfRange.Add(1)
		a.log.Warn("start ack from device out of bounds", "src", f.Source)
		return
	}

	_ = a.table.Set(codec.APAddress, f.Source, f.Footer.RSSI)
	_ = a.sched.MarkActive(f.Source)
	a.counters.StartAcks.Add(1)
	a.log.Info("start ack", "src", f.Source, "rssi", rssi.ToDBm(f.Footer.RSSI, a.cfg.Band))
}

func (a *AccessPoint) handlePollAck(f *codec.Frame) {
	src := f.Source
	if !codec.ValidAddress(src) {
		a.counters.OutOfRange.Add(1)
		a.log.Warn("poll ack from device out of bounds", "src", src)
		return
	}
	a.counters.PollAcks.Add(1)

	groups := a.observeEpochs(src, f.Entries)
	merged := a.merge(src, groups, f.Entries)
	a.log.Info("poll ack", "src", src, "entries", merged)

	_ = a.sched.OnPollAck(src)

	cursor, inRound := a.sched.Cursor()
	if !inRound {
		return
	}
	if src != cursor {
		a.log.Warn("poll ack from device not being polled", "src", src, "outstanding", cursor)
		return
	}
	next, ok := a.sched.NextToPoll(cursor)
	if !ok {
		a.sched.SetCursor(0, false)
		a.stall.disarm()
		a.counters.RoundsCompleted.Add(1)
		a.log.Info("done polling")
		return
	}

	a.sleep(a.cfg.GuardDelay)
	a.sendPoll(next)
}

// observeEpochs runs each relayed packet id through the reporter's tracker
// for that entry's source and returns the group of every entry. Any
// rollover starts a new measurement epoch and clears the matrix once.
func (a *AccessPoint) observeEpochs(reporter uint8, entries []codec.RelayEntry) []uint32 {
	groups := make([]uint32, len(entries))
	seqs := a.seqs[reporter]
	rolled := false
	for i, e := range entries {
		if e.Source == reporter || !codec.ValidAddress(e.Source) {
			continue
		}
		g, r := seqs.Observe(e.Source, e.PacketID)
		groups[i] = g
		if r {
			rolled = true
			a.log.Debug("packet id rolled over", "src", reporter, "peer", e.Source, "group", g)
		}
	}
	if rolled {
		a.table.ResetAll()
		a.counters.Epochs.Add(1)
		a.log.Info("new measurement epoch", "src", reporter)
	}
	return groups
}

// merge copies a device's relay entries into its matrix row. Self entries
// and invalid sources are skipped. groups[i] is the epoch of entries[i].
func (a *AccessPoint) merge(receiver uint8, groups []uint32, entries []codec.RelayEntry) int {
	n := 0
	for i, e := range entries {
		if e.Source == receiver {
			continue
		}
		if err := a.table.Set(receiver, e.Source, e.RSSI); err != nil {
			a.counters.OutOfRange.Add(1)
			a.log.Debug("skipping relay entry", "src", receiver, "error", err)
			continue
		}
		n++
		a.counters.EntriesMerged.Add(1)

		o := relay.Observation{
			Receiver: receiver,
			Source:   e.Source,
			RSSI:     e.RSSI,
			PacketID: e.PacketID,
			Group:    groups[i],
		}
		if err := a.printer.Print(o); err != nil {
			a.log.Debug("console write failed", "error", err)
		}
	}
	return n
}

func (a *AccessPoint) runCommand(cmd Command) {
	a.log.Debug("running command", "command", cmd)

	switch cmd {
	case CommandStart:
		a.log.Info("starting network discovery")
		a.send(codec.TypeStart, codec.BroadcastAddress)

	case CommandPoll:
		first, ok := a.sched.ScheduleAllActive()
		if !ok {
			a.stall.disarm()
			a.log.Warn("no active devices to poll")
			return
		}
		a.log.Info("scheduled polls", "devices", addressList(a.sched.Active()))
		a.sendPoll(first)

	case CommandDump:
		a.dump()
	}
}

func (a *AccessPoint) sendPoll(addr uint8) {
	a.sched.SetCursor(addr, true)
	a.stall.arm(addr, a.nowFn())
	if a.send(codec.TypePoll, addr) {
		a.counters.PollsSent.Add(1)
		a.log.Debug("poll sent", "dst", addr)
	}
}

// send transmits a control frame. A failed send is logged and counted; the
// caller's state is left as if it had gone out.
func (a *AccessPoint) send(typ, dst uint8) bool {
	raw, err := codec.Encode(typ, dst, nil)
	if err == nil {
		err = a.tr.SendFrame(raw)
	}
	if err != nil {
		a.counters.SendErrors.Add(1)
		a.log.Error("send failed", "type", codec.TypeName(typ), "dst", dst, "error", err)
		return false
	}
	return true
}

// dump writes the device table and every observed link to the console.
func (a *AccessPoint) dump() {
	fmt.Fprintf(a.console, "Device table: 0x%x\n", a.sched.Bytes())

	links := a.table.Links()
	fmt.Fprintf(a.console, "RSSI matrix: %d links\n", len(links))
	for _, l := range links {
		fmt.Fprintf(a.console, "%02x <- %02x: %d dBm\n", l.Receiver, l.Sender, rssi.ToDBm(l.Raw, a.cfg.Band))
	}
}

// addressList widens addresses so slog prints numbers rather than a
// []byte string.
func addressList(addrs []uint8) []int {
	out := make([]int, len(addrs))
	for i, addr := range addrs {
		out[i] = int(addr)
	}
	return out
}
