package irq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTick is the resolution of the timer's check loop.
const DefaultTick = 50 * time.Millisecond

// TimerConfig configures a periodic trigger.
type TimerConfig struct {
	// Name identifies the timer in log output.
	Name string

	// Interval between triggers. Zero disables the timer.
	Interval time.Duration

	// Tick is how often the deadline is checked. Default: DefaultTick.
	Tick time.Duration

	// Logger for timer events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Timer sets a Flag and wakes the foreground loop every Interval. Reset
// realigns the phase, which end devices do on every SYNC.
type Timer struct {
	cfg  TimerConfig
	log  *slog.Logger
	flag *Flag
	wake chan<- struct{}

	mu     sync.Mutex
	next   time.Time
	cancel context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewTimer creates a timer that sets flag and notifies wake when due.
func NewTimer(flag *Flag, wake chan<- struct{}, cfg TimerConfig) *Timer {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name != "" {
		logger = logger.With("timer", cfg.Name)
	}
	return &Timer{
		cfg:   cfg,
		log:   logger,
		flag:  flag,
		wake:  wake,
		nowFn: time.Now,
	}
}

// Start runs the check loop until ctx is cancelled or Stop is called.
//
//	go timer.Start(ctx)
func (t *Timer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.Reset()

	ticker := time.NewTicker(t.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.check()
		}
	}
}

// Stop cancels the check loop.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Reset pushes the next trigger a full interval into the future.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

// Next returns the next trigger time, zero when disabled.
func (t *Timer) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

func (t *Timer) resetLocked() {
	if t.cfg.Interval > 0 {
		t.next = t.nowFn().Add(t.cfg.Interval)
	} else {
		t.next = time.Time{}
	}
}

// check fires the trigger if the deadline has passed.
func (t *Timer) check() bool {
	t.mu.Lock()
	if t.next.IsZero() || t.nowFn().Before(t.next) {
		t.mu.Unlock()
		return false
	}
	t.resetLocked()
	t.mu.Unlock()

	t.flag.Set()
	if t.wake != nil {
		Notify(t.wake)
	}
	t.log.Debug("timer fired")
	return true
}
