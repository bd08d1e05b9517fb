// Package metrics exports discovery state to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kabili207/wbandisco/core/poll"
	"github.com/kabili207/wbandisco/core/rssi"
	"github.com/kabili207/wbandisco/device/ap"
	"github.com/kabili207/wbandisco/transport"
)

const namespace = "wban"

// Source is the access point state the collector reads.
type Source interface {
	Counters() *ap.Counters
	Table() *rssi.Table
	Devices() []poll.Device
}

var (
	counterDescs = []struct {
		desc *prometheus.Desc
		get  func(ap.CountersSnapshot) uint32
	}{
		{newCounterDesc("frames_received_total", "Frames handed to the access point by the transport."), func(s ap.CountersSnapshot) uint32 { return s.FramesRecv }},
		{newCounterDesc("frames_malformed_total", "Frames that failed to decode."), func(s ap.CountersSnapshot) uint32 { return s.Malformed }},
		{newCounterDesc("frames_reentrant_total", "Frames dropped while another frame was being processed."), func(s ap.CountersSnapshot) uint32 { return s.Reentrant }},
		{newCounterDesc("out_of_range_total", "Frames or relay entries with a source outside the address space."), func(s ap.CountersSnapshot) uint32 { return s.OutOfRange }},
		{newCounterDesc("start_acks_total", "START|ACK frames accepted."), func(s ap.CountersSnapshot) uint32 { return s.StartAcks }},
		{newCounterDesc("poll_acks_total", "POLL|ACK frames accepted."), func(s ap.CountersSnapshot) uint32 { return s.PollAcks }},
		{newCounterDesc("entries_merged_total", "Relay entries written to the RSSI matrix."), func(s ap.CountersSnapshot) uint32 { return s.EntriesMerged }},
		{newCounterDesc("polls_sent_total", "POLL frames transmitted."), func(s ap.CountersSnapshot) uint32 { return s.PollsSent }},
		{newCounterDesc("syncs_sent_total", "SYNC frames transmitted."), func(s ap.CountersSnapshot) uint32 { return s.SyncsSent }},
		{newCounterDesc("send_errors_total", "Transmissions rejected by the transport."), func(s ap.CountersSnapshot) uint32 { return s.SendErrors }},
		{newCounterDesc("rounds_completed_total", "Poll rounds that reached the last scheduled device."), func(s ap.CountersSnapshot) uint32 { return s.RoundsCompleted }},
		{newCounterDesc("epochs_total", "RSSI matrix resets on a packet group rollover."), func(s ap.CountersSnapshot) uint32 { return s.Epochs }},
		{newCounterDesc("poll_stalls_total", "Polls left unanswered past the stall warning."), func(s ap.CountersSnapshot) uint32 { return s.Stalls }},
		{newCounterDesc("unknown_commands_total", "Operator commands outside the command table."), func(s ap.CountersSnapshot) uint32 { return s.UnknownCommands }},
	}

	linkDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "link", "rssi_dbm"),
		"Last RSSI observed on a link, by receiver and sender address.",
		[]string{"receiver", "sender"}, nil,
	)
	activeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "device", "active"),
		"1 if the device acknowledged START.",
		[]string{"address"}, nil,
	)
	scheduledDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "device", "poll_scheduled"),
		"1 if the device is waiting to be polled in the current round.",
		[]string{"address"}, nil,
	)
)

func newCounterDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "ap", name), help, nil, nil)
}

// Collector is a prometheus.Collector reading the access point on every
// scrape.
type Collector struct {
	src Source
}

// NewCollector returns a collector for src.
func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range counterDescs {
		ch <- d.desc
	}
	ch <- linkDesc
	ch <- activeDesc
	ch <- scheduledDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Counters().Snapshot()
	for _, d := range counterDescs {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.get(snap)))
	}

	table := c.src.Table()
	for _, l := range table.Links() {
		ch <- prometheus.MustNewConstMetric(linkDesc, prometheus.GaugeValue,
			float64(rssi.ToDBm(l.Raw, table.Band())), addr(l.Receiver), addr(l.Sender))
	}

	for _, d := range c.src.Devices() {
		ch <- prometheus.MustNewConstMetric(activeDesc, prometheus.GaugeValue, boolValue(d.Active), addr(d.Address))
		ch <- prometheus.MustNewConstMetric(scheduledDesc, prometheus.GaugeValue, boolValue(d.PollScheduled), addr(d.Address))
	}
}

func addr(a uint8) string {
	return strconv.Itoa(int(a))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// TransportEvents counts transport state changes per transport kind and
// event. Register it once per registry.
type TransportEvents struct {
	events *prometheus.CounterVec
}

// NewTransportEvents registers the transport event counter with reg.
func NewTransportEvents(reg prometheus.Registerer) *TransportEvents {
	return &TransportEvents{
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_total",
			Help:      "Transport state changes (per transport and event).",
		}, []string{"transport", "event"}),
	}
}

// Handler returns a transport.StateHandler that counts events under kind
// and then calls next, if set.
func (t *TransportEvents) Handler(kind string, next transport.StateHandler) transport.StateHandler {
	return func(tr transport.Transport, e transport.Event) {
		t.events.With(prometheus.Labels{"transport": kind, "event": e.String()}).Inc()
		if next != nil {
			next(tr, e)
		}
	}
}

// ServerConfig configures the monitoring endpoint.
type ServerConfig struct {
	// Bind is the listen address, e.g. "0.0.0.0:9100". Empty disables the
	// endpoint.
	Bind string
	// Gatherer serves /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Logger for server events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Serve runs the monitoring endpoint (/metrics and /health) until ctx is
// cancelled.
func Serve(ctx context.Context, cfg ServerConfig) error {
	if cfg.Bind == "" {
		return nil
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.WithGroup("monitoring")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.Bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("setting up monitoring endpoint", "bind", cfg.Bind)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
