package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/wbandisco/core/poll"
	"github.com/kabili207/wbandisco/core/rssi"
	"github.com/kabili207/wbandisco/device/ap"
	"github.com/kabili207/wbandisco/transport"
)

type fakeSource struct {
	counters ap.Counters
	table    *rssi.Table
	devices  []poll.Device
}

func (f *fakeSource) Counters() *ap.Counters { return &f.counters }
func (f *fakeSource) Table() *rssi.Table     { return f.table }
func (f *fakeSource) Devices() []poll.Device { return f.devices }

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	src := &fakeSource{
		table: rssi.NewTable(rssi.Band868),
		devices: []poll.Device{
			{Address: 1},
			{Address: 3, Active: true, PollScheduled: true},
		},
	}
	require.NoError(t, src.table.Set(0, 3, 0x90))
	require.NoError(t, src.table.Set(3, 1, 0x20))
	src.counters.PollAcks.Add(2)
	src.counters.Epochs.Add(1)
	return src
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(newFakeSource(t))

	want := `
# HELP wban_ap_poll_acks_total POLL|ACK frames accepted.
# TYPE wban_ap_poll_acks_total counter
wban_ap_poll_acks_total 2
# HELP wban_ap_epochs_total RSSI matrix resets on a packet group rollover.
# TYPE wban_ap_epochs_total counter
wban_ap_epochs_total 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(want),
		"wban_ap_poll_acks_total", "wban_ap_epochs_total")
	assert.NoError(t, err)
}

func TestCollector_Links(t *testing.T) {
	c := NewCollector(newFakeSource(t))

	want := `
# HELP wban_link_rssi_dbm Last RSSI observed on a link, by receiver and sender address.
# TYPE wban_link_rssi_dbm gauge
wban_link_rssi_dbm{receiver="0",sender="3"} -130
wban_link_rssi_dbm{receiver="3",sender="1"} -58
`
	err := testutil.CollectAndCompare(c, strings.NewReader(want), "wban_link_rssi_dbm")
	assert.NoError(t, err)
}

func TestCollector_Devices(t *testing.T) {
	c := NewCollector(newFakeSource(t))

	want := `
# HELP wban_device_active 1 if the device acknowledged START.
# TYPE wban_device_active gauge
wban_device_active{address="1"} 0
wban_device_active{address="3"} 1
`
	err := testutil.CollectAndCompare(c, strings.NewReader(want), "wban_device_active")
	assert.NoError(t, err)
}

func TestCollector_Count(t *testing.T) {
	c := NewCollector(newFakeSource(t))

	// counters + 2 links + 2 devices * 2 gauges
	assert.Equal(t, len(counterDescs)+2+4, testutil.CollectAndCount(c))
}

func TestCollector_Register(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(newFakeSource(t))))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestTransportEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	events := NewTransportEvents(reg)

	var forwarded []transport.Event
	h := events.Handler("mqtt", func(_ transport.Transport, e transport.Event) {
		forwarded = append(forwarded, e)
	})
	h(nil, transport.EventConnected)
	h(nil, transport.EventDisconnected)
	h(nil, transport.EventConnected)

	assert.Equal(t, []transport.Event{transport.EventConnected, transport.EventDisconnected, transport.EventConnected}, forwarded)
	assert.Equal(t, 2.0, testutil.ToFloat64(events.events.WithLabelValues("mqtt", transport.EventConnected.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(events.events.WithLabelValues("mqtt", transport.EventDisconnected.String())))
}

func TestTransportEvents_NilNext(t *testing.T) {
	events := NewTransportEvents(prometheus.NewRegistry())
	assert.NotPanics(t, func() {
		events.Handler("serial", nil)(nil, transport.EventError)
	})
}
