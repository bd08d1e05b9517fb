package cmd

import (
	"fmt"
	"log/slog"

	"github.com/kabili207/wbandisco/core/relay"
	"github.com/kabili207/wbandisco/core/rssi"
	"github.com/kabili207/wbandisco/internal/config"
	"github.com/kabili207/wbandisco/metrics"
	"github.com/kabili207/wbandisco/transport"
	"github.com/kabili207/wbandisco/transport/mqtt"
	"github.com/kabili207/wbandisco/transport/serial"
)

// newTransport builds the configured radio transport for the node at addr.
// A non-nil events counter sees every state change.
func newTransport(addr uint8, events *metrics.TransportEvents, logger *slog.Logger) (transport.Transport, error) {
	c := config.C.Transport

	var tr transport.Transport
	switch c.Type {
	case "serial":
		tr = serial.New(serial.Config{
			Port:     c.Serial.Port,
			BaudRate: c.Serial.BaudRate,
			Logger:   logger,
		})
	case "mqtt":
		tr = mqtt.New(mqtt.Config{
			Broker:      c.MQTT.Broker,
			Username:    c.MQTT.Username,
			Password:    c.MQTT.Password,
			UseTLS:      c.MQTT.UseTLS,
			ClientID:    c.MQTT.ClientID,
			TopicPrefix: c.MQTT.TopicPrefix,
			Network:     c.MQTT.Network,
			QoS:         c.MQTT.QoS,
			Node:        addr,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", c.Type)
	}

	logState := func(_ transport.Transport, e transport.Event) {
		logger.Info("transport state changed", "transport", c.Type, "event", e)
	}
	if events != nil {
		tr.SetStateHandler(events.Handler(c.Type, logState))
	} else {
		tr.SetStateHandler(logState)
	}
	return tr, nil
}

func radioSettings() (rssi.Band, relay.Mode, error) {
	band, err := rssi.ParseBand(config.C.Radio.Band)
	if err != nil {
		return band, 0, err
	}
	mode, err := relay.ParseMode(config.C.Radio.DiagMode)
	if err != nil {
		return band, mode, err
	}
	return band, mode, nil
}
