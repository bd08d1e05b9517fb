package cmd

import (
	"fmt"
	"io"
	"os"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/kabili207/wbandisco/internal/config"
)

// when updating this template, keep it in sync with the defaults in root.go
const configTemplate = `[general]
# Log level: debug, info, warn or error.
log_level="{{ .General.LogLevel }}"

# Log format: text or json.
log_format="{{ .General.LogFormat }}"


[radio]
# Band used to convert raw RSSI to dBm: 868 or 433.
band="{{ .Radio.Band }}"

# Diagnostic line format printed for every relay entry: csv or human.
diag_mode="{{ .Radio.DiagMode }}"


[transport]
# Radio transport: serial (radio bridge on a serial port) or mqtt
# (shared air over a broker).
type="{{ .Transport.Type }}"

  [transport.serial]
  port="{{ .Transport.Serial.Port }}"
  baud_rate={{ .Transport.Serial.BaudRate }}

  [transport.mqtt]
  broker="{{ .Transport.MQTT.Broker }}"
  username="{{ .Transport.MQTT.Username }}"
  password="{{ .Transport.MQTT.Password }}"
  use_tls={{ .Transport.MQTT.UseTLS }}

  # Random when empty.
  client_id="{{ .Transport.MQTT.ClientID }}"

  # Frames are published on <topic_prefix>/<network>/air. Nodes on the same
  # network hear each other.
  topic_prefix="{{ .Transport.MQTT.TopicPrefix }}"
  network="{{ .Transport.MQTT.Network }}"

  # MQTT quality of service (0, 1 or 2). Redeliveries the node has already
  # seen are dropped.
  qos={{ .Transport.MQTT.QoS }}


[access_point]
# Pause before each follow-up POLL.
guard_delay="{{ .AccessPoint.GuardDelay }}"

# SYNC period. A negative value disables SYNC.
sync_interval="{{ .AccessPoint.SyncInterval }}"

# Warn when a POLL stays unanswered this long. A negative value disables
# the warning.
stall_warning="{{ .AccessPoint.StallWarning }}"


[end_device]
# Device address, 1..15.
address={{ .EndDevice.Address }}

# START|ACK is delayed by address * slot_delay.
slot_delay="{{ .EndDevice.SlotDelay }}"

# Relay beacon period. A negative value disables beacons.
beacon_interval="{{ .EndDevice.BeaconInterval }}"

# Packet id written into recorded entries: local (own next beacon) or peer
# (the observed frame's beacon id).
stamp="{{ .EndDevice.Stamp }}"


[simulation]
devices=[{{ range $i, $d := .Simulation.Devices }}{{ if $i }}, {{ end }}{{ $d }}{{ end }}]
seed={{ .Simulation.Seed }}

# Probability that a pair of nodes has no link.
link_loss={{ .Simulation.LinkLoss }}

# Discovery rounds to run before the matrix is dumped.
rounds={{ .Simulation.Rounds }}


[monitoring]
# Prometheus metrics and health endpoint (e.g. 0.0.0.0:9100). Disabled when
# empty.
bind="{{ .Monitoring.Bind }}"
`

var configCmd = &cobra.Command{
	Use:   "configfile",
	Short: "Print the wbandisco configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeTemplate(os.Stdout)
	},
}

func executeTemplate(w io.Writer) error {
	t := template.Must(template.New("config").Parse(configTemplate))
	if err := t.Execute(w, &config.C); err != nil {
		return fmt.Errorf("execute config template: %w", err)
	}
	return nil
}
