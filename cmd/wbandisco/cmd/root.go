// Package cmd implements the wbandisco command line.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kabili207/wbandisco/internal/config"
)

var (
	cfgFile string
	version string
)

var rootCmd = &cobra.Command{
	Use:   "wbandisco",
	Short: "WBAN network discovery",
	Long: `wbandisco enumerates the end devices of a body area network, has them
measure each other's RSSI and assembles the link-quality matrix at the
access point.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "text", "text or json")
	rootCmd.PersistentFlags().String("transport", "mqtt", "radio transport: serial or mqtt")
	rootCmd.PersistentFlags().String("band", "868", "radio band used for dBm conversion: 868 or 433")

	viper.BindPFlag("general.log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("general.log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("transport.type", rootCmd.PersistentFlags().Lookup("transport"))
	viper.BindPFlag("radio.band", rootCmd.PersistentFlags().Lookup("band"))

	// default values
	viper.SetDefault("radio.diag_mode", "csv")

	viper.SetDefault("transport.serial.port", "/dev/ttyUSB0")
	viper.SetDefault("transport.serial.baud_rate", 115200)
	viper.SetDefault("transport.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("transport.mqtt.username", "")
	viper.SetDefault("transport.mqtt.password", "")
	viper.SetDefault("transport.mqtt.use_tls", false)
	viper.SetDefault("transport.mqtt.client_id", "")
	viper.SetDefault("transport.mqtt.topic_prefix", "wban")
	viper.SetDefault("transport.mqtt.network", "default")
	viper.SetDefault("transport.mqtt.qos", 0)

	viper.SetDefault("access_point.guard_delay", 2*time.Millisecond)
	viper.SetDefault("access_point.sync_interval", time.Second)
	viper.SetDefault("access_point.stall_warning", 5*time.Second)

	viper.SetDefault("end_device.address", 1)
	viper.SetDefault("end_device.slot_delay", 10*time.Millisecond)
	viper.SetDefault("end_device.beacon_interval", 2*time.Second)
	viper.SetDefault("end_device.stamp", "local")

	viper.SetDefault("simulation.devices", []int{1, 2, 3, 4, 5})
	viper.SetDefault("simulation.seed", 1)
	viper.SetDefault("simulation.link_loss", 0.2)
	viper.SetDefault("simulation.rounds", 1)

	viper.SetDefault("monitoring.bind", "")

	rootCmd.AddCommand(apCmd)
	rootCmd.AddCommand(edCmd)
	rootCmd.AddCommand(simCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute executes the root command.
func Execute(v string) {
	version = v

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initConfig(*cobra.Command, []string) error {
	config.Version = version

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("load config file %s: %w", cfgFile, err)
		}
	} else {
		viper.SetConfigName("wbandisco")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/wbandisco")
		viper.AddConfigPath("/etc/wbandisco")
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read configuration file: %w", err)
			}
		}
	}

	// Bash doesn't allow env variable names with a dot, so
	// WBANDISCO_TRANSPORT__MQTT__BROKER maps to transport.mqtt.broker.
	viper.SetEnvPrefix("wbandisco")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&config.C); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	logger, err := newLogger(config.C.General.LogLevel, config.C.General.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debug("loaded configuration", "file", used)
	} else {
		logger.Debug("no configuration file found, using defaults")
	}
	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
