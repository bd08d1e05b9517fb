// Package config holds the command-line configuration loaded by viper.
package config

import (
	"time"
)

// Version holds the build version, set by the command package.
var Version string

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel  string `mapstructure:"log_level"`
		LogFormat string `mapstructure:"log_format"`
	} `mapstructure:"general"`

	Radio struct {
		Band     string `mapstructure:"band"`
		DiagMode string `mapstructure:"diag_mode"`
	} `mapstructure:"radio"`

	Transport struct {
		Type string `mapstructure:"type"`

		Serial struct {
			Port     string `mapstructure:"port"`
			BaudRate int    `mapstructure:"baud_rate"`
		} `mapstructure:"serial"`

		MQTT struct {
			Broker      string `mapstructure:"broker"`
			Username    string `mapstructure:"username"`
			Password    string `mapstructure:"password"`
			UseTLS      bool   `mapstructure:"use_tls"`
			ClientID    string `mapstructure:"client_id"`
			TopicPrefix string `mapstructure:"topic_prefix"`
			Network     string `mapstructure:"network"`
			QoS         uint8  `mapstructure:"qos"`
		} `mapstructure:"mqtt"`
	} `mapstructure:"transport"`

	AccessPoint struct {
		GuardDelay   time.Duration `mapstructure:"guard_delay"`
		SyncInterval time.Duration `mapstructure:"sync_interval"`
		StallWarning time.Duration `mapstructure:"stall_warning"`
	} `mapstructure:"access_point"`

	EndDevice struct {
		Address        int           `mapstructure:"address"`
		SlotDelay      time.Duration `mapstructure:"slot_delay"`
		BeaconInterval time.Duration `mapstructure:"beacon_interval"`
		Stamp          string        `mapstructure:"stamp"`
	} `mapstructure:"end_device"`

	Simulation struct {
		Devices  []int   `mapstructure:"devices"`
		Seed     uint64  `mapstructure:"seed"`
		LinkLoss float64 `mapstructure:"link_loss"`
		Rounds   int     `mapstructure:"rounds"`
	} `mapstructure:"simulation"`

	Monitoring struct {
		Bind string `mapstructure:"bind"`
	} `mapstructure:"monitoring"`
}

// C holds the global configuration.
var C Config
