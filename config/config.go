// Package config loads the edge events client configuration from TOML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/events_config"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/latency_probing"
)

const DefaultPath = "edge_events_client.toml"

type Config struct {
	LogLevel    string `toml:"log_level"`
	LogDir      string `toml:"log_dir"`
	DataDir     string `toml:"data_dir"`
	PoolSize    int    `toml:"pool_size"`
	MetricsAddr string `toml:"metrics_addr"`

	Dme        DmeConfig        `toml:"dme"`
	Registry   RegistryConfig   `toml:"registry"`
	Redis      RedisConfig      `toml:"redis"`
	Location   LocationConfig   `toml:"location"`
	EdgeEvents EdgeEventsConfig `toml:"edge_events"`
}

type DmeConfig struct {
	Address          string `toml:"address"`
	OrgName          string `toml:"org_name"`
	AppName          string `toml:"app_name"`
	AppVers          string `toml:"app_vers"`
	AuthToken        string `toml:"auth_token"`
	UniqueId         string `toml:"unique_id"`
	CarrierName      string `toml:"carrier_name"`
	DialRetries      int    `toml:"dial_retries"`
	RetryIntervalSec int    `toml:"retry_interval_sec"`
}

// RegistryConfig switches re-selection from the DME to the etcd cloudlet
// registry when endpoints are set.
type RegistryConfig struct {
	Endpoints      []string `toml:"endpoints"`
	Prefix         string   `toml:"prefix"`
	DialTimeoutSec int      `toml:"dial_timeout_sec"`
}

// RedisConfig moves session state from data_dir to Redis when address is
// set.
type RedisConfig struct {
	Address string `toml:"address"`
	MaxIdle int    `toml:"max_idle"`
	TTLSec  int    `toml:"ttl_sec"`
}

// LocationConfig is a fixed position, for hosts without GPS.
type LocationConfig struct {
	Latitude  float64 `toml:"latitude"`
	Longitude float64 `toml:"longitude"`
}

type UpdateConfig struct {
	Pattern     string `toml:"pattern"`
	IntervalSec int    `toml:"interval_sec"`
	MaxUpdates  int    `toml:"max_updates"`
}

type EdgeEventsConfig struct {
	Enabled              bool `toml:"enabled"`
	AutoMigrate          bool `toml:"auto_migrate"`
	AutoReconnect        bool `toml:"auto_reconnect"`
	MaxReconnectAttempts int  `toml:"max_reconnect_attempts"`

	LatencyInternalPort       int32    `toml:"latency_internal_port"`
	ReconnectDelayMs          int      `toml:"reconnect_delay_ms"`
	LatencyTestType           string   `toml:"latency_test_type"`
	LatencyThresholdMs        int      `toml:"latency_threshold_ms"`
	PerformanceSwitchMarginMs int      `toml:"performance_switch_margin_ms"`
	LatencyTriggerTestMode    string   `toml:"latency_trigger_test_mode"`
	Triggers                  []string `toml:"triggers"`

	LatencyUpdate  UpdateConfig `toml:"latency_update"`
	LocationUpdate UpdateConfig `toml:"location_update"`
}

// defaults is decoded over, so keys missing from the file keep these values.
func defaults() *Config {
	return &Config{
		LogLevel: "info",
		LogDir:   "./logs",
		DataDir:  "./data",
		PoolSize: 16,
		Dme: DmeConfig{
			DialRetries:      3,
			RetryIntervalSec: 2,
		},
		Registry: RegistryConfig{DialTimeoutSec: 5},
		Redis:    RedisConfig{MaxIdle: 2},
		EdgeEvents: EdgeEventsConfig{
			Enabled:                   true,
			AutoMigrate:               true,
			AutoReconnect:             true,
			MaxReconnectAttempts:      5,
			ReconnectDelayMs:          1000,
			LatencyTestType:           "CONNECT",
			LatencyThresholdMs:        50,
			PerformanceSwitchMarginMs: 5,
			LatencyTriggerTestMode:    "performance",
			LatencyUpdate:             UpdateConfig{Pattern: "fixed_interval", IntervalSec: 30},
			LocationUpdate:            UpdateConfig{Pattern: "fixed_interval", IntervalSec: 30},
		},
	}
}

// LoadConfig loads configuration from the TOML file at path.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	cfg := defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text, for embedding and tests.
func Parse(data string) (*Config, error) {
	cfg := defaults()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Dme.Address == "" {
		return fmt.Errorf("dme.address is required in config file")
	}
	if c.Dme.OrgName == "" || c.Dme.AppName == "" {
		return fmt.Errorf("dme.org_name and dme.app_name are required in config file")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if _, err := c.EdgeEvents.ToEdgeEventsConfig(); err != nil {
		return fmt.Errorf("invalid edge_events section: %w", err)
	}
	return nil
}

// HasLocation reports whether a fixed location was configured.
func (c *Config) HasLocation() bool {
	return c.Location.Latitude != 0 || c.Location.Longitude != 0
}

func (c *Config) FixedLocation() *protocol.Loc {
	if !c.HasLocation() {
		return nil
	}
	return &protocol.Loc{Latitude: c.Location.Latitude, Longitude: c.Location.Longitude}
}

// ToEdgeEventsConfig converts the file representation, with seconds and
// milliseconds turned into durations and names into enums.
func (e EdgeEventsConfig) ToEdgeEventsConfig() (*events_config.EdgeEventsConfig, error) {
	testType, err := latency_probing.ParseTestType(e.LatencyTestType)
	if err != nil {
		return nil, err
	}
	mode, err := parseMode(e.LatencyTriggerTestMode)
	if err != nil {
		return nil, err
	}

	triggers := events_config.NewTriggerSet(events_config.AllTriggers()...)
	if e.Triggers != nil {
		triggers = events_config.NewTriggerSet()
		for _, name := range e.Triggers {
			t, err := events_config.ParseTrigger(name)
			if err != nil {
				return nil, err
			}
			triggers[t] = struct{}{}
		}
	}

	latencyUpdate, err := e.LatencyUpdate.toUpdateConfig()
	if err != nil {
		return nil, fmt.Errorf("latency_update: %w", err)
	}
	locationUpdate, err := e.LocationUpdate.toUpdateConfig()
	if err != nil {
		return nil, fmt.Errorf("location_update: %w", err)
	}

	cfg := &events_config.EdgeEventsConfig{
		LatencyInternalPort:     e.LatencyInternalPort,
		ReconnectDelay:          time.Duration(e.ReconnectDelayMs) * time.Millisecond,
		LatencyTestType:         testType,
		LatencyUpdateConfig:     latencyUpdate,
		LocationUpdateConfig:    locationUpdate,
		LatencyThresholdTrigger: time.Duration(e.LatencyThresholdMs) * time.Millisecond,
		PerformanceSwitchMargin: time.Duration(e.PerformanceSwitchMarginMs) * time.Millisecond,
		LatencyTriggerTestMode:  mode,
		Triggers:                triggers,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (u UpdateConfig) toUpdateConfig() (*events_config.UpdateConfig, error) {
	pattern, err := events_config.ParseUpdatePattern(u.Pattern)
	if err != nil {
		return nil, err
	}
	return &events_config.UpdateConfig{
		Pattern:    pattern,
		Interval:   time.Duration(u.IntervalSec) * time.Second,
		MaxUpdates: u.MaxUpdates,
	}, nil
}

func parseMode(s string) (protocol.FindCloudletMode, error) {
	switch s {
	case "", "proximity", "PROXIMITY":
		return protocol.ModeProximity, nil
	case "performance", "PERFORMANCE":
		return protocol.ModePerformance, nil
	default:
		return protocol.ModeProximity, fmt.Errorf("unknown find cloudlet mode %q", s)
	}
}
