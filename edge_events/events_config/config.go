package events_config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/edge_errors"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/latency_probing"
)

// Trigger is a reason the client wants a new FindCloudlet.
type Trigger int

const (
	TriggerCloudletStateChanged Trigger = iota
	TriggerAppInstHealthChanged
	TriggerCloudletMaintenanceStateChanged
	TriggerLatencyTooHigh
	TriggerCloserCloudlet
)

func (t Trigger) String() string {
	switch t {
	case TriggerCloudletStateChanged:
		return "CloudletStateChanged"
	case TriggerAppInstHealthChanged:
		return "AppInstHealthChanged"
	case TriggerCloudletMaintenanceStateChanged:
		return "CloudletMaintenanceStateChanged"
	case TriggerLatencyTooHigh:
		return "LatencyTooHigh"
	case TriggerCloserCloudlet:
		return "CloserCloudlet"
	default:
		return "Unknown"
	}
}

func AllTriggers() []Trigger {
	return []Trigger{
		TriggerCloudletStateChanged,
		TriggerAppInstHealthChanged,
		TriggerCloudletMaintenanceStateChanged,
		TriggerLatencyTooHigh,
		TriggerCloserCloudlet,
	}
}

func ParseTrigger(s string) (Trigger, error) {
	for _, t := range AllTriggers() {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown trigger %q", s)
}

// TriggerSet is the set of triggers the application wants acted on.
type TriggerSet map[Trigger]struct{}

func NewTriggerSet(triggers ...Trigger) TriggerSet {
	set := make(TriggerSet, len(triggers))
	for _, t := range triggers {
		set[t] = struct{}{}
	}
	return set
}

func (s TriggerSet) Has(t Trigger) bool {
	_, ok := s[t]
	return ok
}

func (s TriggerSet) String() string {
	names := make([]string, 0, len(s))
	for t := range s {
		names = append(names, t.String())
	}
	sort.Strings(names)
	return "[" + strings.Join(names, ",") + "]"
}

// EdgeEventsConfig is an immutable snapshot once handed to a connection.
// Replacing it goes through a reconnect.
type EdgeEventsConfig struct {
	// LatencyInternalPort selects the app port to test. 0 picks the first
	// port, favoring TCP.
	LatencyInternalPort int32
	ReconnectDelay      time.Duration
	LatencyTestType     latency_probing.TestType

	LatencyUpdateConfig  *UpdateConfig
	LocationUpdateConfig *UpdateConfig

	// LatencyThresholdTrigger and PerformanceSwitchMargin are absolute: a
	// measured average must exceed threshold+margin to warrant a switch.
	LatencyThresholdTrigger time.Duration
	PerformanceSwitchMargin time.Duration
	LatencyTriggerTestMode  protocol.FindCloudletMode
	Triggers                TriggerSet
}

// Default mirrors the SDK's stock configuration: TCP connect tests every 30s,
// location every 30s, 50ms threshold, every trigger enabled.
func Default() *EdgeEventsConfig {
	return &EdgeEventsConfig{
		LatencyInternalPort:     0,
		ReconnectDelay:          time.Second,
		LatencyTestType:         latency_probing.TestConnect,
		LatencyUpdateConfig:     &UpdateConfig{Pattern: FixedInterval, Interval: 30 * time.Second},
		LocationUpdateConfig:    &UpdateConfig{Pattern: FixedInterval, Interval: 30 * time.Second},
		LatencyThresholdTrigger: 50 * time.Millisecond,
		PerformanceSwitchMargin: 5 * time.Millisecond,
		LatencyTriggerTestMode:  protocol.ModePerformance,
		Triggers:                NewTriggerSet(AllTriggers()...),
	}
}

// Clone returns a deep copy with the margin made non-negative and a nil
// trigger set replaced by all triggers.
func (c *EdgeEventsConfig) Clone() *EdgeEventsConfig {
	if c == nil {
		return nil
	}
	cp := *c
	if cp.PerformanceSwitchMargin < 0 {
		cp.PerformanceSwitchMargin = -cp.PerformanceSwitchMargin
	}
	triggers := c.effectiveTriggers()
	cp.Triggers = make(TriggerSet, len(triggers))
	for t := range triggers {
		cp.Triggers[t] = struct{}{}
	}
	if c.LatencyUpdateConfig != nil {
		u := *c.LatencyUpdateConfig
		cp.LatencyUpdateConfig = &u
	}
	if c.LocationUpdateConfig != nil {
		u := *c.LocationUpdateConfig
		cp.LocationUpdateConfig = &u
	}
	return &cp
}

// effectiveTriggers is the set the client acts on: a nil set means every
// trigger.
func (c *EdgeEventsConfig) effectiveTriggers() TriggerSet {
	if c.Triggers == nil {
		return NewTriggerSet(AllTriggers()...)
	}
	return c.Triggers
}

// Validate reports the first setup error in c. A nil config is
// MissingEdgeEventsConfig.
func (c *EdgeEventsConfig) Validate() error {
	const op = "ValidateEdgeEventsConfig"
	if c == nil {
		return edge_errors.New(op, edge_errors.CodeMissingEdgeEventsConfig, nil)
	}
	if c.LatencyInternalPort < 0 || c.LatencyInternalPort > 65535 {
		return edge_errors.New(op, edge_errors.CodeInvalidEdgeEventsSetup,
			fmt.Errorf("latency internal port %d out of range", c.LatencyInternalPort))
	}
	if c.ReconnectDelay < 0 {
		return edge_errors.New(op, edge_errors.CodeInvalidEdgeEventsSetup,
			fmt.Errorf("negative reconnect delay %s", c.ReconnectDelay))
	}
	if c.effectiveTriggers().Has(TriggerLatencyTooHigh) {
		if c.LatencyThresholdTrigger <= 0 {
			return edge_errors.New(op, edge_errors.CodeMissingLatencyThreshold, nil)
		}
		if c.LatencyUpdateConfig == nil {
			return edge_errors.New(op, edge_errors.CodeMissingLatencyUpdateConfig, nil)
		}
	}
	if err := c.LatencyUpdateConfig.validate("latency"); err != nil {
		return edge_errors.New(op, edge_errors.CodeMissingUpdateInterval, err)
	}
	if err := c.LocationUpdateConfig.validate("location"); err != nil {
		return edge_errors.New(op, edge_errors.CodeMissingUpdateInterval, err)
	}
	return nil
}

func (c *EdgeEventsConfig) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("{latencyInternalPort:%d testType:%s threshold:%s margin:%s testMode:%s triggers:%s latencyUpdate:%s locationUpdate:%s}",
		c.LatencyInternalPort, c.LatencyTestType, c.LatencyThresholdTrigger, c.PerformanceSwitchMargin,
		c.LatencyTriggerTestMode, c.Triggers, c.LatencyUpdateConfig, c.LocationUpdateConfig)
}
