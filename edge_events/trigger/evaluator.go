// Package trigger decides whether a server event warrants a new FindCloudlet.
// Evaluate has no side effects; measuring latency and running the resolution
// are up to the caller.
package trigger

import (
	"fmt"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/edge_errors"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/events_config"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/latency_probing"
)

type Decision int

const (
	Ignore Decision = iota
	SwitchNow
	// InsufficientData means the event could matter but the inputs needed to
	// judge it are missing, e.g. no latency sample.
	InsufficientData
)

func (d Decision) String() string {
	switch d {
	case SwitchNow:
		return "SwitchNow"
	case InsufficientData:
		return "InsufficientData"
	default:
		return "Ignore"
	}
}

// Input is everything Evaluate looks at.
type Input struct {
	Event           protocol.InboundEvent
	CurrentLatency  *latency_probing.Sample
	CurrentLocation *protocol.Loc
	Config          *events_config.EdgeEventsConfig
	// Baseline is the last completed FindCloudlet. Nothing is decided without
	// one.
	Baseline *protocol.FindCloudletResult
}

// TriggerFor maps an event onto the trigger that gates it.
func TriggerFor(ev protocol.InboundEvent) (events_config.Trigger, bool) {
	switch ev.(type) {
	case protocol.CloudletStateChanged:
		return events_config.TriggerCloudletStateChanged, true
	case protocol.AppInstHealthChanged:
		return events_config.TriggerAppInstHealthChanged, true
	case protocol.CloudletMaintenanceStateChanged:
		return events_config.TriggerCloudletMaintenanceStateChanged, true
	case protocol.LatencyRequested:
		return events_config.TriggerLatencyTooHigh, true
	case protocol.CloserCloudletAvailable:
		return events_config.TriggerCloserCloudlet, true
	default:
		return 0, false
	}
}

// Evaluate returns the decision for in.Event and the trigger it was judged
// under. Setup problems and a missing baseline are errors, not decisions.
func Evaluate(in Input) (Decision, events_config.Trigger, error) {
	const op = "Evaluate"
	trig, ok := TriggerFor(in.Event)
	if !ok {
		return Ignore, 0, fmt.Errorf("%s: unsupported event %T", op, in.Event)
	}
	if in.Config == nil {
		return Ignore, trig, edge_errors.New(op, edge_errors.CodeMissingEdgeEventsConfig, nil)
	}
	if in.Baseline.Fqdn() == "" {
		return Ignore, trig, edge_errors.New(op, edge_errors.CodeHasNotDoneFindCloudlet,
			fmt.Errorf("%s before any FindCloudlet", in.Event.Name()))
	}
	if !in.Config.Triggers.Has(trig) {
		return Ignore, trig, nil
	}

	switch ev := in.Event.(type) {
	case protocol.CloudletStateChanged:
		return switchIf(ev.State.Unhealthy()), trig, nil
	case protocol.CloudletMaintenanceStateChanged:
		return switchIf(ev.State.Unhealthy()), trig, nil
	case protocol.AppInstHealthChanged:
		return switchIf(ev.HealthCheck.Down()), trig, nil
	case protocol.CloserCloudletAvailable:
		// without a pushed reply the resolver needs a position to search from
		if ev.NewCloudlet == nil && in.CurrentLocation == nil {
			return InsufficientData, trig, nil
		}
		return SwitchNow, trig, nil
	case protocol.LatencyRequested:
		return evaluateLatency(op, in.Config, in.CurrentLatency, trig)
	}
	return Ignore, trig, nil
}

func evaluateLatency(op string, cfg *events_config.EdgeEventsConfig, sample *latency_probing.Sample, trig events_config.Trigger) (Decision, events_config.Trigger, error) {
	if cfg.LatencyThresholdTrigger <= 0 {
		return Ignore, trig, edge_errors.New(op, edge_errors.CodeMissingLatencyThreshold, nil)
	}
	if cfg.LatencyUpdateConfig == nil {
		return Ignore, trig, edge_errors.New(op, edge_errors.CodeMissingLatencyUpdateConfig, nil)
	}
	if sample.Empty() {
		return InsufficientData, trig, nil
	}

	margin := cfg.PerformanceSwitchMargin
	if margin < 0 {
		margin = -margin
	}
	return switchIf(sample.Average() > cfg.LatencyThresholdTrigger+margin), trig, nil
}

func switchIf(cond bool) Decision {
	if cond {
		return SwitchNow
	}
	return Ignore
}
