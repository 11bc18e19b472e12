package trigger

import (
	"testing"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/edge_errors"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/events_config"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/latency_probing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseline = &protocol.FindCloudletResult{
	Reply: &protocol.FindCloudletReply{Fqdn: "cloudlet-a.example.com", EdgeEventsCookie: "c"},
}

func latencyConfig(threshold, margin time.Duration) *events_config.EdgeEventsConfig {
	cfg := events_config.Default()
	cfg.LatencyThresholdTrigger = threshold
	cfg.PerformanceSwitchMargin = margin
	return cfg
}

func TestLatencyRequested(t *testing.T) {
	cfg := latencyConfig(50*time.Millisecond, 10*time.Millisecond)

	cases := []struct {
		name   string
		values []float64
		want   Decision
	}{
		{"above threshold plus margin", []float64{65}, SwitchNow},
		{"within margin", []float64{55}, Ignore},
		{"exactly threshold plus margin", []float64{60}, Ignore},
		{"below threshold", []float64{20, 30, 25}, Ignore},
		{"average above", []float64{60, 70, 80}, SwitchNow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, trig, err := Evaluate(Input{
				Event:          protocol.LatencyRequested{},
				CurrentLatency: latency_probing.NewSample(tc.values),
				Config:         cfg,
				Baseline:       baseline,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)
			assert.Equal(t, events_config.TriggerLatencyTooHigh, trig)
		})
	}
}

func TestLatencyNegativeMarginIsAbsolute(t *testing.T) {
	d, _, err := Evaluate(Input{
		Event:          protocol.LatencyRequested{},
		CurrentLatency: latency_probing.NewSample([]float64{55}),
		Config:         latencyConfig(50*time.Millisecond, -10*time.Millisecond),
		Baseline:       baseline,
	})
	require.NoError(t, err)
	assert.Equal(t, Ignore, d)
}

func TestLatencyInsufficientData(t *testing.T) {
	for _, sample := range []*latency_probing.Sample{nil, latency_probing.NewSample(nil)} {
		d, _, err := Evaluate(Input{
			Event:          protocol.LatencyRequested{},
			CurrentLatency: sample,
			Config:         events_config.Default(),
			Baseline:       baseline,
		})
		require.NoError(t, err)
		assert.Equal(t, InsufficientData, d)
	}
}

func TestLatencyConfigErrors(t *testing.T) {
	noThreshold := latencyConfig(0, 0)
	_, _, err := Evaluate(Input{
		Event:          protocol.LatencyRequested{},
		CurrentLatency: latency_probing.NewSample([]float64{100}),
		Config:         noThreshold,
		Baseline:       baseline,
	})
	assert.ErrorIs(t, err, edge_errors.ErrMissingLatencyThreshold)
	assert.Equal(t, edge_errors.KindSetup, edge_errors.KindOf(err))

	noUpdate := events_config.Default()
	noUpdate.LatencyUpdateConfig = nil
	_, _, err = Evaluate(Input{
		Event:          protocol.LatencyRequested{},
		CurrentLatency: latency_probing.NewSample([]float64{100}),
		Config:         noUpdate,
		Baseline:       baseline,
	})
	assert.ErrorIs(t, err, edge_errors.ErrMissingLatencyUpdateConfig)

	_, _, err = Evaluate(Input{Event: protocol.LatencyRequested{}, Baseline: baseline})
	assert.ErrorIs(t, err, edge_errors.ErrMissingEdgeEventsConfig)
}

func TestNoBaseline(t *testing.T) {
	events := []protocol.InboundEvent{
		protocol.LatencyRequested{},
		protocol.CloserCloudletAvailable{},
		protocol.CloudletStateChanged{State: protocol.CloudletStateOffline},
		protocol.CloudletMaintenanceStateChanged{State: protocol.MaintenanceStart},
		protocol.AppInstHealthChanged{HealthCheck: protocol.HealthCheckFailServerFail},
	}
	for _, ev := range events {
		t.Run(ev.Name(), func(t *testing.T) {
			d, _, err := Evaluate(Input{Event: ev, Config: events_config.Default()})
			assert.ErrorIs(t, err, edge_errors.ErrHasNotDoneFindCloudlet)
			assert.Equal(t, edge_errors.KindDecision, edge_errors.KindOf(err))
			assert.Equal(t, Ignore, d)

			d, _, err = Evaluate(Input{Event: ev, Config: events_config.Default(), Baseline: &protocol.FindCloudletResult{}})
			assert.ErrorIs(t, err, edge_errors.ErrHasNotDoneFindCloudlet)
			assert.NotEqual(t, SwitchNow, d)
		})
	}
}

func TestHealthEvents(t *testing.T) {
	cases := []struct {
		ev   protocol.InboundEvent
		want Decision
	}{
		{protocol.CloudletStateChanged{State: protocol.CloudletStateReady}, Ignore},
		{protocol.CloudletStateChanged{State: protocol.CloudletStateInit}, Ignore},
		{protocol.CloudletStateChanged{State: protocol.CloudletStateOffline}, SwitchNow},
		{protocol.CloudletStateChanged{State: protocol.CloudletStateErrors}, SwitchNow},
		{protocol.CloudletMaintenanceStateChanged{State: protocol.MaintenanceNormalOperation}, Ignore},
		{protocol.CloudletMaintenanceStateChanged{State: protocol.MaintenanceUnderMaintenance}, SwitchNow},
		{protocol.AppInstHealthChanged{HealthCheck: protocol.HealthCheckOk}, Ignore},
		{protocol.AppInstHealthChanged{HealthCheck: protocol.HealthCheckCloudletOffline}, SwitchNow},
		{protocol.AppInstHealthChanged{HealthCheck: protocol.HealthCheckFailRootLBOffline}, SwitchNow},
	}
	for _, tc := range cases {
		d, _, err := Evaluate(Input{Event: tc.ev, Config: events_config.Default(), Baseline: baseline})
		require.NoError(t, err)
		assert.Equal(t, tc.want, d, "%#v", tc.ev)
	}
}

func TestCloserCloudlet(t *testing.T) {
	pushed := protocol.CloserCloudletAvailable{NewCloudlet: &protocol.FindCloudletReply{Fqdn: "cloudlet-b.example.com"}}

	d, trig, err := Evaluate(Input{Event: pushed, Config: events_config.Default(), Baseline: baseline})
	require.NoError(t, err)
	assert.Equal(t, SwitchNow, d)
	assert.Equal(t, events_config.TriggerCloserCloudlet, trig)

	d, _, err = Evaluate(Input{Event: protocol.CloserCloudletAvailable{}, Config: events_config.Default(), Baseline: baseline})
	require.NoError(t, err)
	assert.Equal(t, InsufficientData, d)

	d, _, err = Evaluate(Input{
		Event:           protocol.CloserCloudletAvailable{},
		CurrentLocation: &protocol.Loc{Latitude: 1, Longitude: 2},
		Config:          events_config.Default(),
		Baseline:        baseline,
	})
	require.NoError(t, err)
	assert.Equal(t, SwitchNow, d)
}

func TestDisabledTriggersIgnore(t *testing.T) {
	unhealthy := map[events_config.Trigger]protocol.InboundEvent{
		events_config.TriggerCloudletStateChanged:            protocol.CloudletStateChanged{State: protocol.CloudletStateOffline},
		events_config.TriggerAppInstHealthChanged:            protocol.AppInstHealthChanged{HealthCheck: protocol.HealthCheckFailServerFail},
		events_config.TriggerCloudletMaintenanceStateChanged: protocol.CloudletMaintenanceStateChanged{State: protocol.MaintenanceStart},
		events_config.TriggerLatencyTooHigh:                  protocol.LatencyRequested{},
		events_config.TriggerCloserCloudlet:                  protocol.CloserCloudletAvailable{NewCloudlet: &protocol.FindCloudletReply{Fqdn: "b"}},
	}
	for trig, ev := range unhealthy {
		t.Run(trig.String(), func(t *testing.T) {
			var others []events_config.Trigger
			for _, o := range events_config.AllTriggers() {
				if o != trig {
					others = append(others, o)
				}
			}
			cfg := events_config.Default()
			cfg.Triggers = events_config.NewTriggerSet(others...)

			d, got, err := Evaluate(Input{
				Event:          ev,
				CurrentLatency: latency_probing.NewSample([]float64{500}),
				Config:         cfg,
				Baseline:       baseline,
			})
			require.NoError(t, err)
			assert.Equal(t, Ignore, d)
			assert.Equal(t, trig, got)
		})
	}
}

func TestUnsupportedEvent(t *testing.T) {
	_, _, err := Evaluate(Input{Config: events_config.Default(), Baseline: baseline})
	assert.Error(t, err)
}
