package protocol

// InboundEvent is a server notification that may warrant a new FindCloudlet.
// The concrete types below are the only implementations.
type InboundEvent interface {
	Name() string
	inbound()
}

type AppInstHealthChanged struct {
	HealthCheck HealthCheck
}

type CloserCloudletAvailable struct {
	// NewCloudlet is set when the server pushed the reply to switch to.
	NewCloudlet *FindCloudletReply
}

type CloudletMaintenanceStateChanged struct {
	State MaintenanceState
}

type CloudletStateChanged struct {
	State CloudletState
}

type LatencyRequested struct{}

func (AppInstHealthChanged) Name() string            { return "AppInstHealthChanged" }
func (CloserCloudletAvailable) Name() string         { return "CloserCloudletAvailable" }
func (CloudletMaintenanceStateChanged) Name() string { return "CloudletMaintenanceStateChanged" }
func (CloudletStateChanged) Name() string            { return "CloudletStateChanged" }
func (LatencyRequested) Name() string                { return "LatencyRequested" }

func (AppInstHealthChanged) inbound()            {}
func (CloserCloudletAvailable) inbound()         {}
func (CloudletMaintenanceStateChanged) inbound() {}
func (CloudletStateChanged) inbound()            {}
func (LatencyRequested) inbound()                {}

// ToInboundEvent maps a raw server event onto the InboundEvent union. Events
// that never trigger a re-selection (init acks, processed latency, errors)
// return false.
func ToInboundEvent(ev *ServerEdgeEvent) (InboundEvent, bool) {
	if ev == nil {
		return nil, false
	}
	switch ev.EventType {
	case ServerEventAppInstHealth:
		return AppInstHealthChanged{HealthCheck: ev.HealthCheck}, true
	case ServerEventCloudletUpdate:
		return CloserCloudletAvailable{NewCloudlet: ev.NewCloudlet}, true
	case ServerEventCloudletMaintenance:
		return CloudletMaintenanceStateChanged{State: ev.MaintenanceState}, true
	case ServerEventCloudletState:
		return CloudletStateChanged{State: ev.CloudletState}, true
	case ServerEventLatencyRequest:
		return LatencyRequested{}, true
	default:
		return nil, false
	}
}
