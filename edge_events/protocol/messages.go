package protocol

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

type ClientEventType int32

const (
	ClientEventUnknown ClientEventType = iota
	ClientEventInitConnection
	ClientEventTerminateConnection
	ClientEventLatencySamples
	ClientEventLocationUpdate
	ClientEventCustomEvent
)

func (t ClientEventType) String() string {
	switch t {
	case ClientEventInitConnection:
		return "EVENT_INIT_CONNECTION"
	case ClientEventTerminateConnection:
		return "EVENT_TERMINATE_CONNECTION"
	case ClientEventLatencySamples:
		return "EVENT_LATENCY_SAMPLES"
	case ClientEventLocationUpdate:
		return "EVENT_LOCATION_UPDATE"
	case ClientEventCustomEvent:
		return "EVENT_CUSTOM_EVENT"
	default:
		return "EVENT_UNKNOWN"
	}
}

type ServerEventType int32

const (
	ServerEventUnknown ServerEventType = iota
	ServerEventInitConnection
	ServerEventLatencyRequest
	ServerEventLatencyProcessed
	ServerEventCloudletState
	ServerEventCloudletMaintenance
	ServerEventAppInstHealth
	ServerEventCloudletUpdate
	ServerEventError
)

func (t ServerEventType) String() string {
	switch t {
	case ServerEventInitConnection:
		return "EVENT_INIT_CONNECTION"
	case ServerEventLatencyRequest:
		return "EVENT_LATENCY_REQUEST"
	case ServerEventLatencyProcessed:
		return "EVENT_LATENCY_PROCESSED"
	case ServerEventCloudletState:
		return "EVENT_CLOUDLET_STATE"
	case ServerEventCloudletMaintenance:
		return "EVENT_CLOUDLET_MAINTENANCE"
	case ServerEventAppInstHealth:
		return "EVENT_APPINST_HEALTH"
	case ServerEventCloudletUpdate:
		return "EVENT_CLOUDLET_UPDATE"
	case ServerEventError:
		return "EVENT_ERROR"
	default:
		return "EVENT_UNKNOWN"
	}
}

type CloudletState int32

const (
	CloudletStateUnknown CloudletState = iota
	CloudletStateErrors
	CloudletStateReady
	CloudletStateOffline
	CloudletStateNotPresent
	CloudletStateInit
	CloudletStateUpgrade
	CloudletStateNeedSync
)

func (s CloudletState) String() string {
	switch s {
	case CloudletStateErrors:
		return "CLOUDLET_STATE_ERRORS"
	case CloudletStateReady:
		return "CLOUDLET_STATE_READY"
	case CloudletStateOffline:
		return "CLOUDLET_STATE_OFFLINE"
	case CloudletStateNotPresent:
		return "CLOUDLET_STATE_NOT_PRESENT"
	case CloudletStateInit:
		return "CLOUDLET_STATE_INIT"
	case CloudletStateUpgrade:
		return "CLOUDLET_STATE_UPGRADE"
	case CloudletStateNeedSync:
		return "CLOUDLET_STATE_NEED_SYNC"
	default:
		return "CLOUDLET_STATE_UNKNOWN"
	}
}

// Unhealthy reports whether an app instance on a cloudlet in this state can
// no longer be relied on.
func (s CloudletState) Unhealthy() bool {
	switch s {
	case CloudletStateErrors, CloudletStateOffline, CloudletStateNotPresent, CloudletStateUpgrade:
		return true
	default:
		return false
	}
}

type MaintenanceState int32

const (
	MaintenanceNormalOperation MaintenanceState = iota
	MaintenanceStart
	MaintenanceFailoverRequested
	MaintenanceFailoverDone
	MaintenanceFailoverError
	MaintenanceStartNoFailover
	MaintenanceUnderMaintenance
)

func (s MaintenanceState) String() string {
	switch s {
	case MaintenanceNormalOperation:
		return "NORMAL_OPERATION"
	case MaintenanceStart:
		return "MAINTENANCE_START"
	case MaintenanceFailoverRequested:
		return "FAILOVER_REQUESTED"
	case MaintenanceFailoverDone:
		return "FAILOVER_DONE"
	case MaintenanceFailoverError:
		return "FAILOVER_ERROR"
	case MaintenanceStartNoFailover:
		return "MAINTENANCE_START_NO_FAILOVER"
	case MaintenanceUnderMaintenance:
		return "UNDER_MAINTENANCE"
	default:
		return "MAINTENANCE_UNKNOWN"
	}
}

// Unhealthy is true for every state except normal operation.
func (s MaintenanceState) Unhealthy() bool {
	return s != MaintenanceNormalOperation
}

type HealthCheck int32

const (
	HealthCheckUnknown HealthCheck = iota
	HealthCheckFailRootLBOffline
	HealthCheckFailServerFail
	HealthCheckOk
	HealthCheckCloudletOffline
)

func (h HealthCheck) String() string {
	switch h {
	case HealthCheckFailRootLBOffline:
		return "HEALTH_CHECK_FAIL_ROOTLB_OFFLINE"
	case HealthCheckFailServerFail:
		return "HEALTH_CHECK_FAIL_SERVER_FAIL"
	case HealthCheckOk:
		return "HEALTH_CHECK_OK"
	case HealthCheckCloudletOffline:
		return "HEALTH_CHECK_CLOUDLET_OFFLINE"
	default:
		return "HEALTH_CHECK_UNKNOWN"
	}
}

// Down reports whether the app instance is unreachable.
func (h HealthCheck) Down() bool {
	switch h {
	case HealthCheckFailRootLBOffline, HealthCheckFailServerFail, HealthCheckCloudletOffline:
		return true
	default:
		return false
	}
}

type FindStatus int32

const (
	FindUnknown FindStatus = iota
	FindFound
	FindNotFound
)

type RegisterStatus int32

const (
	RegisterUnknown RegisterStatus = iota
	RegisterSuccess
	RegisterFail
)

// Loc is a GPS position as sent on the wire.
type Loc struct {
	Latitude           float64                `json:"latitude"`
	Longitude          float64                `json:"longitude"`
	HorizontalAccuracy float64                `json:"horizontal_accuracy,omitempty"`
	VerticalAccuracy   float64                `json:"vertical_accuracy,omitempty"`
	Altitude           float64                `json:"altitude,omitempty"`
	Course             float64                `json:"course,omitempty"`
	Speed              float64                `json:"speed,omitempty"`
	Timestamp          *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

// SamePosition compares coordinates only; accuracy, motion and timestamp are
// ignored.
func (l *Loc) SamePosition(o *Loc) bool {
	if l == nil || o == nil {
		return l == o
	}
	return l.Latitude == o.Latitude && l.Longitude == o.Longitude && l.Altitude == o.Altitude
}

type Sample struct {
	Value     float64                `json:"value"`
	Timestamp *timestamppb.Timestamp `json:"timestamp,omitempty"`
	Tags      map[string]string      `json:"tags,omitempty"`
}

type Statistics struct {
	Avg        float64 `json:"avg"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	StdDev     float64 `json:"std_dev"`
	Variance   float64 `json:"variance"`
	NumSamples uint64  `json:"num_samples"`
}

type LProto int32

const (
	LProtoUnknown LProto = iota
	LProtoTCP
	LProtoUDP
	LProtoHTTP
)

type AppPort struct {
	Proto        LProto `json:"proto"`
	InternalPort int32  `json:"internal_port"`
	PublicPort   int32  `json:"public_port"`
	FqdnPrefix   string `json:"fqdn_prefix,omitempty"`
	EndPort      int32  `json:"end_port,omitempty"`
	Tls          bool   `json:"tls,omitempty"`
}

type FindCloudletReply struct {
	Status           FindStatus             `json:"status"`
	Fqdn             string                 `json:"fqdn"`
	Ports            []*AppPort             `json:"ports,omitempty"`
	CloudletLocation *Loc                   `json:"cloudlet_location,omitempty"`
	EdgeEventsCookie string                 `json:"edge_events_cookie,omitempty"`
	DmeAddress       string                 `json:"dme_address,omitempty"`
	Timestamp        *timestamppb.Timestamp `json:"timestamp,omitempty"`
	Tags             map[string]string      `json:"tags,omitempty"`
}

type DeviceInfoStatic struct {
	DeviceOs    string `json:"device_os,omitempty"`
	DeviceModel string `json:"device_model,omitempty"`
}

type DeviceInfoDynamic struct {
	DataNetworkType string `json:"data_network_type,omitempty"`
	CarrierName     string `json:"carrier_name,omitempty"`
	SignalStrength  int32  `json:"signal_strength,omitempty"`
}

// ClientEdgeEvent is a message sent by the client on the edge events stream.
type ClientEdgeEvent struct {
	SessionCookie     string             `json:"session_cookie,omitempty"`
	EdgeEventsCookie  string             `json:"edge_events_cookie,omitempty"`
	EventType         ClientEventType    `json:"event_type"`
	GpsLocation       *Loc               `json:"gps_location,omitempty"`
	Samples           []*Sample          `json:"samples,omitempty"`
	DeviceInfoStatic  *DeviceInfoStatic  `json:"device_info_static,omitempty"`
	DeviceInfoDynamic *DeviceInfoDynamic `json:"device_info_dynamic,omitempty"`
	CustomEvent       string             `json:"custom_event,omitempty"`
	Tags              map[string]string  `json:"tags,omitempty"`
}

// ServerEdgeEvent is a message pushed by the DME on the edge events stream.
type ServerEdgeEvent struct {
	EventType        ServerEventType    `json:"event_type"`
	CloudletState    CloudletState      `json:"cloudlet_state,omitempty"`
	MaintenanceState MaintenanceState   `json:"maintenance_state,omitempty"`
	HealthCheck      HealthCheck        `json:"health_check,omitempty"`
	Statistics       *Statistics        `json:"statistics,omitempty"`
	NewCloudlet      *FindCloudletReply `json:"new_cloudlet,omitempty"`
	ErrorMsg         string             `json:"error_msg,omitempty"`
	Tags             map[string]string  `json:"tags,omitempty"`
}

type RegisterClientRequest struct {
	OrgName   string            `json:"org_name"`
	AppName   string            `json:"app_name"`
	AppVers   string            `json:"app_vers"`
	AuthToken string            `json:"auth_token,omitempty"`
	UniqueId  string            `json:"unique_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type RegisterClientReply struct {
	Status         RegisterStatus    `json:"status"`
	SessionCookie  string            `json:"session_cookie"`
	TokenServerUri string            `json:"token_server_uri,omitempty"`
	UniqueId       string            `json:"unique_id,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

type FindCloudletRequest struct {
	SessionCookie string            `json:"session_cookie"`
	CarrierName   string            `json:"carrier_name,omitempty"`
	GpsLocation   *Loc              `json:"gps_location,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}
