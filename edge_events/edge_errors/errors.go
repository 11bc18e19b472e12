package edge_errors

import (
	"errors"
	"fmt"
)

// Code identifies a single EdgeEvents failure.
type Code int

const (
	CodeUnknown Code = iota
	CodeUninitializedConnection
	CodeMissingSessionCookie
	CodeMissingEdgeEventsCookie
	CodeMissingEdgeEventsConfig
	CodeInvalidEdgeEventsSetup
	CodeMissingLatencyThreshold
	CodeMissingLatencyUpdateConfig
	CodeMissingUpdateInterval
	CodeEdgeEventsDisabled
	CodeTimeout
	CodeConnectionAlreadyClosed
	CodeEmptyAppPorts
	CodePortDoesNotExist
	CodeGpsLocationDidNotChange
	CodeUnableToGetLastLocation
	CodeTransportFailure
	CodeFailedToClose
	CodeUnableToCleanup
	CodeHasNotDoneFindCloudlet
	CodeEventTriggeredButCurrentCloudletIsBest
)

func (c Code) String() string {
	switch c {
	case CodeUninitializedConnection:
		return "UninitializedConnection"
	case CodeMissingSessionCookie:
		return "MissingSessionCookie"
	case CodeMissingEdgeEventsCookie:
		return "MissingEdgeEventsCookie"
	case CodeMissingEdgeEventsConfig:
		return "MissingEdgeEventsConfig"
	case CodeInvalidEdgeEventsSetup:
		return "InvalidEdgeEventsSetup"
	case CodeMissingLatencyThreshold:
		return "MissingLatencyThreshold"
	case CodeMissingLatencyUpdateConfig:
		return "MissingLatencyUpdateConfig"
	case CodeMissingUpdateInterval:
		return "MissingUpdateInterval"
	case CodeEdgeEventsDisabled:
		return "EdgeEventsDisabled"
	case CodeTimeout:
		return "Timeout"
	case CodeConnectionAlreadyClosed:
		return "ConnectionAlreadyClosed"
	case CodeEmptyAppPorts:
		return "EmptyAppPorts"
	case CodePortDoesNotExist:
		return "PortDoesNotExist"
	case CodeGpsLocationDidNotChange:
		return "GpsLocationDidNotChange"
	case CodeUnableToGetLastLocation:
		return "UnableToGetLastLocation"
	case CodeTransportFailure:
		return "TransportFailure"
	case CodeFailedToClose:
		return "FailedToClose"
	case CodeUnableToCleanup:
		return "UnableToCleanup"
	case CodeHasNotDoneFindCloudlet:
		return "HasNotDoneFindCloudlet"
	case CodeEventTriggeredButCurrentCloudletIsBest:
		return "EventTriggeredButCurrentCloudletIsBest"
	default:
		return "Unknown"
	}
}

// Kind groups codes by how a caller is expected to react.
type Kind int

const (
	KindUnknown Kind = iota
	// KindSetup errors surface before the connection ever reaches Open.
	KindSetup
	// KindRuntime errors are per call and leave the connection untouched.
	KindRuntime
	// KindTransport errors move the connection to Failed.
	KindTransport
	// KindShutdown errors are reported but the connection still ends Closed.
	KindShutdown
	// KindDecision errors come from the trigger evaluator.
	KindDecision
	// KindInfo is an outcome, not a failure.
	KindInfo
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "Setup"
	case KindRuntime:
		return "Runtime"
	case KindTransport:
		return "Transport"
	case KindShutdown:
		return "Shutdown"
	case KindDecision:
		return "Decision"
	case KindInfo:
		return "Info"
	default:
		return "Unknown"
	}
}

// Kind returns the group the code belongs to.
func (c Code) Kind() Kind {
	switch c {
	case CodeUninitializedConnection, CodeMissingSessionCookie, CodeMissingEdgeEventsCookie,
		CodeMissingEdgeEventsConfig, CodeInvalidEdgeEventsSetup, CodeMissingLatencyThreshold,
		CodeMissingLatencyUpdateConfig, CodeMissingUpdateInterval, CodeEdgeEventsDisabled:
		return KindSetup
	case CodeConnectionAlreadyClosed, CodeEmptyAppPorts, CodePortDoesNotExist,
		CodeGpsLocationDidNotChange, CodeUnableToGetLastLocation:
		return KindRuntime
	case CodeTimeout, CodeTransportFailure:
		return KindTransport
	case CodeFailedToClose, CodeUnableToCleanup:
		return KindShutdown
	case CodeHasNotDoneFindCloudlet:
		return KindDecision
	case CodeEventTriggeredButCurrentCloudletIsBest:
		return KindInfo
	default:
		return KindUnknown
	}
}

// Error is the error type returned by every EdgeEvents operation.
// errors.Is matches two *Error values on Code alone, so callers compare
// against the sentinels below regardless of Op or the wrapped cause.
type Error struct {
	Op   string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds an *Error for op.
func New(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

var (
	ErrUninitializedConnection                = &Error{Code: CodeUninitializedConnection}
	ErrMissingSessionCookie                   = &Error{Code: CodeMissingSessionCookie}
	ErrMissingEdgeEventsCookie                = &Error{Code: CodeMissingEdgeEventsCookie}
	ErrMissingEdgeEventsConfig                = &Error{Code: CodeMissingEdgeEventsConfig}
	ErrInvalidEdgeEventsSetup                 = &Error{Code: CodeInvalidEdgeEventsSetup}
	ErrMissingLatencyThreshold                = &Error{Code: CodeMissingLatencyThreshold}
	ErrMissingLatencyUpdateConfig             = &Error{Code: CodeMissingLatencyUpdateConfig}
	ErrMissingUpdateInterval                  = &Error{Code: CodeMissingUpdateInterval}
	ErrEdgeEventsDisabled                     = &Error{Code: CodeEdgeEventsDisabled}
	ErrTimeout                                = &Error{Code: CodeTimeout}
	ErrConnectionAlreadyClosed                = &Error{Code: CodeConnectionAlreadyClosed}
	ErrEmptyAppPorts                          = &Error{Code: CodeEmptyAppPorts}
	ErrPortDoesNotExist                       = &Error{Code: CodePortDoesNotExist}
	ErrGpsLocationDidNotChange                = &Error{Code: CodeGpsLocationDidNotChange}
	ErrUnableToGetLastLocation                = &Error{Code: CodeUnableToGetLastLocation}
	ErrTransportFailure                       = &Error{Code: CodeTransportFailure}
	ErrFailedToClose                          = &Error{Code: CodeFailedToClose}
	ErrUnableToCleanup                        = &Error{Code: CodeUnableToCleanup}
	ErrHasNotDoneFindCloudlet                 = &Error{Code: CodeHasNotDoneFindCloudlet}
	ErrEventTriggeredButCurrentCloudletIsBest = &Error{Code: CodeEventTriggeredButCurrentCloudletIsBest}
)

// CodeOf returns the code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return CodeUnknown, false
}

// KindOf classifies err; non EdgeEvents errors are KindUnknown.
func KindOf(err error) Kind {
	code, ok := CodeOf(err)
	if !ok {
		return KindUnknown
	}
	return code.Kind()
}
