package events_config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type UpdatePattern int

const (
	// FixedInterval fires every Interval.
	FixedInterval UpdatePattern = iota
	// AdaptiveBackoff starts at Interval and backs off exponentially.
	AdaptiveBackoff
	// OnStart fires once when the connection opens.
	OnStart
	// OnTrigger never fires on its own; the server asks for updates.
	OnTrigger
)

func (p UpdatePattern) String() string {
	switch p {
	case FixedInterval:
		return "FixedInterval"
	case AdaptiveBackoff:
		return "AdaptiveBackoff"
	case OnStart:
		return "OnStart"
	case OnTrigger:
		return "OnTrigger"
	default:
		return "Unknown"
	}
}

func ParseUpdatePattern(s string) (UpdatePattern, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed_interval", "fixedinterval", "on_interval", "oninterval":
		return FixedInterval, nil
	case "adaptive_backoff", "adaptivebackoff":
		return AdaptiveBackoff, nil
	case "on_start", "onstart":
		return OnStart, nil
	case "on_trigger", "ontrigger", "":
		return OnTrigger, nil
	default:
		return OnTrigger, fmt.Errorf("unknown update pattern %q", s)
	}
}

// UpdateConfig describes one interval task schedule.
type UpdateConfig struct {
	Pattern  UpdatePattern
	Interval time.Duration
	// MaxUpdates <= 0 means unlimited.
	MaxUpdates int
}

// Periodic reports whether the schedule needs a timer.
func (u *UpdateConfig) Periodic() bool {
	return u != nil && (u.Pattern == FixedInterval || u.Pattern == AdaptiveBackoff)
}

func (u *UpdateConfig) validate(name string) error {
	if u == nil || !u.Periodic() {
		return nil
	}
	if u.Interval <= 0 {
		return errors.New(name + " update interval must be positive")
	}
	return nil
}

// Validate reports whether u can drive an interval task.
func (u *UpdateConfig) Validate() error {
	if u == nil {
		return errors.New("nil update config")
	}
	return u.validate("task")
}

func (u *UpdateConfig) String() string {
	if u == nil {
		return "<nil>"
	}
	return fmt.Sprintf("{pattern:%s interval:%s maxUpdates:%d}", u.Pattern, u.Interval, u.MaxUpdates)
}
