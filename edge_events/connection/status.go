package connection

type Status int32

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusShuttingDown
	StatusClosed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusOpen:
		return "Open"
	case StatusShuttingDown:
		return "ShuttingDown"
	case StatusClosed:
		return "Closed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// AllStatuses lists every status, for gauges.
func AllStatuses() []string {
	return []string{
		StatusConnecting.String(),
		StatusOpen.String(),
		StatusShuttingDown.String(),
		StatusClosed.String(),
		StatusFailed.String(),
	}
}

// PostResult tells whether a post was transmitted.
type PostResult int

const (
	Posted PostResult = iota
	// Unchanged means the location equals the last one posted and nothing
	// was sent.
	Unchanged
)

func (r PostResult) String() string {
	if r == Unchanged {
		return "Unchanged"
	}
	return "Posted"
}
