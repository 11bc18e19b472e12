package protocol

import (
	"time"
)

// FindCloudletMode is the criterion a cloudlet qualified under.
type FindCloudletMode int

const (
	ModeProximity FindCloudletMode = iota
	ModePerformance
)

func (m FindCloudletMode) String() string {
	switch m {
	case ModePerformance:
		return "Performance"
	default:
		return "Proximity"
	}
}

// FindCloudletCriteria is what a Resolver needs to pick a cloudlet.
type FindCloudletCriteria struct {
	SessionCookie string
	CarrierName   string
	Location      *Loc
	Mode          FindCloudletMode
}

// FindCloudletResult is the outcome of one re-selection.
type FindCloudletResult struct {
	Reply      *FindCloudletReply
	Mode       FindCloudletMode
	ResolvedAt time.Time
}

// Fqdn is the identity of the selected cloudlet's app instance.
func (r *FindCloudletResult) Fqdn() string {
	if r == nil || r.Reply == nil {
		return ""
	}
	return r.Reply.Fqdn
}

// EdgeEventsCookie binds an edge events stream to this result's instance.
func (r *FindCloudletResult) EdgeEventsCookie() string {
	if r == nil || r.Reply == nil {
		return ""
	}
	return r.Reply.EdgeEventsCookie
}

// Ports returns the app ports of the selected instance.
func (r *FindCloudletResult) Ports() []*AppPort {
	if r == nil || r.Reply == nil {
		return nil
	}
	return r.Reply.Ports
}

// SameCloudlet reports whether both results point at the same app instance.
func (r *FindCloudletResult) SameCloudlet(o *FindCloudletResult) bool {
	if r == nil || o == nil || r.Reply == nil || o.Reply == nil {
		return false
	}
	return r.Reply.Fqdn == o.Reply.Fqdn
}
