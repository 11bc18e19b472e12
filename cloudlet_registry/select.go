package cloudlet_registry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/latency_probing"
	"github.com/mobiledgex/edge-cloud-sdk-android/location"
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNoCloudlets = errors.New("no cloudlet registered")
	ErrNoLocation  = errors.New("proximity selection needs a location")
	ErrNoneReached = errors.New("no cloudlet could be measured")
)

// Cloudlet is one app instance as stored in the registry.
type Cloudlet struct {
	Name             string              `json:"name"`
	Fqdn             string              `json:"fqdn"`
	CarrierName      string              `json:"carrier_name,omitempty"`
	Location         *protocol.Loc       `json:"location,omitempty"`
	Ports            []*protocol.AppPort `json:"ports,omitempty"`
	DmeAddress       string              `json:"dme_address,omitempty"`
	EdgeEventsCookie string              `json:"edge_events_cookie,omitempty"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// probeTarget is the first TCP port of c, where latency tests connect.
func (c *Cloudlet) probeTarget() (latency_probing.Target, bool) {
	for _, p := range c.Ports {
		if p.Proto == protocol.LProtoTCP && p.PublicPort > 0 {
			return latency_probing.Target{Host: p.FqdnPrefix + c.Fqdn, Port: int(p.PublicPort)}, true
		}
	}
	return latency_probing.Target{}, false
}

func (c *Cloudlet) reply() *protocol.FindCloudletReply {
	return &protocol.FindCloudletReply{
		Status:           protocol.FindFound,
		Fqdn:             c.Fqdn,
		Ports:            c.Ports,
		CloudletLocation: c.Location,
		EdgeEventsCookie: c.EdgeEventsCookie,
		DmeAddress:       c.DmeAddress,
		Tags:             map[string]string{"cloudlet": c.Name},
	}
}

// Prober measures candidate cloudlets for performance selection.
type Prober struct {
	Pool     *ants.Pool
	Sampler  latency_probing.Sampler
	TestType latency_probing.TestType
}

// SelectCloudlet picks the closest cloudlet, or in performance mode the one
// with the lowest average latency. Performance mode falls back to proximity
// when nothing could be measured and a location is known.
func SelectCloudlet(ctx context.Context, cloudlets []*Cloudlet, criteria protocol.FindCloudletCriteria, prober *Prober) (*Cloudlet, protocol.FindCloudletMode, error) {
	candidates := make([]*Cloudlet, 0, len(cloudlets))
	for _, c := range cloudlets {
		if criteria.CarrierName != "" && c.CarrierName != "" && c.CarrierName != criteria.CarrierName {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, criteria.Mode, ErrNoCloudlets
	}

	if criteria.Mode == protocol.ModePerformance && prober != nil {
		best, err := fastest(ctx, candidates, prober)
		if err == nil {
			return best, protocol.ModePerformance, nil
		}
		if criteria.Location == nil {
			return nil, protocol.ModePerformance, err
		}
		log.Warningf("[CloudletRegistry] performance selection failed, falling back to proximity, err:%v", err)
	}

	best, err := closest(candidates, criteria.Location)
	return best, protocol.ModeProximity, err
}

func closest(candidates []*Cloudlet, loc *protocol.Loc) (*Cloudlet, error) {
	if loc == nil {
		return nil, ErrNoLocation
	}
	var best *Cloudlet
	bestKm := math.Inf(1)
	for _, c := range candidates {
		if d := location.DistanceKm(loc, c.Location); d < bestKm {
			best, bestKm = c, d
		}
	}
	if best == nil {
		return nil, ErrNoCloudlets
	}
	return best, nil
}

func fastest(ctx context.Context, candidates []*Cloudlet, prober *Prober) (*Cloudlet, error) {
	byAddr := make(map[string]*Cloudlet, len(candidates))
	targets := make([]latency_probing.Target, 0, len(candidates))
	for _, c := range candidates {
		t, ok := c.probeTarget()
		if !ok {
			continue
		}
		byAddr[t.Addr()] = c
		targets = append(targets, t)
	}

	samples := latency_probing.RunSites(ctx, prober.Pool, prober.Sampler, prober.TestType, targets)
	var best *Cloudlet
	var bestAvg time.Duration
	// iterate targets, not the map, so ties go to the earlier cloudlet
	for _, t := range targets {
		s, ok := samples[t.Addr()]
		if !ok || s.Empty() {
			continue
		}
		if best == nil || s.Average() < bestAvg {
			best, bestAvg = byAddr[t.Addr()], s.Average()
		}
	}
	if best == nil {
		return nil, ErrNoneReached
	}
	return best, nil
}
