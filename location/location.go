package location

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var ErrUnavailable = errors.New("last location unavailable")

const earthRadiusKm = 6371.0

// Source supplies the most recent known position.
type Source interface {
	GetLastLocation(ctx context.Context) (*protocol.Loc, error)
}

// LastKnown is a Source fed by whoever owns the platform location service.
type LastKnown struct {
	mu  sync.RWMutex
	loc *protocol.Loc
}

func NewLastKnown() *LastKnown {
	return &LastKnown{}
}

// Update stores a copy of loc, stamping it with the current time when it has
// no timestamp of its own.
func (l *LastKnown) Update(loc *protocol.Loc) {
	if loc == nil {
		return
	}
	cp := *loc
	if cp.Timestamp == nil {
		cp.Timestamp = timestamppb.New(time.Now())
	}
	l.mu.Lock()
	l.loc = &cp
	l.mu.Unlock()
}

func (l *LastKnown) GetLastLocation(ctx context.Context) (*protocol.Loc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.loc == nil {
		return nil, ErrUnavailable
	}
	cp := *l.loc
	return &cp, nil
}

// DistanceKm is the great circle distance between a and b.
func DistanceKm(a, b *protocol.Loc) float64 {
	if a == nil || b == nil {
		return math.Inf(1)
	}
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
