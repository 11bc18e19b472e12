package latency_probing

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type TestType int

const (
	TestConnect TestType = iota
	TestPing
)

func (t TestType) String() string {
	switch t {
	case TestPing:
		return "PING"
	default:
		return "CONNECT"
	}
}

// ParseTestType accepts CONNECT or PING in any case.
func ParseTestType(s string) (TestType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "CONNECT":
		return TestConnect, nil
	case "PING":
		return TestPing, nil
	default:
		return TestConnect, fmt.Errorf("unknown latency test type %q", s)
	}
}

// Target is the host:port a latency test runs against.
type Target struct {
	Host string
	Port int
}

func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Sample is a set of round trip times in milliseconds and their summary.
type Sample struct {
	Values    []float64
	Avg       float64
	Min       float64
	Max       float64
	StdDev    float64
	Variance  float64
	Timestamp time.Time
}

// NewSample summarizes values. Variance is bias corrected when there is more
// than one value.
func NewSample(values []float64) *Sample {
	s := &Sample{
		Values:    append([]float64(nil), values...),
		Timestamp: time.Now(),
	}
	n := len(values)
	if n == 0 {
		return s
	}

	s.Min, s.Max = values[0], values[0]
	var acc float64
	for _, v := range values {
		acc += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Avg = acc / float64(n)

	var vsum float64
	for _, v := range values {
		vsum += (v - s.Avg) * (v - s.Avg)
	}
	if n > 1 {
		vsum /= float64(n - 1)
	}
	s.Variance = vsum
	s.StdDev = math.Sqrt(vsum)
	return s
}

// Average is Avg as a duration. A nil or empty sample averages to zero.
func (s *Sample) Average() time.Duration {
	if s == nil || len(s.Values) == 0 {
		return 0
	}
	return time.Duration(s.Avg * float64(time.Millisecond))
}

func (s *Sample) Empty() bool {
	return s == nil || len(s.Values) == 0
}

// Wire converts the raw values for an EVENT_LATENCY_SAMPLES message.
func (s *Sample) Wire() []*protocol.Sample {
	if s == nil {
		return nil
	}
	ts := timestamppb.New(s.Timestamp)
	out := make([]*protocol.Sample, 0, len(s.Values))
	for _, v := range s.Values {
		out = append(out, &protocol.Sample{Value: v, Timestamp: ts})
	}
	return out
}
