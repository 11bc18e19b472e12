package latency_probing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultNumSamples   = 5
	DefaultProbeTimeout = 2 * time.Second
)

var ErrAllProbesFailed = errors.New("all latency probes failed")

// Sampler measures round trip latency to a target.
type Sampler interface {
	Run(ctx context.Context, testType TestType, target Target) (*Sample, error)
}

// NetSampler runs TCP connect or ICMP echo tests from this host.
type NetSampler struct {
	NumSamples int
	Timeout    time.Duration

	dialer net.Dialer
}

func NewNetSampler(numSamples int, timeout time.Duration) *NetSampler {
	if numSamples <= 0 {
		numSamples = DefaultNumSamples
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &NetSampler{NumSamples: numSamples, Timeout: timeout}
}

// Run takes NumSamples sequential measurements. Individual failures are
// skipped; only a run where every probe failed is an error.
func (s *NetSampler) Run(ctx context.Context, testType TestType, target Target) (*Sample, error) {
	values := make([]float64, 0, s.NumSamples)
	var lastErr error
	for i := 0; i < s.NumSamples; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			delay float64
			err   error
		)
		switch testType {
		case TestPing:
			delay, err = pingOnce(ctx, target.Host, s.Timeout, i)
		default:
			delay, err = s.connectOnce(ctx, target)
		}
		if err != nil {
			log.Debugf("latency probe failed, target:%s, type:%s, err:%v", target.Addr(), testType, err)
			lastErr = err
			continue
		}
		values = append(values, delay)
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("%w: target %s: %v", ErrAllProbesFailed, target.Addr(), lastErr)
	}
	sample := NewSample(values)
	log.Debugf("latency probe done, target:%s, type:%s, avg:%.2fms, stddev:%.2fms",
		target.Addr(), testType, sample.Avg, sample.StdDev)
	return sample, nil
}

func (s *NetSampler) connectOnce(ctx context.Context, target Target) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	startTime := time.Now()
	conn, err := s.dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return 0, fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	return float64(time.Since(startTime).Microseconds()) / 1000.0, nil
}
