package latency_probing

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

// RunSites measures every target concurrently on pool and returns the samples
// keyed by Target.Addr(). Targets that could not be measured are absent. Jobs
// the pool rejects run on their own goroutine.
func RunSites(ctx context.Context, pool *ants.Pool, sampler Sampler, testType TestType, targets []Target) map[string]*Sample {
	results := make(map[string]*Sample, len(targets))
	var resultsLock sync.Mutex
	var wg sync.WaitGroup

	for _, target := range targets {
		wg.Add(1)
		targetCopy := target
		job := func() {
			defer wg.Done()
			sample, err := sampler.Run(ctx, testType, targetCopy)
			if err != nil {
				log.Warningf("site latency test failed, target:%s, err:%v", targetCopy.Addr(), err)
				return
			}
			resultsLock.Lock()
			results[targetCopy.Addr()] = sample
			resultsLock.Unlock()
		}
		if pool == nil {
			go job()
			continue
		}
		if err := pool.Submit(job); err != nil {
			// a full nonblocking pool must not cost the target its sample
			log.Warningf("site latency test not pooled, running unpooled, target:%s, err:%v", targetCopy.Addr(), err)
			go job()
		}
	}
	wg.Wait()

	log.Infof("site latency tests finished, measured:%d, targets:%d", len(results), len(targets))
	return results
}
