package common

import (
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

type PoolConfig struct {
	MaxWorkers int
}

// NewPool creates a worker pool for latency tests or cloudlet re-selection.
// Submit never blocks: a full pool returns ants.ErrPoolOverload and the caller
// runs the job itself. A panicking job is logged instead of killing the
// process.
func NewPool(config PoolConfig) (*ants.Pool, error) {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 16
	}
	pool, err := ants.NewPool(config.MaxWorkers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			log.Errorf("[GoroutinePool] job panicked, err:%v", p)
		}))
	if err != nil {
		log.Errorf("[GoroutinePool] failed to create ants pool, size:%d, err:%v", config.MaxWorkers, err)
		return nil, err
	}
	return pool, nil
}
