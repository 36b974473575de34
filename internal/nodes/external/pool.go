package external

import (
	"fmt"

	"github.com/panjf2000/ants/v2"

	"rulecore/internal/logger"
)

// Pool runs force-acked dispatches after their record was acknowledged, so
// a slow destination holds neither a rule engine worker nor a partition.
// A nil Pool dispatches on the caller.
type Pool struct {
	pool *ants.Pool
}

func NewPool(size int, log logger.Logger) (*Pool, error) {
	if size <= 0 {
		size = 64
	}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			log.Errorw("External dispatch panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatch pool: %w", err)
	}
	return &Pool{pool: pool}, nil
}

func (p *Pool) run(task func()) {
	if p == nil {
		task()
		return
	}
	if err := p.pool.Submit(task); err != nil {
		go task()
	}
}

// Running reports how many dispatches are in progress.
func (p *Pool) Running() int {
	if p == nil {
		return 0
	}
	return p.pool.Running()
}

func (p *Pool) Release() {
	if p != nil {
		p.pool.Release()
	}
}
