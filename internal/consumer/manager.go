package consumer

import (
	"context"
	"sort"
	"sync"
	"time"

	"rulecore/internal/config"
	"rulecore/internal/logger"
	"rulecore/internal/partition"
	"rulecore/internal/queue"
)

type loopKey struct {
	key       partition.QueueKey
	partition int
}

// Manager keeps one PartitionLoop running for every partition this node
// owns, following the assignment published by the partition service.
type Manager struct {
	consumer   queue.Consumer
	router     Router
	partitions *partition.Service
	cfg        config.ConsumerConfig
	log        logger.Logger

	mu       sync.Mutex
	ctx      context.Context
	loops    map[loopKey]*PartitionLoop
	stopping map[loopKey]chan struct{}
	wg       sync.WaitGroup
}

func NewManager(c queue.Consumer, r Router, partitions *partition.Service, cfg config.ConsumerConfig, log logger.Logger) *Manager {
	return &Manager{
		consumer:   c,
		router:     r,
		partitions: partitions,
		cfg:        withDefaults(cfg),
		log:        log,
		loops:      make(map[loopKey]*PartitionLoop),
		stopping:   make(map[loopKey]chan struct{}),
	}
}

func withDefaults(cfg config.ConsumerConfig) config.ConsumerConfig {
	if cfg.Mode == "" {
		cfg.Mode = config.ModeSequential
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = cfg.MaxPollRecords
	}
	if cfg.Retry.Strategy == "" {
		cfg.Retry.Strategy = config.StrategyRetryFailed
	}
	return cfg
}

// Run consumes until ctx is cancelled, then stops every loop and waits for
// them to exit.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	m.partitions.Subscribe(m.onChange)
	m.log.Infow("Consumer manager started", "mode", m.cfg.Mode, "retry_strategy", m.cfg.Retry.Strategy)

	var tick <-chan time.Time
	if m.cfg.StatsInterval > 0 {
		ticker := time.NewTicker(m.cfg.StatsInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for lk, l := range m.loops {
				l.stop()
				delete(m.loops, lk)
			}
			m.mu.Unlock()
			m.wg.Wait()
			m.log.Infow("Consumer manager stopped")
			return nil
		case <-tick:
			m.reportStats()
		}
	}
}

func (m *Manager) onChange(ev partition.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}

	for key, parts := range ev.Revoked {
		for _, p := range parts {
			m.stopLocked(loopKey{key: key, partition: p})
		}
	}
	for key, parts := range ev.Added {
		for _, p := range parts {
			m.startLocked(loopKey{key: key, partition: p})
		}
	}
}

func (m *Manager) startLocked(lk loopKey) {
	if _, running := m.loops[lk]; running {
		return
	}
	l := newPartitionLoop(lk.key, lk.partition, m.consumer, m.router, m.cfg, m.log)
	ctx, cancel := context.WithCancel(m.ctx)
	l.cancel = cancel
	m.loops[lk] = l

	prev := m.stopping[lk]
	delete(m.stopping, lk)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// The previous owner loop of this partition must be gone before
		// reading resumes from the committed offset.
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}
		l.run(ctx)
	}()
}

// stopLocked cancels the loop at once; records it still resolves are not
// committed.
func (m *Manager) stopLocked(lk loopKey) {
	l, ok := m.loops[lk]
	if !ok {
		return
	}
	l.stop()
	delete(m.loops, lk)
	m.stopping[lk] = l.done
	m.log.Infow("Partition revoked", "queue", lk.key.String(), "partition", lk.partition)
}

// Active returns the partitions currently consumed, per queue.
func (m *Manager) Active() map[partition.QueueKey][]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[partition.QueueKey][]int)
	for lk := range m.loops {
		out[lk.key] = append(out[lk.key], lk.partition)
	}
	for _, parts := range out {
		sort.Ints(parts)
	}
	return out
}

// Stats returns and resets the counters of every running loop.
func (m *Manager) Stats() map[partition.QueueKey]Snapshot {
	m.mu.Lock()
	loops := make([]*PartitionLoop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.Unlock()

	out := make(map[partition.QueueKey]Snapshot)
	for _, l := range loops {
		s := l.stats.reset()
		agg := out[l.key]
		agg.Total += s.Total
		agg.Succeeded += s.Succeeded
		agg.Failed += s.Failed
		agg.Retried += s.Retried
		agg.TimedOut += s.TimedOut
		agg.Released += s.Released
		agg.Discarded += s.Discarded
		out[l.key] = agg
	}
	return out
}

func (m *Manager) reportStats() {
	for key, s := range m.Stats() {
		if s.empty() {
			continue
		}
		m.log.Infow("Consumer statistics",
			"queue", key.String(),
			"total", s.Total,
			"succeeded", s.Succeeded,
			"failed", s.Failed,
			"retried", s.Retried,
			"timed_out", s.TimedOut,
			"released", s.Released,
			"discarded", s.Discarded,
		)
	}
}
