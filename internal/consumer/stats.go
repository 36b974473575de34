package consumer

import "sync/atomic"

// stats counts record outcomes of one partition loop between two reports.
type stats struct {
	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	timedOut  atomic.Int64
	released  atomic.Int64
	discarded atomic.Int64
}

type Snapshot struct {
	Total     int64
	Succeeded int64
	Failed    int64
	Retried   int64
	TimedOut  int64
	Released  int64
	Discarded int64
}

// reset returns the counters and zeroes them.
func (s *stats) reset() Snapshot {
	return Snapshot{
		Total:     s.total.Swap(0),
		Succeeded: s.succeeded.Swap(0),
		Failed:    s.failed.Swap(0),
		Retried:   s.retried.Swap(0),
		TimedOut:  s.timedOut.Swap(0),
		Released:  s.released.Swap(0),
		Discarded: s.discarded.Swap(0),
	}
}

func (s Snapshot) empty() bool {
	return s.Total == 0 && s.Retried == 0 && s.Discarded == 0
}
