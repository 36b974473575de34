package consumer

import (
	"sync"

	"rulecore/internal/queue"
)

// commitTracker orders the resolution of in-flight records of one
// partition. Records may resolve in any order, but the committable position
// only advances over a contiguous prefix of resolved records.
type commitTracker struct {
	mu      sync.Mutex
	entries []trackedRecord
}

type trackedRecord struct {
	rec  queue.Record
	done bool
	// held records block the prefix until they are redelivered.
	held bool
}

func (t *commitTracker) track(rec queue.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, trackedRecord{rec: rec})
}

// resolve marks offset as done and returns the last record of the newly
// contiguous prefix, if the prefix moved.
func (t *commitTracker) resolve(offset int64) (queue.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].rec.Offset == offset {
			t.entries[i].done = true
			break
		}
	}

	var last queue.Record
	moved := false
	for len(t.entries) > 0 && t.entries[0].done && !t.entries[0].held {
		last = t.entries[0].rec
		t.entries = t.entries[1:]
		moved = true
	}
	return last, moved
}

// hold pins offset so that nothing at or after it is committed.
func (t *commitTracker) hold(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].rec.Offset == offset {
			t.entries[i].held = true
			return
		}
	}
}

func (t *commitTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
