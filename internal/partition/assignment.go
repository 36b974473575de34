package partition

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// Assignment is an immutable snapshot of partition ownership. A new value is
// built for every membership or queue change and never mutated afterwards.
type Assignment struct {
	version uint64
	members []string
	// owners[key][p] is the owner of partition p, or "" when unassigned.
	owners map[QueueKey][]string
}

func emptyAssignment() *Assignment {
	return &Assignment{owners: map[QueueKey][]string{}}
}

func (a *Assignment) Version() uint64 {
	return a.version
}

func (a *Assignment) Members() []string {
	return append([]string(nil), a.members...)
}

// Owner returns the owner of the partition. ok is false when the key or
// partition is unknown or no member is alive.
func (a *Assignment) Owner(key QueueKey, partition int) (string, bool) {
	owners, found := a.owners[key]
	if !found || partition < 0 || partition >= len(owners) {
		return "", false
	}
	owner := owners[partition]
	return owner, owner != ""
}

func (a *Assignment) Partitions(key QueueKey) int {
	return len(a.owners[key])
}

func (a *Assignment) Keys() []QueueKey {
	keys := make([]QueueKey, 0, len(a.owners))
	for k := range a.owners {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// OwnedBy lists, per queue key, the partitions owned by nodeID in ascending
// order. Keys with no owned partitions are omitted.
func (a *Assignment) OwnedBy(nodeID string) map[QueueKey][]int {
	out := make(map[QueueKey][]int)
	for key, owners := range a.owners {
		for p, owner := range owners {
			if owner == nodeID {
				out[key] = append(out[key], p)
			}
		}
	}
	return out
}

// computeAssignment places every partition on the member with the highest
// rendezvous weight. Members must be sorted and unique so that ties resolve
// the same way on every node.
func computeAssignment(version uint64, queues map[QueueKey]int, members []string) *Assignment {
	a := &Assignment{
		version: version,
		members: append([]string(nil), members...),
		owners:  make(map[QueueKey][]string, len(queues)),
	}

	for key, partitions := range queues {
		owners := make([]string, partitions)
		if len(members) > 0 {
			resource := key.String()
			for p := 0; p < partitions; p++ {
				owners[p] = highestWeight(members, resource+"#"+strconv.Itoa(p))
			}
		}
		a.owners[key] = owners
	}
	return a
}

func highestWeight(members []string, resource string) string {
	var (
		best      string
		bestScore uint64
	)
	for i, member := range members {
		h := fnv.New64a()
		h.Write([]byte(member))
		h.Write([]byte{':'})
		h.Write([]byte(resource))
		score := h.Sum64()
		if i == 0 || score > bestScore {
			best, bestScore = member, score
		}
	}
	return best
}

// diffOwned returns partitions gained and lost by nodeID between two snapshots.
func diffOwned(prev, next *Assignment, nodeID string) (added, revoked map[QueueKey][]int) {
	before := prev.OwnedBy(nodeID)
	after := next.OwnedBy(nodeID)
	return subtract(after, before), subtract(before, after)
}

func subtract(a, b map[QueueKey][]int) map[QueueKey][]int {
	out := make(map[QueueKey][]int)
	for key, parts := range a {
		have := make(map[int]bool, len(b[key]))
		for _, p := range b[key] {
			have[p] = true
		}
		for _, p := range parts {
			if !have[p] {
				out[key] = append(out[key], p)
			}
		}
	}
	return out
}
