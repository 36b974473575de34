package partition

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"rulecore/internal/logger"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/metrics"
)

// ChangeEvent describes how the local node's ownership changed between two
// assignment snapshots.
type ChangeEvent struct {
	Previous *Assignment
	Current  *Assignment
	Added    map[QueueKey][]int
	Revoked  map[QueueKey][]int
}

// Listener is called synchronously, in order, for every published snapshot.
type Listener func(ChangeEvent)

// Service owns the cluster-wide partition assignment. Readers use Snapshot
// or the lookup helpers and always observe one complete assignment.
type Service struct {
	nodeID string
	log    logger.Logger

	current  atomic.Pointer[Assignment]
	isolated atomic.Pointer[map[string]bool]

	mu        sync.Mutex
	queues    map[QueueKey]int
	members   []string
	listeners []Listener
}

func NewService(nodeID string, log logger.Logger) *Service {
	s := &Service{
		nodeID: nodeID,
		log:    log,
		queues: make(map[QueueKey]int),
	}
	s.current.Store(emptyAssignment())
	empty := map[string]bool{}
	s.isolated.Store(&empty)
	return s
}

func (s *Service) NodeID() string {
	return s.nodeID
}

func (s *Service) Snapshot() *Assignment {
	return s.current.Load()
}

func (s *Service) AssignmentFor(key QueueKey, partition int) (string, bool) {
	return s.Snapshot().Owner(key, partition)
}

// Owner is AssignmentFor returning ErrUnavailable for unassigned partitions.
func (s *Service) Owner(key QueueKey, partition int) (string, error) {
	owner, ok := s.AssignmentFor(key, partition)
	if !ok {
		return "", apperrors.ErrUnavailable.WithMessage("%s partition %d has no owner", key, partition)
	}
	return owner, nil
}

func (s *Service) OwnedBy(nodeID string) map[QueueKey][]int {
	return s.Snapshot().OwnedBy(nodeID)
}

func (s *Service) IsMine(key QueueKey, partition int) bool {
	owner, ok := s.AssignmentFor(key, partition)
	return ok && owner == s.nodeID
}

// Subscribe registers a listener. It is immediately called with the current
// ownership as an all-added event so that late subscribers catch up.
func (s *Service) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, l)
	cur := s.current.Load()
	l(ChangeEvent{
		Previous: emptyAssignment(),
		Current:  cur,
		Added:    cur.OwnedBy(s.nodeID),
		Revoked:  map[QueueKey][]int{},
	})
}

// Recalculate rebuilds the whole assignment for the given live members.
func (s *Service) Recalculate(members []Member) {
	ids := make([]string, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = ids
	s.publishLocked()
}

// RegisterQueue adds or resizes a queue and republishes the assignment.
func (s *Service) RegisterQueue(key QueueKey, partitions int) error {
	if partitions < 1 {
		return apperrors.ErrValidation.WithMessage("queue %s needs at least one partition", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues[key] == partitions {
		return nil
	}
	s.queues[key] = partitions
	s.publishLocked()
	return nil
}

func (s *Service) RemoveQueue(key QueueKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[key]; !ok {
		return
	}
	delete(s.queues, key)
	s.publishLocked()
}

// RemoveTenant drops every queue dedicated to tenantID.
func (s *Service) RemoveTenant(tenantID string) {
	if tenantID == SystemTenant {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for key := range s.queues {
		if key.TenantID == tenantID {
			delete(s.queues, key)
			changed = true
		}
	}
	if changed {
		s.publishLocked()
	}
}

// SetIsolatedTenants replaces the set of tenants that get dedicated queues.
func (s *Service) SetIsolatedTenants(tenants []string) {
	m := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		if t != SystemTenant {
			m[t] = true
		}
	}
	s.isolated.Store(&m)
}

func (s *Service) IsIsolated(tenantID string) bool {
	return (*s.isolated.Load())[tenantID]
}

// ResolveQueueKey returns the rule-engine queue that carries tenantID's
// messages on queueName.
func (s *Service) ResolveQueueKey(tenantID, queueName string) QueueKey {
	if s.IsIsolated(tenantID) {
		return NewQueueKey(ServiceRuleEngine, queueName, tenantID)
	}
	return RuleEngineKey(queueName)
}

func (s *Service) publishLocked() {
	prev := s.current.Load()
	next := computeAssignment(prev.version+1, s.queues, s.members)
	s.current.Store(next)

	added, revoked := diffOwned(prev, next, s.nodeID)
	metrics.PartitionRebalancesTotal.Inc()
	for _, key := range prev.Keys() {
		if next.Partitions(key) == 0 {
			metrics.SetPartitionsOwned(key.String(), 0)
		}
	}
	for _, key := range next.Keys() {
		metrics.SetPartitionsOwned(key.String(), len(next.OwnedBy(s.nodeID)[key]))
	}

	if len(next.members) == 0 && len(s.queues) > 0 {
		s.log.Warnw("No live members, all partitions unassigned", "version", next.version)
	}
	s.log.Infow("Partition assignment published",
		"version", next.version,
		"members", len(next.members),
		"added", describe(added),
		"revoked", describe(revoked),
	)

	event := ChangeEvent{Previous: prev, Current: next, Added: added, Revoked: revoked}
	for _, l := range s.listeners {
		l(event)
	}
}

func describe(m map[QueueKey][]int) []string {
	out := make([]string, 0, len(m))
	for key, parts := range m {
		out = append(out, fmt.Sprintf("%s%v", key, parts))
	}
	sort.Strings(out)
	return out
}
