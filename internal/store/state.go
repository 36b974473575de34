package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"rulecore/internal/config"
	"rulecore/internal/constants"
	"rulecore/pkg/circuitbreaker"
)

// NodeStateStore keeps opaque per (node, entity) state so that stateful
// nodes survive restarts and partition moves.
type NodeStateStore interface {
	Save(ctx context.Context, nodeID, entityKey string, blob []byte) error
	Load(ctx context.Context, nodeID, entityKey string) ([]byte, bool, error)
	Delete(ctx context.Context, nodeID, entityKey string) error
	// Keys lists the entity keys holding state for nodeID.
	Keys(ctx context.Context, nodeID string) ([]string, error)
}

func stateKey(nodeID, entityKey string) string {
	return constants.KeyPrefixNodeState + nodeID + ":" + entityKey
}

type RedisNodeStateStore struct {
	client *redis.Client
}

func NewRedisNodeStateStore(client *redis.Client) *RedisNodeStateStore {
	return &RedisNodeStateStore{client: client}
}

func (s *RedisNodeStateStore) Save(ctx context.Context, nodeID, entityKey string, blob []byte) error {
	if err := s.client.Set(ctx, stateKey(nodeID, entityKey), blob, 0).Err(); err != nil {
		return fmt.Errorf("redis SET node state failed: %w", err)
	}
	return nil
}

func (s *RedisNodeStateStore) Load(ctx context.Context, nodeID, entityKey string) ([]byte, bool, error) {
	blob, err := s.client.Get(ctx, stateKey(nodeID, entityKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis GET node state failed: %w", err)
	}
	return blob, true, nil
}

func (s *RedisNodeStateStore) Delete(ctx context.Context, nodeID, entityKey string) error {
	if err := s.client.Del(ctx, stateKey(nodeID, entityKey)).Err(); err != nil {
		return fmt.Errorf("redis DEL node state failed: %w", err)
	}
	return nil
}

func (s *RedisNodeStateStore) Keys(ctx context.Context, nodeID string) ([]string, error) {
	prefix := stateKey(nodeID, "")
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN node state failed: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

type MemoryNodeStateStore struct {
	mu    sync.RWMutex
	state map[string][]byte
}

func NewMemoryNodeStateStore() *MemoryNodeStateStore {
	return &MemoryNodeStateStore{state: make(map[string][]byte)}
}

func (s *MemoryNodeStateStore) Save(_ context.Context, nodeID, entityKey string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[stateKey(nodeID, entityKey)] = append([]byte(nil), blob...)
	return nil
}

func (s *MemoryNodeStateStore) Load(_ context.Context, nodeID, entityKey string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.state[stateKey(nodeID, entityKey)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (s *MemoryNodeStateStore) Delete(_ context.Context, nodeID, entityKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, stateKey(nodeID, entityKey))
	return nil
}

func (s *MemoryNodeStateStore) Keys(_ context.Context, nodeID string) ([]string, error) {
	prefix := stateKey(nodeID, "")
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.state {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryNodeStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state)
}

// CircuitBreakerNodeStateStore fails fast while the backing store is down.
type CircuitBreakerNodeStateStore struct {
	store NodeStateStore
	cb    *circuitbreaker.Wrapper
}

func NewCircuitBreakerNodeStateStore(store NodeStateStore, cfg config.CircuitBreakerConfig) NodeStateStore {
	if !cfg.Enabled {
		return store
	}
	return &CircuitBreakerNodeStateStore{
		store: store,
		cb:    circuitbreaker.NewWrapper(circuitbreaker.FromSettings("node-state", cfg.Settings)),
	}
}

func (s *CircuitBreakerNodeStateStore) Save(ctx context.Context, nodeID, entityKey string, blob []byte) error {
	err := s.cb.Do(ctx, func() error {
		return s.store.Save(ctx, nodeID, entityKey, blob)
	})
	return s.wrap(err)
}

type loadResult struct {
	blob  []byte
	found bool
}

func (s *CircuitBreakerNodeStateStore) Load(ctx context.Context, nodeID, entityKey string) ([]byte, bool, error) {
	res, err := circuitbreaker.Execute(ctx, s.cb, func() (loadResult, error) {
		blob, found, err := s.store.Load(ctx, nodeID, entityKey)
		return loadResult{blob: blob, found: found}, err
	})
	if err != nil {
		return nil, false, s.wrap(err)
	}
	return res.blob, res.found, nil
}

func (s *CircuitBreakerNodeStateStore) Delete(ctx context.Context, nodeID, entityKey string) error {
	err := s.cb.Do(ctx, func() error {
		return s.store.Delete(ctx, nodeID, entityKey)
	})
	return s.wrap(err)
}

func (s *CircuitBreakerNodeStateStore) Keys(ctx context.Context, nodeID string) ([]string, error) {
	keys, err := circuitbreaker.Execute(ctx, s.cb, func() ([]string, error) {
		return s.store.Keys(ctx, nodeID)
	})
	return keys, s.wrap(err)
}

func (s *CircuitBreakerNodeStateStore) State() string {
	return s.cb.State().String()
}

func (s *CircuitBreakerNodeStateStore) wrap(err error) error {
	if err != nil && s.cb.IsOpen() {
		return fmt.Errorf("circuit breaker is open for %s: %w", s.cb.Name(), err)
	}
	return err
}
