package partition

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rulecore/internal/constants"
	"rulecore/internal/logger"
	"rulecore/pkg/retry"
)

// Member is a live cluster node.
type Member struct {
	ID       string
	LastSeen time.Time
}

type Discovery interface {
	Heartbeat(ctx context.Context) error
	Members(ctx context.Context) ([]Member, error)
	Leave(ctx context.Context) error
}

// StaticDiscovery reports a fixed member list.
type StaticDiscovery struct {
	members []string
}

func NewStaticDiscovery(members []string) *StaticDiscovery {
	return &StaticDiscovery{members: append([]string(nil), members...)}
}

func (d *StaticDiscovery) Heartbeat(context.Context) error { return nil }
func (d *StaticDiscovery) Leave(context.Context) error     { return nil }

func (d *StaticDiscovery) Members(context.Context) ([]Member, error) {
	now := time.Now()
	out := make([]Member, len(d.members))
	for i, id := range d.members {
		out[i] = Member{ID: id, LastSeen: now}
	}
	return out, nil
}

// RedisDiscovery keeps one expiring key per node. A node is a member for as
// long as its key exists.
type RedisDiscovery struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
}

func NewRedisDiscovery(client *redis.Client, nodeID string, ttl time.Duration) *RedisDiscovery {
	return &RedisDiscovery{client: client, nodeID: nodeID, ttl: ttl}
}

func memberKey(nodeID string) string {
	return constants.KeyPrefixClusterMember + nodeID
}

func (d *RedisDiscovery) Heartbeat(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := d.client.Set(ctx, memberKey(d.nodeID), now, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to heartbeat %s: %w", d.nodeID, err)
	}
	return nil
}

func (d *RedisDiscovery) Leave(ctx context.Context) error {
	return d.client.Del(ctx, memberKey(d.nodeID)).Err()
}

func (d *RedisDiscovery) Members(ctx context.Context) ([]Member, error) {
	var keys []string
	iter := d.client.Scan(ctx, 0, constants.KeyPrefixClusterMember+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan members: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members: %w", err)
	}

	members := make([]Member, 0, len(keys))
	for i, key := range keys {
		raw, ok := values[i].(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		ms, _ := strconv.ParseInt(raw, 10, 64)
		members = append(members, Member{
			ID:       strings.TrimPrefix(key, constants.KeyPrefixClusterMember),
			LastSeen: time.UnixMilli(ms),
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

// Watcher heartbeats through a Discovery and recalculates the assignment
// whenever the member set changes.
type Watcher struct {
	discovery Discovery
	service   *Service
	interval  time.Duration
	log       logger.Logger

	last string
}

func NewWatcher(discovery Discovery, service *Service, interval time.Duration, log logger.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{discovery: discovery, service: service, interval: interval, log: log}
}

// Run blocks until ctx is done. The first membership read is retried so that
// a node does not start with an empty assignment because of a blip.
func (w *Watcher) Run(ctx context.Context) error {
	err := retry.RetryWithCallback(ctx, retry.DefaultPolicy(), func() error {
		return w.Refresh(ctx)
	}, func(attempt int, err error, next time.Duration) {
		w.log.Warnw("Initial membership refresh failed", "attempt", attempt, "error", err, "next_retry", next)
	})
	if err != nil {
		return fmt.Errorf("failed initial membership refresh: %w", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := w.discovery.Leave(leaveCtx); err != nil {
				w.log.Warnw("Failed to leave cluster", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := w.Refresh(ctx); err != nil {
				// keep the previous assignment on transient discovery errors
				w.log.Warnw("Membership refresh failed", "error", err)
			}
		}
	}
}

// Refresh heartbeats, reads members, and recalculates on change.
func (w *Watcher) Refresh(ctx context.Context) error {
	if err := w.discovery.Heartbeat(ctx); err != nil {
		return err
	}
	members, err := w.discovery.Members(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	sort.Strings(ids)
	fingerprint := strings.Join(ids, ",")
	if fingerprint == w.last && w.service.Snapshot().Version() > 0 {
		return nil
	}
	w.last = fingerprint

	w.log.Infow("Cluster membership changed", "members", ids)
	w.service.Recalculate(members)
	return nil
}
