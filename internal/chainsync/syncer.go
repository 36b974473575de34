// Package chainsync keeps the local rule chain registry and queue set in
// line with the stored configuration and the cluster's change events.
package chainsync

import (
	"context"
	"fmt"
	"time"

	"rulecore/internal/engine"
	"rulecore/internal/logger"
	"rulecore/internal/partition"
	"rulecore/internal/queue"
	"rulecore/internal/store"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/metrics"
	"rulecore/pkg/models"
)

type Syncer struct {
	repo       store.ChainRepository
	factory    *engine.NodeFactory
	registry   *engine.Registry
	partitions *partition.Service
	admin      queue.Admin
	publisher  Publisher
	log        logger.Logger
}

func NewSyncer(repo store.ChainRepository, factory *engine.NodeFactory, registry *engine.Registry,
	partitions *partition.Service, admin queue.Admin, log logger.Logger) *Syncer {
	return &Syncer{
		repo:       repo,
		factory:    factory,
		registry:   registry,
		partitions: partitions,
		admin:      admin,
		log:        log,
	}
}

// SetPublisher makes Save and Delete announce their changes to the cluster.
func (s *Syncer) SetPublisher(p Publisher) {
	s.publisher = p
}

// Save validates def, stores it and makes it active on this node. Other
// nodes pick it up from the published event.
func (s *Syncer) Save(ctx context.Context, def engine.ChainDef) (engine.ChainDef, error) {
	if err := engine.Validate(def, s.factory, s.log); err != nil {
		return engine.ChainDef{}, err
	}
	saved, err := s.repo.Save(ctx, def)
	if err != nil {
		return engine.ChainDef{}, fmt.Errorf("failed to save rule chain: %w", err)
	}
	if err := s.Apply(saved); err != nil {
		return engine.ChainDef{}, err
	}
	s.announce(ctx, models.ChainEvent{
		EventType: models.EventTypeChainUpdated,
		TenantID:  saved.TenantID,
		ChainID:   saved.ID,
		Action:    models.ActionSaved,
		Version:   saved.Version,
	})
	return saved, nil
}

// Delete removes the tenant's chain from storage and from this node.
func (s *Syncer) Delete(ctx context.Context, tenantID string) error {
	if err := s.repo.Delete(ctx, tenantID); err != nil {
		return err
	}
	s.registry.Remove(tenantID)
	s.announce(ctx, models.ChainEvent{
		EventType: models.EventTypeChainUpdated,
		TenantID:  tenantID,
		Action:    models.ActionDeleted,
	})
	return nil
}

// announce publishes ev. A lost event only delays other nodes until their
// next restart, so it is logged and not returned.
func (s *Syncer) announce(ctx context.Context, ev models.ChainEvent) {
	if s.publisher == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Errorw("Failed to publish chain event", "tenant_id", ev.TenantID, "action", ev.Action, "error", err)
	}
}

// LoadAll publishes every stored chain. A chain that fails to load is
// logged and skipped so that other tenants still start.
func (s *Syncer) LoadAll(ctx context.Context) error {
	defs, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rule chains: %w", err)
	}

	loaded := 0
	for _, def := range defs {
		if err := s.Apply(def); err != nil {
			s.log.Errorw("Failed to load rule chain", "tenant_id", def.TenantID, "version", def.Version, "error", err)
			continue
		}
		loaded++
	}
	s.log.Infow("Rule chains loaded", "loaded", loaded, "total", len(defs))
	return nil
}

// Apply loads def and publishes it. On error the tenant keeps its current
// chain.
func (s *Syncer) Apply(def engine.ChainDef) error {
	chain, err := engine.Load(def, s.factory, s.log)
	if err != nil {
		metrics.ChainLoadsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ChainLoadsTotal.WithLabelValues("success").Inc()
	s.registry.Publish(chain)
	return nil
}

// Handle applies one chain event.
func (s *Syncer) Handle(ctx context.Context, ev models.ChainEvent) error {
	s.log.Infow("Received chain event",
		"event_type", ev.EventType,
		"action", ev.Action,
		"tenant_id", ev.TenantID,
		"version", ev.Version,
	)

	switch ev.EventType {
	case models.EventTypeChainUpdated:
		if ev.Action == models.ActionDeleted {
			s.registry.Remove(ev.TenantID)
			return nil
		}
		return s.reload(ctx, ev)
	case models.EventTypeTenantDeleted:
		s.registry.Remove(ev.TenantID)
		s.partitions.RemoveTenant(ev.TenantID)
		return nil
	case models.EventTypeQueueUpdated:
		return s.updateQueue(ctx, ev)
	default:
		s.log.Warnw("Ignoring unknown chain event", "event_type", ev.EventType)
		return nil
	}
}

func (s *Syncer) reload(ctx context.Context, ev models.ChainEvent) error {
	if cur, ok := s.registry.Get(ev.TenantID); ok && ev.Version > 0 && cur.Version() >= ev.Version {
		s.log.Debugw("Skipping stale chain event", "tenant_id", ev.TenantID, "version", ev.Version, "active", cur.Version())
		return nil
	}

	def, err := s.repo.Get(ctx, ev.TenantID)
	if apperrors.IsNotFound(err) {
		s.registry.Remove(ev.TenantID)
		return nil
	}
	if err != nil {
		return err
	}
	return s.Apply(def)
}

func (s *Syncer) updateQueue(ctx context.Context, ev models.ChainEvent) error {
	key := s.partitions.ResolveQueueKey(ev.TenantID, ev.QueueName)
	if ev.Action == models.ActionDeleted {
		s.partitions.RemoveQueue(key)
		return nil
	}
	if s.admin != nil {
		if err := s.admin.EnsureQueue(ctx, key, ev.Partitions); err != nil {
			return fmt.Errorf("failed to create queue %s: %w", key, err)
		}
	}
	return s.partitions.RegisterQueue(key, ev.Partitions)
}

// Run applies events from src until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, src Source) error {
	return src.Run(ctx, s.Handle)
}
