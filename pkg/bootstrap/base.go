package bootstrap

import (
	"context"
	"fmt"

	"rulecore/internal/config"
	"rulecore/internal/logger"
	"rulecore/internal/partition"
	"rulecore/internal/queue"
)

type Base struct {
	Config *config.Config
	Logger logger.Logger
	Broker queue.Broker
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitBroker opens the queue broker and creates the configured system
// queues on it.
func (b *Base) InitBroker(ctx context.Context) error {
	brk, err := queue.NewBroker(b.Config.Broker, b.Logger)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	for _, q := range b.Config.Queues {
		key := partition.RuleEngineKey(q.Name)
		if err := brk.EnsureQueue(ctx, key, q.Partitions); err != nil {
			brk.Close()
			return fmt.Errorf("failed to create queue %s: %w", key, err)
		}
	}

	b.Broker = brk
	b.Logger.Infow("Broker initialized", "type", b.Config.Broker.Type, "queues", len(b.Config.Queues))
	return nil
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Broker != nil {
		if err := b.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.ShutdownBroker()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
