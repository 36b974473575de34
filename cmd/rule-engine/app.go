package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"slices"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"rulecore/internal/api"
	"rulecore/internal/chainsync"
	"rulecore/internal/config"
	"rulecore/internal/constants"
	"rulecore/internal/consumer"
	"rulecore/internal/engine"
	"rulecore/internal/ingest"
	"rulecore/internal/logger"
	"rulecore/internal/nodes"
	"rulecore/internal/nodes/external"
	"rulecore/internal/partition"
	"rulecore/internal/store"
	"rulecore/pkg/bootstrap"
	"rulecore/pkg/cel"
	"rulecore/pkg/health"
	"rulecore/pkg/logging"
	"rulecore/pkg/metrics"
	"rulecore/pkg/retry"
	"rulecore/pkg/tracing"
)

// auditLog is the failure and delivery log, backed by PostgreSQL when
// configured.
type auditLog interface {
	engine.FailureRecorder
	store.DeliveryLog
	api.FailureLister
}

// chainEvents both announces and receives chain events.
type chainEvents interface {
	chainsync.Publisher
	chainsync.Source
}

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector
	redis       *redis.Client
	postgres    *sql.DB
	mongo       *mongo.Client

	partitions   *partition.Service
	watcher      *partition.Watcher
	factory      *engine.NodeFactory
	registry     *engine.Registry
	router       *engine.Router
	consumers    *consumer.Manager
	chains       store.ChainRepository
	syncer       *chainsync.Syncer
	events       chainEvents
	dispatchers  []external.Dispatcher
	dispatchPool *external.Pool

	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return err
	}

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName, a.Config.Cluster.NodeID)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterRuleEngineMetrics()
	metrics.RegisterConsumerMetrics()
	metrics.RegisterAPIMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.InitBroker(ctx); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initPartitions(); err != nil {
		return fmt.Errorf("failed to initialize partitions: %w", err)
	}

	audit, err := a.initEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}

	a.consumers = consumer.NewManager(a.Broker, a.router, a.partitions, a.Config.Consumer, a.Logger)

	a.initChainSync()

	a.initHTTPServer(ctx, audit)
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	a.redis = rdb

	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	a.postgres = db

	mc, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize MongoDB: %w", err)
	}
	a.mongo = mc
	return nil
}

func (a *App) initPartitions() error {
	cluster := a.Config.Cluster
	a.partitions = partition.NewService(cluster.NodeID, a.Logger)
	a.partitions.SetIsolatedTenants(cluster.IsolatedTenants)

	for _, q := range a.Config.Queues {
		if err := a.partitions.RegisterQueue(partition.RuleEngineKey(q.Name), q.Partitions); err != nil {
			return err
		}
	}

	var discovery partition.Discovery
	switch cluster.Discovery {
	case config.DiscoveryRedis:
		if a.redis == nil {
			return fmt.Errorf("redis discovery requires database.redis")
		}
		discovery = partition.NewRedisDiscovery(a.redis, cluster.NodeID, cluster.MemberTTL)
	default:
		discovery = partition.NewStaticDiscovery(cluster.Members)
	}
	a.watcher = partition.NewWatcher(discovery, a.partitions, cluster.HeartbeatInterval, a.Logger)

	a.Logger.Infow("Partition service initialized",
		"node_id", cluster.NodeID,
		"discovery", cluster.Discovery,
		"isolated_tenants", len(cluster.IsolatedTenants),
	)
	return nil
}

// initEngine builds the stores, node types, registry and router.
func (a *App) initEngine() (auditLog, error) {
	var state store.NodeStateStore = store.NewMemoryNodeStateStore()
	var idempotency store.IdempotencyRepository = store.NewMemoryIdempotency()
	if a.redis != nil {
		state = store.NewRedisNodeStateStore(a.redis)
		idempotency = store.NewRedisIdempotency(a.redis)
	} else {
		a.Logger.Warnw("Redis is not configured, node state and delivery claims are kept in memory")
	}
	if a.Config.CircuitBreaker.Enabled {
		state = store.NewCircuitBreakerNodeStateStore(state, a.Config.CircuitBreaker)
		a.Logger.Infow("Circuit breaker enabled for node state store")
	}

	var audit auditLog = store.NewMemoryAudit(constants.MaxLimit)
	if a.postgres != nil {
		audit = store.NewPostgresAudit(a.postgres)
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}

	a.dispatchers = a.initDispatchers(idempotency)
	if len(a.dispatchers) > 0 {
		pool, err := external.NewPool(a.Config.External.DispatchPoolSize, a.Logger)
		if err != nil {
			return nil, err
		}
		a.dispatchPool = pool
	}

	a.factory = engine.NewNodeFactory()
	nodes.Register(a.factory, nodes.Deps{
		Evaluator:     evaluator,
		State:         state,
		Deduplication: a.Config.Deduplication,
		Dispatchers:   a.dispatchers,
		DispatchPool:  a.dispatchPool,
		Deliveries:    audit,

		Redis:          a.redis,
		Postgres:       a.postgres,
		Mongo:          a.mongo,
		MongoDatabase:  a.Config.Database.MongoDB.Database,
		HTTPTimeout:    a.Config.Enrichment.HTTPTimeout,
		CircuitBreaker: a.Config.CircuitBreaker,
	})

	a.registry = engine.NewRegistry(a.Logger)
	re := a.Config.RuleEngine
	router, err := engine.NewRouter(engine.Config{
		MaxHops:            re.MaxHops,
		NodeTimeout:        re.NodeTimeout,
		WorkerPoolSize:     re.WorkerPoolSize,
		ContinuationBuffer: re.ContinuationBuffer,
		ForceAck:           re.ForceAck,
	}, a.registry, audit, a.Logger)
	if err != nil {
		return nil, err
	}
	a.router = router
	a.factory.SetEmitterSource(router)
	return audit, nil
}

// initDispatchers opens one dispatcher per configured external transport.
func (a *App) initDispatchers(idempotency store.IdempotencyRepository) []external.Dispatcher {
	ext := a.Config.External
	var raw []external.Dispatcher
	if len(ext.Kafka.Brokers) > 0 {
		raw = append(raw, external.NewKafkaDispatcher(ext.Kafka.Brokers))
	}
	if ext.MQTT.BrokerURL != "" {
		raw = append(raw, external.NewMQTTDispatcher(ext.MQTT))
	}
	if ext.NATS.URL != "" {
		raw = append(raw, external.NewNATSDispatcher(ext.NATS))
	}
	if ext.RabbitMQ.URL != "" {
		raw = append(raw, external.NewRabbitMQDispatcher(ext.RabbitMQ.URL))
	}

	out := make([]external.Dispatcher, 0, len(raw))
	for _, d := range raw {
		out = append(out, external.Wrap(d, idempotency, ext.IdempotencyTTL, a.Config.CircuitBreaker))
		a.Logger.Infow("External transport enabled", "transport", d.Transport())
	}
	return out
}

func (a *App) initChainSync() {
	a.chains = store.NewMemoryChainRepository()
	if a.mongo != nil {
		a.chains = store.NewMongoChainRepository(a.dbConnector.MongoDatabase(a.mongo))
	} else {
		a.Logger.Warnw("MongoDB is not configured, rule chains are kept in memory")
	}

	kafkaCfg := a.Config.Broker.Kafka
	if a.Config.Broker.Type == config.BrokerKafka && kafkaCfg.ConfigUpdateTopic != "" {
		a.events = chainsync.NewKafkaEvents(kafkaCfg, a.Config.Cluster.NodeID, a.Logger)
	} else {
		a.events = chainsync.NewMemoryEvents()
	}

	a.syncer = chainsync.NewSyncer(a.chains, a.factory, a.registry, a.partitions, a.Broker, a.Logger)
	a.syncer.SetPublisher(a.events)
}

func (a *App) initHTTPServer(ctx context.Context, audit auditLog) {
	checks := health.NewCheckerRegistry()
	if a.redis != nil {
		checks.Register(health.NewRedisChecker(a.redis))
	}
	if a.postgres != nil {
		checks.Register(health.NewPostgreSQLChecker(a.postgres))
	}
	if a.mongo != nil {
		checks.Register(health.NewMongoDBChecker(a.mongo))
	}
	if a.Config.Broker.Type == config.BrokerKafka {
		checks.Register(health.NewKafkaChecker(a.Config.Broker.Kafka.Brokers))
	}
	if len(a.Config.External.Kafka.Brokers) > 0 {
		checks.RegisterOptional(health.NewKafkaChecker(a.Config.External.Kafka.Brokers))
	}
	checks.Register(health.NewFuncChecker("partitions", a.checkMembership))

	ingestor := ingest.New(a.Broker, a.partitions, retry.DefaultPolicy(), constants.DefaultQueueName, a.Logger)

	handler := &api.Handler{
		Syncer:     a.syncer,
		Chains:     a.chains,
		Partitions: a.partitions,
		Consumers:  a.consumers,
		Failures:   audit,
		Ingest:     ingestor,
		Factory:    a.factory,
		Events:     a.events,
		Logger:     a.Logger,
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      api.NewRouter(ctx, a.Config, handler, checks, a.Logger),
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds * time.Second,
	}
}

// checkMembership fails until this node appears in the current assignment.
func (a *App) checkMembership(ctx context.Context) error {
	snap := a.partitions.Snapshot()
	if !slices.Contains(snap.Members(), a.Config.Cluster.NodeID) {
		return fmt.Errorf("node %s is not a cluster member (assignment v%d)", a.Config.Cluster.NodeID, snap.Version())
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	if err := a.syncer.LoadAll(ctx); err != nil {
		return fmt.Errorf("failed to load rule chains: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.watcher.Run(gCtx)
	})

	g.Go(func() error {
		return a.router.Run(gCtx)
	})

	g.Go(func() error {
		syncCtx := logging.WithServiceName(gCtx, constants.ServiceName)
		a.Logger.InfowCtx(syncCtx, "Starting chain event listener", "topic", a.Config.Broker.Kafka.ConfigUpdateTopic)
		return a.syncer.Run(gCtx, a.events)
	})

	g.Go(func() error {
		return a.consumers.Run(gCtx)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down rule engine")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			serverCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(serverCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.router != nil {
			a.router.Close()
		}
		if a.registry != nil {
			a.registry.Close()
		}

		a.dispatchPool.Release()
		for _, d := range a.dispatchers {
			if err := d.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s dispatcher close error: %w", d.Transport(), err))
			}
		}

		if a.events != nil {
			if err := a.events.Close(); err != nil {
				errs = append(errs, fmt.Errorf("chain events close error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.postgres, a.mongo)...)

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
