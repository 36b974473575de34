// Package nodes registers every built-in rule node type.
package nodes

import (
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"rulecore/internal/config"
	"rulecore/internal/engine"
	"rulecore/internal/nodes/action"
	"rulecore/internal/nodes/dedup"
	"rulecore/internal/nodes/enrichment"
	"rulecore/internal/nodes/external"
	"rulecore/internal/nodes/filter"
	"rulecore/internal/nodes/transform"
	"rulecore/internal/store"
	"rulecore/pkg/cel"
)

// Deps are the shared dependencies closed over by node constructors.
type Deps struct {
	Evaluator     *cel.Evaluator
	State         store.NodeStateStore
	Deduplication config.DeduplicationConfig
	// Dispatchers by transport name; each registers "external/<transport>".
	Dispatchers []external.Dispatcher
	Deliveries  store.DeliveryLog
	// DispatchPool runs force-acked dispatches; nil dispatches inline.
	DispatchPool *external.Pool

	// Enrichment sources; a nil client leaves its node type unregistered.
	Redis          *redis.Client
	Postgres       *sql.DB
	Mongo          *mongo.Client
	MongoDatabase  string
	HTTPTimeout    time.Duration
	CircuitBreaker config.CircuitBreakerConfig
}

// Register adds all node types to f.
func Register(f *engine.NodeFactory, deps Deps) {
	f.Register(filter.TypeScript, filter.NewScript(deps.Evaluator))
	f.Register(filter.TypeMsgTypeSwitch, filter.NewMsgTypeSwitch())
	f.Register(filter.TypeMsgTypeFilter, filter.NewMsgTypeFilter())
	f.Register(transform.TypeRenameKeys, transform.NewRenameKeys())
	f.Register(transform.TypeJSONPath, transform.NewJSONPath())
	f.Register(action.TypeLog, action.NewLog())
	f.Register(dedup.Type, dedup.New(deps.State, deps.Deduplication))

	f.Register(enrichment.TypeAPI, enrichment.New(enrichment.Wrap(enrichment.NewAPIProvider(deps.HTTPTimeout), deps.CircuitBreaker)))
	if deps.Redis != nil {
		f.Register(enrichment.TypeRedis, enrichment.New(enrichment.Wrap(enrichment.NewRedisProvider(deps.Redis), deps.CircuitBreaker)))
	}
	if deps.Mongo != nil {
		f.Register(enrichment.TypeMongoDB, enrichment.New(enrichment.Wrap(enrichment.NewMongoDBProvider(deps.Mongo, deps.MongoDatabase), deps.CircuitBreaker)))
	}
	if deps.Postgres != nil {
		f.Register(enrichment.TypePostgres, enrichment.New(enrichment.Wrap(enrichment.NewPostgresProvider(deps.Postgres), deps.CircuitBreaker)))
	}

	for _, d := range deps.Dispatchers {
		f.Register(external.TypePrefix+d.Transport(), external.New(d, deps.Deliveries, deps.DispatchPool))
	}
}
