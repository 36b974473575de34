package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rulecore/internal/constants"
	"rulecore/internal/engine"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/metrics"
)

// ChainRepository stores the rule chain of every tenant. Save assigns the
// next version.
type ChainRepository interface {
	Save(ctx context.Context, def engine.ChainDef) (engine.ChainDef, error)
	Get(ctx context.Context, tenantID string) (engine.ChainDef, error)
	List(ctx context.Context) ([]engine.ChainDef, error)
	Delete(ctx context.Context, tenantID string) error
}

type MongoChainRepository struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func NewMongoChainRepository(db *mongo.Database) *MongoChainRepository {
	return &MongoChainRepository{
		collection: db.Collection(constants.RuleChainsCollection),
		timeout:    5 * time.Second,
	}
}

func (r *MongoChainRepository) Save(ctx context.Context, def engine.ChainDef) (engine.ChainDef, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	current, err := r.Get(ctx, def.TenantID)
	switch {
	case err == nil:
		def.ID = current.ID
		def.Version = current.Version + 1
	case apperrors.IsNotFound(err):
		if def.ID == "" {
			def.ID = uuid.NewString()
		}
		def.Version = 1
	default:
		return engine.ChainDef{}, err
	}

	filter := bson.M{"tenant_id": def.TenantID}
	if _, err := r.collection.ReplaceOne(ctx, filter, def, options.Replace().SetUpsert(true)); err != nil {
		metrics.IncDatabaseQuery("mongodb", "save_chain", "error")
		return engine.ChainDef{}, fmt.Errorf("failed to save rule chain: %w", err)
	}
	metrics.IncDatabaseQuery("mongodb", "save_chain", "success")
	return def, nil
}

func (r *MongoChainRepository) Get(ctx context.Context, tenantID string) (engine.ChainDef, error) {
	var def engine.ChainDef
	err := r.collection.FindOne(ctx, bson.M{"tenant_id": tenantID}).Decode(&def)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return engine.ChainDef{}, apperrors.ErrNotFound.WithMessage("no rule chain for tenant %s", tenantID)
	}
	if err != nil {
		metrics.IncDatabaseQuery("mongodb", "get_chain", "error")
		return engine.ChainDef{}, fmt.Errorf("failed to get rule chain: %w", err)
	}
	metrics.IncDatabaseQuery("mongodb", "get_chain", "success")
	return def, nil
}

func (r *MongoChainRepository) List(ctx context.Context) ([]engine.ChainDef, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "tenant_id", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		metrics.IncDatabaseQuery("mongodb", "list_chains", "error")
		return nil, fmt.Errorf("failed to list rule chains: %w", err)
	}
	defer cursor.Close(ctx)

	var defs []engine.ChainDef
	if err := cursor.All(ctx, &defs); err != nil {
		return nil, fmt.Errorf("failed to decode rule chains: %w", err)
	}
	metrics.IncDatabaseQuery("mongodb", "list_chains", "success")
	return defs, nil
}

func (r *MongoChainRepository) Delete(ctx context.Context, tenantID string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"tenant_id": tenantID})
	if err != nil {
		metrics.IncDatabaseQuery("mongodb", "delete_chain", "error")
		return fmt.Errorf("failed to delete rule chain: %w", err)
	}
	metrics.IncDatabaseQuery("mongodb", "delete_chain", "success")
	if res.DeletedCount == 0 {
		return apperrors.ErrNotFound.WithMessage("no rule chain for tenant %s", tenantID)
	}
	return nil
}

type MemoryChainRepository struct {
	mu     sync.RWMutex
	chains map[string]engine.ChainDef
}

func NewMemoryChainRepository() *MemoryChainRepository {
	return &MemoryChainRepository{chains: make(map[string]engine.ChainDef)}
}

func (r *MemoryChainRepository) Save(_ context.Context, def engine.ChainDef) (engine.ChainDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.chains[def.TenantID]; ok {
		def.ID = cur.ID
		def.Version = cur.Version + 1
	} else {
		if def.ID == "" {
			def.ID = uuid.NewString()
		}
		def.Version = 1
	}
	r.chains[def.TenantID] = def
	return def, nil
}

func (r *MemoryChainRepository) Get(_ context.Context, tenantID string) (engine.ChainDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.chains[tenantID]
	if !ok {
		return engine.ChainDef{}, apperrors.ErrNotFound.WithMessage("no rule chain for tenant %s", tenantID)
	}
	return def, nil
}

func (r *MemoryChainRepository) List(context.Context) ([]engine.ChainDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]engine.ChainDef, 0, len(r.chains))
	for _, def := range r.chains {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].TenantID < defs[j].TenantID })
	return defs, nil
}

func (r *MemoryChainRepository) Delete(_ context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chains[tenantID]; !ok {
		return apperrors.ErrNotFound.WithMessage("no rule chain for tenant %s", tenantID)
	}
	delete(r.chains, tenantID)
	return nil
}
