package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rulecore/internal/constants"
)

// EnsureMongoIndexes creates the indexes of the rule chain collection. One
// chain per tenant is enforced by a unique index.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(constants.RuleChainsCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}},
			Options: options.Index().SetName("idx_rule_chains_tenant").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "version", Value: -1}},
			Options: options.Index().SetName("idx_rule_chains_tenant_version"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}
