package enrichment

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBProvider finds one document. The filter is Query with the key
// substituted, else {Field: key}, else {_id: key}.
type MongoDBProvider struct {
	client *mongo.Client
	// database is used when the source names none.
	database string
}

func NewMongoDBProvider(client *mongo.Client, database string) *MongoDBProvider {
	return &MongoDBProvider{client: client, database: database}
}

func (p *MongoDBProvider) Name() string { return "mongodb" }

func (p *MongoDBProvider) Validate(src Source) error {
	if src.Collection == "" {
		return fmt.Errorf("mongodb source requires a collection")
	}
	if src.Database == "" && p.database == "" {
		return fmt.Errorf("mongodb source requires a database")
	}
	return nil
}

func (p *MongoDBProvider) filter(src Source, key string) bson.M {
	if len(src.Query) > 0 {
		return bson.M(substituteQuery(src.Query, key))
	}
	if src.Field != "" {
		return bson.M{src.Field: key}
	}
	return bson.M{"_id": key}
}

func (p *MongoDBProvider) Fetch(ctx context.Context, src Source, key string) (map[string]interface{}, error) {
	database := src.Database
	if database == "" {
		database = p.database
	}
	coll := p.client.Database(database).Collection(src.Collection)

	var result bson.M
	err := coll.FindOne(ctx, p.filter(src, key), options.FindOne()).Decode(&result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb query failed: %w", err)
	}
	return result, nil
}
