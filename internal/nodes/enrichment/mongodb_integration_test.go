//go:build integration

package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"rulecore/internal/engine/enginetest"
)

func setupMongo(t *testing.T) *mongo.Client {
	t.Helper()
	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:6",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start mongo container")
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(ctx) })
	return client
}

func TestMongoDBEnrichment(t *testing.T) {
	client := setupMongo(t)
	ctx := context.Background()
	coll := client.Database("inventory").Collection("devices")
	_, err := coll.InsertMany(ctx, []interface{}{
		bson.M{"_id": "dev-1", "name": "Boiler", "serial": "SN-42", "location": bson.M{"floor": 3}},
		bson.M{"_id": "dev-2", "name": "Chiller", "serial": "SN-43"},
	})
	require.NoError(t, err)

	p := NewMongoDBProvider(client, "inventory")

	rec, err := p.Fetch(ctx, Source{Collection: "devices"}, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Boiler", rec["name"])

	rec, err = p.Fetch(ctx, Source{Collection: "devices", Field: "serial"}, "SN-43")
	require.NoError(t, err)
	assert.Equal(t, "dev-2", rec["_id"])

	rec, err = p.Fetch(ctx, Source{Database: "inventory", Collection: "devices", Query: map[string]interface{}{"serial": "{value}"}}, "SN-42")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", rec["_id"])

	_, err = p.Fetch(ctx, Source{Collection: "devices"}, "dev-9")
	assert.ErrorIs(t, err, errNoRecord)

	n := newEnrichmentNode(t, p, `{"source":{"collection":"devices"},"fields":{"floor":"location.floor","name":"name"}}`)
	ectx := enginetest.NewContext("t1", "enr-1")
	require.NoError(t, n.Process(ectx, reading()))
	out := successOf(t, ectx)
	assert.Equal(t, "3", out.Metadata.Value("floor"))
	assert.Equal(t, "Boiler", out.Metadata.Value("name"))
}
