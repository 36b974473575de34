package enrichment

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/engine/enginetest"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisProviderFetch(t *testing.T) {
	mr, client := setupRedis(t)
	require.NoError(t, mr.Set("device:dev-1", `{"name":"Boiler","floor":3}`))
	require.NoError(t, mr.Set("label:dev-2", "plain text"))
	mr.HSet("profile:dev-3", "owner", "ops", "tier", "gold")

	p := NewRedisProvider(client)
	ctx := context.Background()

	rec, err := p.Fetch(ctx, Source{KeyPattern: "device:{value}"}, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Boiler", rec["name"])
	assert.Equal(t, 3.0, rec["floor"])

	rec, err = p.Fetch(ctx, Source{KeyPattern: "label:{field_value}"}, "dev-2")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"value": "plain text"}, rec)

	rec, err = p.Fetch(ctx, Source{KeyPattern: "profile:{value}"}, "dev-3")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"owner": "ops", "tier": "gold"}, rec)

	_, err = p.Fetch(ctx, Source{KeyPattern: "device:{value}"}, "dev-9")
	assert.ErrorIs(t, err, errNoRecord)
}

func TestRedisProviderUnavailable(t *testing.T) {
	mr, client := setupRedis(t)
	mr.Close()

	_, err := NewRedisProvider(client).Fetch(context.Background(), Source{KeyPattern: "device:{value}"}, "dev-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errNoRecord)
}

func TestRedisEnrichmentNode(t *testing.T) {
	mr, client := setupRedis(t)
	mr.HSet("serial:SN-42", "model", "X200", "firmware", "1.4.2")

	n := newEnrichmentNode(t, NewRedisProvider(client), `{
		"source": {"key_pattern": "serial:{value}"},
		"key": "metadata.serial",
		"fields": {"model": "model", "fw": "firmware"}
	}`)
	ctx := enginetest.NewContext("t1", "enr-1")
	require.NoError(t, n.Process(ctx, reading()))
	out := successOf(t, ctx)
	assert.Equal(t, "X200", out.Metadata.Value("model"))
	assert.Equal(t, "1.4.2", out.Metadata.Value("fw"))
}
