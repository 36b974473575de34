package nodes

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/config"
	"rulecore/internal/engine"
	"rulecore/internal/nodes/enrichment"
	"rulecore/internal/nodes/external"
	"rulecore/internal/store"
	"rulecore/pkg/cel"
)

func TestRegisterAllTypes(t *testing.T) {
	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)

	f := engine.NewNodeFactory()
	Register(f, Deps{
		Evaluator:     evaluator,
		State:         store.NewMemoryNodeStateStore(),
		Deduplication: config.DeduplicationConfig{},
		Dispatchers: []external.Dispatcher{
			external.NewKafkaDispatcher([]string{"localhost:9092"}),
			external.NewNATSDispatcher(config.NATSConfig{URL: "nats://localhost:4222"}),
		},
		Deliveries: store.NewMemoryAudit(10),
		Redis:      redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
	})

	assert.ElementsMatch(t, []string{
		"filter/script", "filter/msg_type_switch", "filter/msg_type_filter",
		"transform/rename_keys", "transform/json_path", "action/log",
		"deduplication", "external/kafka", "external/nats",
		"enrichment/api", "enrichment/redis",
	}, f.Types())

	n, ok := f.Create("external/kafka")
	require.True(t, ok)
	assert.IsType(t, &external.Node{}, n)

	e, ok := f.Create("enrichment/redis")
	require.True(t, ok)
	assert.IsType(t, &enrichment.Node{}, e)
	_, ok = f.Create("enrichment/postgres")
	assert.False(t, ok)
}
