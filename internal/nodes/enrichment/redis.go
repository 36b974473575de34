package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisProvider reads a string key or a hash. String values that are not a
// JSON object come back as {"value": <raw>}.
type RedisProvider struct {
	client *redis.Client
}

func NewRedisProvider(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client}
}

func (p *RedisProvider) Name() string { return "redis" }

func (p *RedisProvider) Validate(src Source) error {
	if src.KeyPattern == "" {
		return fmt.Errorf("redis source requires a key_pattern")
	}
	return nil
}

func (p *RedisProvider) Fetch(ctx context.Context, src Source, key string) (map[string]interface{}, error) {
	redisKey := substitute(src.KeyPattern, key)

	kind, err := p.client.Type(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis type failed: %w", err)
	}
	switch kind {
	case "none":
		return nil, errNoRecord
	case "hash":
		fields, err := p.client.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall failed: %w", err)
		}
		result := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			result[k] = v
		}
		return result, nil
	}

	val, err := p.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return map[string]interface{}{"value": val}, nil
	}
	return result, nil
}
