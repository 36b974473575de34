package config

import (
	"errors"
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	for _, validate := range []func(*Config) error{
		validateServer,
		validateBroker,
		validateCluster,
		validateQueues,
		validateRuleEngine,
		validateConsumer,
		validateDatabase,
		validateDeduplication,
	} {
		if err := validate(cfg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validateServer(cfg *Config) error {
	s := cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: fmt.Sprintf("port must be between 1 and 65535, got %d", s.Port)}
	}
	if s.ReadTimeoutSeconds <= 0 {
		return &ValidationError{Field: "server.read_timeout_seconds", Message: "read timeout must be positive"}
	}
	if s.WriteTimeoutSeconds <= 0 {
		return &ValidationError{Field: "server.write_timeout_seconds", Message: "write timeout must be positive"}
	}
	return nil
}

func validateBroker(cfg *Config) error {
	switch cfg.Broker.Type {
	case BrokerMemory:
		return nil
	case BrokerKafka:
		k := cfg.Broker.Kafka
		if len(k.Brokers) == 0 {
			return &ValidationError{Field: "broker.kafka.brokers", Message: "at least one Kafka broker is required"}
		}
		for i, b := range k.Brokers {
			if b == "" {
				return &ValidationError{Field: fmt.Sprintf("broker.kafka.brokers[%d]", i), Message: "broker address cannot be empty"}
			}
		}
		if k.GroupID == "" {
			return &ValidationError{Field: "broker.kafka.group_id", Message: "Kafka consumer group ID is required"}
		}
		return nil
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, memory)", cfg.Broker.Type),
		}
	}
}

func validateCluster(cfg *Config) error {
	c := cfg.Cluster
	if c.NodeID == "" {
		return &ValidationError{Field: "cluster.node_id", Message: "node ID is required"}
	}
	switch c.Discovery {
	case DiscoveryStatic:
		if len(c.Members) == 0 {
			return &ValidationError{Field: "cluster.members", Message: "static discovery needs at least one member"}
		}
	case DiscoveryRedis:
		if !cfg.Database.Redis.Enabled() {
			return &ValidationError{Field: "cluster.discovery", Message: "redis discovery requires database.redis"}
		}
		if c.MemberTTL <= c.HeartbeatInterval {
			return &ValidationError{Field: "cluster.member_ttl", Message: "member TTL must exceed the heartbeat interval"}
		}
	default:
		return &ValidationError{Field: "cluster.discovery", Message: fmt.Sprintf("unknown discovery: %s (supported: static, redis)", c.Discovery)}
	}
	return nil
}

func validateQueues(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Queues))
	for i, q := range cfg.Queues {
		if q.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("queues[%d].name", i), Message: "queue name is required"}
		}
		if seen[q.Name] {
			return &ValidationError{Field: fmt.Sprintf("queues[%d].name", i), Message: fmt.Sprintf("duplicate queue %s", q.Name)}
		}
		seen[q.Name] = true
		if q.Partitions < 1 {
			return &ValidationError{Field: fmt.Sprintf("queues[%d].partitions", i), Message: "partitions must be positive"}
		}
	}
	return nil
}

func validateRuleEngine(cfg *Config) error {
	r := cfg.RuleEngine
	if r.MaxHops < 1 {
		return &ValidationError{Field: "rule_engine.max_hops", Message: "max hops must be positive"}
	}
	if r.NodeTimeout <= 0 {
		return &ValidationError{Field: "rule_engine.node_timeout", Message: "node timeout must be positive"}
	}
	if r.WorkerPoolSize < 1 {
		return &ValidationError{Field: "rule_engine.worker_pool_size", Message: "worker pool size must be positive"}
	}
	return nil
}

func validateConsumer(cfg *Config) error {
	c := cfg.Consumer
	if c.Mode != ModeSequential && c.Mode != ModePipelined {
		return &ValidationError{Field: "consumer.mode", Message: fmt.Sprintf("invalid mode: %s (valid: sequential, pipelined)", c.Mode)}
	}
	if c.MaxPollRecords < 1 {
		return &ValidationError{Field: "consumer.max_poll_records", Message: "max poll records must be positive"}
	}
	if c.PackProcessingTimeout <= 0 {
		return &ValidationError{Field: "consumer.pack_processing_timeout", Message: "pack processing timeout must be positive"}
	}
	switch c.Retry.Strategy {
	case StrategyRetryFailed, StrategyRelease, StrategySkip:
	default:
		return &ValidationError{
			Field:   "consumer.retry.strategy",
			Message: fmt.Sprintf("invalid strategy: %s (valid: retry_failed, release, skip)", c.Retry.Strategy),
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return &ValidationError{Field: "consumer.retry.max_attempts", Message: "max_attempts must be non-negative"}
	}
	if c.Retry.MaxInterval > 0 && c.Retry.MaxInterval < c.Retry.InitialInterval {
		return &ValidationError{Field: "consumer.retry.max_interval", Message: "max_interval must be greater than or equal to initial_interval"}
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	db := cfg.Database
	if db.Postgres.Enabled() {
		if db.Postgres.Port < 1 || db.Postgres.Port > 65535 {
			return &ValidationError{Field: "database.postgres.port", Message: fmt.Sprintf("port must be between 1 and 65535, got %d", db.Postgres.Port)}
		}
		if db.Postgres.User == "" {
			return &ValidationError{Field: "database.postgres.user", Message: "PostgreSQL user is required"}
		}
		if db.Postgres.DBName == "" {
			return &ValidationError{Field: "database.postgres.dbname", Message: "PostgreSQL database name is required"}
		}
		validSSLModes := map[string]bool{
			"disable": true, "allow": true, "prefer": true,
			"require": true, "verify-ca": true, "verify-full": true,
		}
		if db.Postgres.SSLMode != "" && !validSSLModes[strings.ToLower(db.Postgres.SSLMode)] {
			return &ValidationError{Field: "database.postgres.sslmode", Message: fmt.Sprintf("invalid SSL mode: %s", db.Postgres.SSLMode)}
		}
	}

	if db.Redis.Enabled() && (db.Redis.Port < 1 || db.Redis.Port > 65535) {
		return &ValidationError{Field: "database.redis.port", Message: fmt.Sprintf("port must be between 1 and 65535, got %d", db.Redis.Port)}
	}

	if db.MongoDB.Enabled() {
		if !strings.HasPrefix(db.MongoDB.URI, "mongodb://") && !strings.HasPrefix(db.MongoDB.URI, "mongodb+srv://") {
			return &ValidationError{Field: "database.mongodb.uri", Message: "MongoDB URI must start with mongodb:// or mongodb+srv://"}
		}
		if db.MongoDB.Database == "" {
			return &ValidationError{Field: "database.mongodb.database", Message: "MongoDB database name is required"}
		}
	}
	return nil
}

func validateDeduplication(cfg *Config) error {
	d := cfg.Deduplication
	if d.IntervalSeconds < 1 {
		return &ValidationError{Field: "deduplication.interval_seconds", Message: "interval must be at least one second"}
	}
	if d.MaxPendingMsgs < 1 {
		return &ValidationError{Field: "deduplication.max_pending_msgs", Message: "max pending messages must be positive"}
	}
	if d.MaxRetries < 0 {
		return &ValidationError{Field: "deduplication.max_retries", Message: "max retries must be non-negative"}
	}
	switch strings.ToLower(d.OverflowPolicy) {
	case "drop_oldest", "reject_new":
	default:
		return &ValidationError{
			Field:   "deduplication.overflow_policy",
			Message: fmt.Sprintf("invalid overflow policy: %s (valid: drop_oldest, reject_new)", d.OverflowPolicy),
		}
	}
	return nil
}
