package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 15)
	viper.SetDefault("server.write_timeout_seconds", 15)

	viper.SetDefault("broker.type", BrokerMemory)
	viper.SetDefault("broker.kafka.group_id", "rule-engine")
	viper.SetDefault("broker.kafka.topic_prefix", "rule-engine")
	viper.SetDefault("broker.kafka.config_update_topic", "rule-engine.config")
	viper.SetDefault("broker.kafka.min_bytes", 1)
	viper.SetDefault("broker.kafka.max_bytes", 10_000_000)

	viper.SetDefault("cluster.discovery", DiscoveryStatic)
	viper.SetDefault("cluster.heartbeat_interval", 5*time.Second)
	viper.SetDefault("cluster.member_ttl", 15*time.Second)

	viper.SetDefault("rule_engine.max_hops", 32)
	viper.SetDefault("rule_engine.node_timeout", 10*time.Second)
	viper.SetDefault("rule_engine.worker_pool_size", 64)
	viper.SetDefault("rule_engine.continuation_buffer", 1024)

	viper.SetDefault("consumer.mode", ModeSequential)
	viper.SetDefault("consumer.max_poll_records", 100)
	viper.SetDefault("consumer.poll_interval", 25*time.Millisecond)
	viper.SetDefault("consumer.max_in_flight", 100)
	viper.SetDefault("consumer.pack_processing_timeout", 30*time.Second)
	viper.SetDefault("consumer.stats_interval", time.Minute)
	viper.SetDefault("consumer.retry.strategy", StrategyRetryFailed)
	viper.SetDefault("consumer.retry.max_attempts", 3)
	viper.SetDefault("consumer.retry.initial_interval", 200*time.Millisecond)
	viper.SetDefault("consumer.retry.max_interval", 5*time.Second)
	viper.SetDefault("consumer.retry.multiplier", 2.0)

	viper.SetDefault("deduplication.interval_seconds", 60)
	viper.SetDefault("deduplication.max_pending_msgs", 100)
	viper.SetDefault("deduplication.max_retries", 3)
	viper.SetDefault("deduplication.overflow_policy", "drop_oldest")

	viper.SetDefault("external.idempotency_ttl", 24*time.Hour)
	viper.SetDefault("external.dispatch_pool_size", 64)
	viper.SetDefault("enrichment.http_timeout", 10*time.Second)
	viper.SetDefault("external.mqtt.qos", 1)
	viper.SetDefault("external.mqtt.timeout", 10*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("tracing.service_name", "rule-engine")
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.topic_prefix", "BROKER_KAFKA_TOPIC_PREFIX")
	viper.BindEnv("broker.kafka.config_update_topic", "BROKER_KAFKA_CONFIG_UPDATE_TOPIC")

	viper.BindEnv("cluster.node_id", "CLUSTER_NODE_ID")
	viper.BindEnv("cluster.discovery", "CLUSTER_DISCOVERY")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) {
	if brokers := splitList(viper.GetString("BROKER_KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Broker.Kafka.Brokers = brokers
	}
	if members := splitList(viper.GetString("CLUSTER_MEMBERS")); len(members) > 0 {
		cfg.Cluster.Members = members
	}

	if cfg.Cluster.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Cluster.NodeID = host
		}
	}
	if len(cfg.Cluster.Members) == 0 && cfg.Cluster.Discovery == DiscoveryStatic {
		cfg.Cluster.Members = []string{cfg.Cluster.NodeID}
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []QueueConfig{{Name: "Main", Partitions: 10}}
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
