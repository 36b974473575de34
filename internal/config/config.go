package config

import (
	"time"

	"rulecore/pkg/circuitbreaker"
	"rulecore/pkg/retry"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Broker         BrokerConfig
	Cluster        ClusterConfig
	Queues         []QueueConfig `mapstructure:"queues"`
	RuleEngine     RuleEngineConfig
	Consumer       ConsumerConfig
	Deduplication  DeduplicationConfig
	External       ExternalConfig
	Enrichment     EnrichmentConfig
	Logging        LoggingConfig
	CircuitBreaker CircuitBreakerConfig
	Tracing        TracingConfig
	API            APIConfig `mapstructure:"api"`
}

type ServerConfig struct {
	Port                int           `mapstructure:"port"`
	ReadTimeoutSeconds  time.Duration `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds time.Duration `mapstructure:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (c PostgresConfig) Enabled() bool { return c.Host != "" }

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Enabled() bool { return c.Host != "" }

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

func (c MongoDBConfig) Enabled() bool { return c.URI != "" }

const (
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	GroupID           string   `mapstructure:"group_id"`
	TopicPrefix       string   `mapstructure:"topic_prefix"`
	ConfigUpdateTopic string   `mapstructure:"config_update_topic"`
	MinBytes          int      `mapstructure:"min_bytes"`
	MaxBytes          int      `mapstructure:"max_bytes"`
}

const (
	DiscoveryStatic = "static"
	DiscoveryRedis  = "redis"
)

type ClusterConfig struct {
	NodeID            string        `mapstructure:"node_id"`
	Discovery         string        `mapstructure:"discovery"`
	Members           []string      `mapstructure:"members"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MemberTTL         time.Duration `mapstructure:"member_ttl"`
	IsolatedTenants   []string      `mapstructure:"isolated_tenants"`
}

// QueueConfig declares one rule-engine queue and its partition count.
type QueueConfig struct {
	Name       string `mapstructure:"name"`
	Partitions int    `mapstructure:"partitions"`
}

type RuleEngineConfig struct {
	MaxHops            int           `mapstructure:"max_hops"`
	NodeTimeout        time.Duration `mapstructure:"node_timeout"`
	WorkerPoolSize     int           `mapstructure:"worker_pool_size"`
	ContinuationBuffer int           `mapstructure:"continuation_buffer"`
	ForceAck           bool          `mapstructure:"force_ack"`
}

const (
	ModeSequential = "sequential"
	ModePipelined  = "pipelined"

	StrategyRetryFailed = "retry_failed"
	StrategyRelease     = "release"
	StrategySkip        = "skip"
)

type ConsumerConfig struct {
	Mode                  string        `mapstructure:"mode"`
	MaxPollRecords        int           `mapstructure:"max_poll_records"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	MaxInFlight           int           `mapstructure:"max_in_flight"`
	PackProcessingTimeout time.Duration `mapstructure:"pack_processing_timeout"`
	StatsInterval         time.Duration `mapstructure:"stats_interval"`
	Retry                 RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	Strategy     string `mapstructure:"strategy"`
	retry.Policy `mapstructure:",squash"`
}

// DeduplicationConfig holds defaults applied to dedup nodes whose own
// configuration leaves a field unset.
type DeduplicationConfig struct {
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	MaxPendingMsgs  int    `mapstructure:"max_pending_msgs"`
	MaxRetries      int    `mapstructure:"max_retries"`
	OverflowPolicy  string `mapstructure:"overflow_policy"`
}

type ExternalConfig struct {
	IdempotencyTTL   time.Duration   `mapstructure:"idempotency_ttl"`
	DispatchPoolSize int             `mapstructure:"dispatch_pool_size"`
	Kafka            KafkaSinkConfig `mapstructure:"kafka"`
	MQTT             MQTTConfig      `mapstructure:"mqtt"`
	NATS             NATSConfig      `mapstructure:"nats"`
	RabbitMQ         RabbitMQConfig  `mapstructure:"rabbitmq"`
}

type EnrichmentConfig struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

type KafkaSinkConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type MQTTConfig struct {
	BrokerURL string        `mapstructure:"broker_url"`
	ClientID  string        `mapstructure:"client_id"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	QoS       byte          `mapstructure:"qos"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Token    string `mapstructure:"token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CircuitBreakerConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	circuitbreaker.Settings `mapstructure:",squash"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

type APIConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
