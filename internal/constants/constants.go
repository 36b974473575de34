package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	KafkaReadTimeout  = 500 * time.Millisecond
)

const (
	ShutdownTimeout = 10 * time.Second
)

// Relation labels with conventional meaning.
const (
	RelationSuccess = "Success"
	RelationFailure = "Failure"
	RelationTrue    = "True"
	RelationFalse   = "False"
	RelationOther   = "Other"
)

const (
	ServiceName          = "rule-engine"
	DefaultMongoDBName   = "rulecore"
	RuleChainsCollection = "rule_chains"
	DefaultQueueName     = "Main"
)

// Redis key prefixes.
const (
	KeyPrefixClusterMember = "cluster:members:"
	KeyPrefixNodeState     = "rule_node_state:"
	KeyPrefixDelivered     = "delivered:"
)

// Record headers set by producers.
const (
	HeaderMessageID = "msg-id"
	HeaderTenantID  = "tenant-id"
	HeaderAttempt   = "attempt"
)

// Page sizes of list endpoints.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)
