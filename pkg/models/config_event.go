package models

import "time"

// ChainEvent announces a change to a tenant's rule chain, a queue
// definition or a tenant itself.
type ChainEvent struct {
	EventType string `json:"event_type"`
	TenantID  string `json:"tenant_id"`
	ChainID   string `json:"chain_id,omitempty"`
	Action    string `json:"action"`

	// Set for queue events only.
	QueueName  string `json:"queue_name,omitempty"`
	Partitions int    `json:"partitions,omitempty"`

	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	ChangedBy string    `json:"changed_by,omitempty"`
}

const (
	EventTypeChainUpdated  = "rule_chain_updated"
	EventTypeTenantDeleted = "tenant_deleted"
	EventTypeQueueUpdated  = "queue_updated"
)

const (
	ActionSaved   = "saved"
	ActionDeleted = "deleted"
	ActionReload  = "reload"
)
