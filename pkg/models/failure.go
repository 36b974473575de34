package models

import "time"

// FailureRecord is the audit entry of a message that could not be processed.
type FailureRecord struct {
	TenantID   string    `json:"tenant_id"`
	MessageID  string    `json:"message_id"`
	NodeID     string    `json:"node_id,omitempty"`
	QueueName  string    `json:"queue_name,omitempty"`
	Attempt    int       `json:"attempt"`
	Code       string    `json:"code,omitempty"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DeliveryRecord is the outcome of one external dispatch.
type DeliveryRecord struct {
	TenantID    string    `json:"tenant_id"`
	MessageID   string    `json:"message_id"`
	NodeID      string    `json:"node_id"`
	Transport   string    `json:"transport"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	Attempt     int       `json:"attempt"`
	DeliveredAt time.Time `json:"delivered_at"`
}

const (
	DeliveryDelivered = "delivered"
	DeliveryDuplicate = "duplicate"
	DeliveryFailed    = "failed"
)
