package models

import (
	"time"

	"github.com/google/uuid"
)

type EnvelopeBuilder struct {
	envelope Envelope
}

func NewEnvelopeBuilder() *EnvelopeBuilder {
	return &EnvelopeBuilder{}
}

func (b *EnvelopeBuilder) WithID(id uuid.UUID) *EnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *EnvelopeBuilder) WithTenant(tenantID string) *EnvelopeBuilder {
	b.envelope.TenantID = tenantID
	return b
}

func (b *EnvelopeBuilder) WithOriginator(entityType, id string) *EnvelopeBuilder {
	b.envelope.Originator = EntityID{Type: entityType, ID: id}
	return b
}

func (b *EnvelopeBuilder) WithType(msgType string) *EnvelopeBuilder {
	b.envelope.Type = msgType
	return b
}

func (b *EnvelopeBuilder) WithQueue(queueName string) *EnvelopeBuilder {
	b.envelope.QueueName = queueName
	return b
}

func (b *EnvelopeBuilder) WithTimestamp(ts time.Time) *EnvelopeBuilder {
	b.envelope.Timestamp = ts
	return b
}

func (b *EnvelopeBuilder) Set(key string, v Value) *EnvelopeBuilder {
	b.envelope.Payload = b.envelope.Payload.Set(key, v)
	return b
}

func (b *EnvelopeBuilder) Meta(key, value string) *EnvelopeBuilder {
	b.envelope.Metadata = b.envelope.Metadata.Set(key, value)
	return b
}

func (b *EnvelopeBuilder) Build() Envelope {
	out := b.envelope.Copy()
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	return out
}
