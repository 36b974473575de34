package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityID references the device, asset or other entity that produced a message.
type EntityID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (e EntityID) String() string {
	return e.Type + ":" + e.ID
}

// Callback receives the terminal outcome of the queue record an envelope
// belongs to.
type Callback interface {
	OnSuccess()
	OnFailure(err error)
}

// Envelope is one unit of work travelling through a rule chain. Its ID is
// stable across hops; Ctx is the processing generation and grows whenever a
// node derives a new envelope.
type Envelope struct {
	ID         uuid.UUID
	TenantID   string
	Originator EntityID
	Type       string
	Payload    Payload
	Metadata   Metadata
	Ctx        uint64
	Attempt    int
	QueueName  string
	Timestamp  time.Time

	callback Callback
}

func NewEnvelope(tenantID string, originator EntityID, msgType string, payload Payload, metadata Metadata) Envelope {
	return Envelope{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Originator: originator,
		Type:       msgType,
		Payload:    payload.Clone(),
		Metadata:   metadata.Clone(),
		Timestamp:  time.Now().UTC(),
	}
}

// Callback returns the completion callback bound to this envelope, or nil.
func (e Envelope) Callback() Callback {
	return e.callback
}

// WithCallback binds the envelope to the record completion callback.
func (e Envelope) WithCallback(cb Callback) Envelope {
	out := e.Copy()
	out.callback = cb
	return out
}

// Copy returns a deep copy sharing ID, generation and callback.
func (e Envelope) Copy() Envelope {
	out := e
	out.Payload = e.Payload.Clone()
	out.Metadata = e.Metadata.Clone()
	return out
}

// CopyWithNewCtx returns a copy with the next generation that is detached
// from the originating record's callback.
func (e Envelope) CopyWithNewCtx() Envelope {
	out := e.Copy()
	out.Ctx = e.Ctx + 1
	out.callback = nil
	return out
}

// Transform derives a new envelope with the same ID and the next generation.
// Empty msgType and nil payload or metadata keep the current values.
func (e Envelope) Transform(msgType string, payload Payload, metadata Metadata) Envelope {
	out := e.Copy()
	out.Ctx = e.Ctx + 1
	if msgType != "" {
		out.Type = msgType
	}
	if payload != nil {
		out.Payload = payload.Clone()
	}
	if metadata != nil {
		out.Metadata = metadata.Clone()
	}
	return out
}

func (e Envelope) WithPayloadValue(key string, v Value) Envelope {
	return e.Transform("", e.Payload.Set(key, v), nil)
}

func (e Envelope) WithMetadataValue(key, value string) Envelope {
	return e.Transform("", nil, e.Metadata.Set(key, value))
}

type wireEnvelope struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Originator EntityID  `json:"originator"`
	Type       string    `json:"type"`
	Payload    Payload   `json:"payload"`
	Metadata   Metadata  `json:"metadata"`
	Ctx        uint64    `json:"ctx"`
	Attempt    int       `json:"attempt,omitempty"`
	QueueName  string    `json:"queue_name,omitempty"`
	Timestamp  time.Time `json:"ts"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:         e.ID.String(),
		TenantID:   e.TenantID,
		Originator: e.Originator,
		Type:       e.Type,
		Payload:    e.Payload,
		Metadata:   e.Metadata,
		Ctx:        e.Ctx,
		Attempt:    e.Attempt,
		QueueName:  e.QueueName,
		Timestamp:  e.Timestamp,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return fmt.Errorf("envelope id: %w", err)
	}
	*e = Envelope{
		ID:         id,
		TenantID:   w.TenantID,
		Originator: w.Originator,
		Type:       w.Type,
		Payload:    w.Payload,
		Metadata:   w.Metadata,
		Ctx:        w.Ctx,
		Attempt:    w.Attempt,
		QueueName:  w.QueueName,
		Timestamp:  w.Timestamp,
	}
	return nil
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if err := ValidateEnvelope(&e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
