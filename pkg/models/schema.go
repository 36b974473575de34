package models

import (
	"fmt"

	"github.com/google/uuid"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateEnvelope(e *Envelope) error {
	if e == nil {
		return &ValidationError{Field: "envelope", Message: "envelope cannot be nil"}
	}
	if e.ID == uuid.Nil {
		return &ValidationError{Field: "id", Message: "message ID is required"}
	}
	if e.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Message: "tenant ID is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "message type is required"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "ts", Message: "message timestamp is required"}
	}
	return nil
}
