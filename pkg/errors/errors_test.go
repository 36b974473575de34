package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesDerivedCopies(t *testing.T) {
	err := ErrOverflow.WithCause(fmt.Errorf("max pending 3")).WithDetail("dropped", 2)
	wrapped := fmt.Errorf("dedup: %w", err)

	assert.True(t, errors.Is(wrapped, ErrOverflow))
	assert.False(t, errors.Is(wrapped, ErrPersistence))
	assert.Equal(t, "OVERFLOW", Code(wrapped))
}

func TestRetryClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		retryable bool
	}{
		{"timeout is transient", ErrNodeTimeout, true},
		{"configuration is fatal", ErrConfiguration, false},
		{"hop limit is fatal", ErrHopLimit, false},
		{"persistence is transient", ErrPersistence, true},
		{"forced fatal", ErrDispatch.AsFatal(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.err.IsRetryable())
			assert.Equal(t, !tt.retryable, tt.err.IsFatal())
		})
	}
}

func TestWithDetailDoesNotMutateSentinel(t *testing.T) {
	_ = ErrValidation.WithDetail("message", "bad")
	assert.Empty(t, ErrValidation.Details)
	assert.Equal(t, "VALIDATION_ERROR: validation failed", ErrValidation.Error())
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrConfiguration.WithMessage("cycle through %s", "a"))
	assert.Equal(t, "CONFIGURATION_ERROR", resp["error_code"])
	assert.Equal(t, http.StatusUnprocessableEntity, ToHTTPStatus(ErrConfiguration))
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(errors.New("x")))
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	err := RecoverPanic("boom")
	var appErr *Error
	assert.True(t, errors.As(err, &appErr))
	assert.True(t, appErr.IsFatal())
	assert.Contains(t, appErr.Details, "stack_trace")
	assert.Contains(t, err.Error(), "boom")

	sentinel := errors.New("nil map write")
	assert.ErrorIs(t, RecoverPanic(sentinel), sentinel)
}
