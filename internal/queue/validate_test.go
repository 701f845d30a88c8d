package queue

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName("orders"))
	assert.NoError(t, ValidateQueueName("orders-v2.high_priority"))

	assert.ErrorIs(t, ValidateQueueName(""), ErrEmptyQueueName)
	assert.ErrorIs(t, ValidateQueueName("   "), ErrEmptyQueueName)
	assert.ErrorIs(t, ValidateQueueName("orders;DROP TABLE messages"), ErrInvalidQueueName)
	assert.ErrorIs(t, ValidateQueueName("orders queue"), ErrInvalidQueueName)
	assert.ErrorIs(t, ValidateQueueName(strings.Repeat("q", 200)), ErrInvalidQueueName)
}

func TestValidateEnqueue(t *testing.T) {
	valid := NewMessage("q", "Email", []byte(`{"to":"a@b.c"}`))
	assert.NoError(t, ValidateEnqueue(&valid))

	noType := NewMessage("q", "", []byte(`{}`))
	assert.ErrorIs(t, ValidateEnqueue(&noType), ErrEmptyType)

	noBody := NewMessage("q", "Email", nil)
	assert.ErrorIs(t, ValidateEnqueue(&noBody), ErrEmptyBody)

	negRetries := NewMessage("q", "Email", []byte(`{}`), WithMaxRetries(-1))
	assert.ErrorIs(t, ValidateEnqueue(&negRetries), ErrNegativeRetries)
}

func TestValidateClaim(t *testing.T) {
	assert.NoError(t, ValidateClaim(ClaimOptions{Queue: "q", ClaimantID: "c1"}))
	assert.ErrorIs(t, ValidateClaim(ClaimOptions{Queue: "q"}), ErrEmptyClaimantID)
	assert.ErrorIs(t, ValidateClaim(ClaimOptions{ClaimantID: "c1"}), ErrEmptyQueueName)
}

func TestIsValidation(t *testing.T) {
	assert.True(t, IsValidation(ErrEmptyBody))
	assert.True(t, IsValidation(ErrInvalidQueueName))
	assert.False(t, IsValidation(ErrNotFound))
	assert.False(t, IsValidation(ErrNotProcessing))
}
