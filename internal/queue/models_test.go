package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(StatusPending, StatusProcessing))
	assert.True(t, ValidTransition(StatusProcessing, StatusCompleted))
	assert.True(t, ValidTransition(StatusProcessing, StatusPending))
	assert.True(t, ValidTransition(StatusProcessing, StatusDeadLettered))

	// terminal states never leave
	assert.False(t, ValidTransition(StatusCompleted, StatusPending))
	assert.False(t, ValidTransition(StatusCompleted, StatusProcessing))
	assert.False(t, ValidTransition(StatusDeadLettered, StatusPending))

	// no shortcut from pending to a terminal state
	assert.False(t, ValidTransition(StatusPending, StatusCompleted))
	assert.False(t, ValidTransition(StatusPending, StatusDeadLettered))
}

func TestRetriesRemaining(t *testing.T) {
	m := Message{RetryCount: 0, MaxRetries: 2}
	assert.True(t, m.RetriesRemaining())

	m.RetryCount = 1
	assert.True(t, m.RetriesRemaining())

	m.RetryCount = 2
	assert.False(t, m.RetriesRemaining())

	// MaxRetries=0 still allows the initial attempt but no retry.
	m = Message{RetryCount: 0, MaxRetries: 0}
	assert.False(t, m.RetriesRemaining())
}

func TestNewMessageDefaults(t *testing.T) {
	before := time.Now().UTC()
	m := NewMessage("orders", "ProcessOrder", []byte(`{}`))
	after := time.Now().UTC()

	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, DefaultMaxRetries, m.MaxRetries)
	assert.Equal(t, 0, m.Priority)
	assert.Nil(t, m.CorrelationID)
	assert.False(t, m.CreatedAt.Before(before))
	assert.False(t, m.CreatedAt.After(after))
	// immediately eligible by default
	assert.Equal(t, m.CreatedAt, m.ScheduledAt)
}

func TestNewMessageOptions(t *testing.T) {
	at := time.Now().Add(time.Hour).UTC()
	m := NewMessage("orders", "ProcessOrder", []byte(`{}`),
		WithPriority(7),
		WithCorrelationID("batch-42"),
		WithScheduledAt(at),
		WithMaxRetries(5),
	)

	assert.Equal(t, 7, m.Priority)
	if assert.NotNil(t, m.CorrelationID) {
		assert.Equal(t, "batch-42", *m.CorrelationID)
	}
	assert.True(t, m.ScheduledAt.Equal(at))
	assert.Equal(t, 5, m.MaxRetries)
}

func TestWithDelay(t *testing.T) {
	m := NewMessage("orders", "ProcessOrder", []byte(`{}`), WithDelay(time.Minute))
	assert.True(t, m.ScheduledAt.After(time.Now().Add(50*time.Second)))
}
