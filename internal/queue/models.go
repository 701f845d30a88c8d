package queue

import "time"

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusDeadLettered Status = "dead_lettered"
)

// ValidTransition reports whether from → to is a legal lifecycle move.
// The stores drive transitions through Claim/Complete which already enforce
// the rules; this exists for tests and defensive checks.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusPending || to == StatusDeadLettered
	}
	// Completed and DeadLettered are terminal.
	return false
}

// Message is the durable queue row mapped to Go.
type Message struct {
	ID            int64
	Queue         string
	Type          string
	Body          []byte
	Priority      int
	Status        Status
	CorrelationID *string
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	ScheduledAt   time.Time
	ClaimStarted  *time.Time
	ClaimEnded    *time.Time
	ClaimantID    *string
	LastError     *string
}

// RetriesRemaining reports whether another failure would be rescheduled
// rather than dead-lettered.
func (m *Message) RetriesRemaining() bool {
	return m.RetryCount < m.MaxRetries
}

// DeadLetterRecord is the immutable snapshot of a message that exhausted its
// retry budget. It is written once by Complete and never mutated; Redrive
// creates a fresh message instead of resurrecting the record.
type DeadLetterRecord struct {
	ID             int64
	MessageID      int64
	Queue          string
	Type           string
	Body           []byte
	Priority       int
	CorrelationID  *string
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	DeadLetteredAt time.Time
	Reason         string
	LastError      *string
}

// ClaimOptions controls how a consumer claims the next message.
type ClaimOptions struct {
	Queue      string
	Type       string // optional filter; empty matches every type
	ClaimantID string
}

// CompleteOutcome reports which branch the completion policy took.
type CompleteOutcome string

const (
	OutcomeCompleted    CompleteOutcome = "completed"
	OutcomeRetried      CompleteOutcome = "retried"
	OutcomeDeadLettered CompleteOutcome = "dead_lettered"
)

// Stats is a read-only snapshot of one queue. The snapshot is assembled from
// independent reads and may lag concurrent Claim/Complete traffic.
type Stats struct {
	Queue               string
	StatusCounts        map[Status]int64
	DeadLetterCount     int64
	OldestPendingAge    time.Duration
	MeanProcessingMs    float64
	P95ProcessingMs     float64
	ThroughputPerMinute float64
	Window              time.Duration
}
