package queue

import "time"

// DefaultMaxRetries applies when an enqueue does not specify a budget.
const DefaultMaxRetries = 3

// EnqueueOptions configures how a message is enqueued.
type EnqueueOptions struct {
	Priority      int       // higher claims first; default 0
	CorrelationID string    // optional caller grouping key
	ScheduledAt   time.Time // zero means immediately eligible
	MaxRetries    int
}

// EnqueueOption is a functional option for enqueue.
type EnqueueOption func(*EnqueueOptions)

// WithPriority sets the message priority (higher = claimed sooner).
func WithPriority(p int) EnqueueOption {
	return func(o *EnqueueOptions) { o.Priority = p }
}

// WithCorrelationID attaches a caller-supplied grouping key.
func WithCorrelationID(id string) EnqueueOption {
	return func(o *EnqueueOptions) { o.CorrelationID = id }
}

// WithDelay makes the message eligible for claim after d from now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) { o.ScheduledAt = time.Now().Add(d) }
}

// WithScheduledAt makes the message eligible for claim at t.
func WithScheduledAt(t time.Time) EnqueueOption {
	return func(o *EnqueueOptions) { o.ScheduledAt = t }
}

// WithMaxRetries sets the retry budget for the message.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *EnqueueOptions) { o.MaxRetries = n }
}

// ResolveEnqueueOptions applies opts over the defaults.
func ResolveEnqueueOptions(opts []EnqueueOption) EnqueueOptions {
	options := EnqueueOptions{MaxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// NewMessage assembles a Pending message from enqueue arguments. Validation
// is the store's job (ValidateEnqueue) so HTTP and library callers share one
// path.
func NewMessage(queueName, msgType string, body []byte, opts ...EnqueueOption) Message {
	o := ResolveEnqueueOptions(opts)
	now := time.Now().UTC()
	scheduled := o.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	m := Message{
		Queue:       queueName,
		Type:        msgType,
		Body:        body,
		Priority:    o.Priority,
		Status:      StatusPending,
		MaxRetries:  o.MaxRetries,
		CreatedAt:   now,
		ScheduledAt: scheduled.UTC(),
	}
	if o.CorrelationID != "" {
		cid := o.CorrelationID
		m.CorrelationID = &cid
	}
	return m
}
