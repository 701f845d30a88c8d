package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mwhitford/duraq/pkg/client"
)

// Message is a claimed message as delivered to handlers.
type Message = client.Message

// HandlerFunc processes a claimed message. Returning nil reports success;
// returning an error reports a processing failure, which the server resolves
// via its retry/dead-letter policy — the error itself never propagates
// further than the completion report.
type HandlerFunc func(ctx context.Context, msg *Message) error

// Worker polls queues and runs the claim → handle → complete loop.
type Worker struct {
	client     *client.Client
	claimantID string
	handlers   map[string]HandlerFunc
	pollDelay  time.Duration
	log        *logrus.Logger
}

// Config for creating a new worker.
type Config struct {
	BaseURL    string        // duraq server URL
	ClaimantID string        // identity reported on claims (default: random uuid)
	PollDelay  time.Duration // time between polls when the queue is empty (default: 1s)
	Logger     *logrus.Logger
}

// New creates a Worker with the given configuration.
func New(cfg Config) *Worker {
	if cfg.PollDelay == 0 {
		cfg.PollDelay = 1 * time.Second
	}
	if cfg.ClaimantID == "" {
		cfg.ClaimantID = "worker-" + uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	return &Worker{
		client:     client.NewClient(cfg.BaseURL),
		claimantID: cfg.ClaimantID,
		handlers:   make(map[string]HandlerFunc),
		pollDelay:  cfg.PollDelay,
		log:        cfg.Logger,
	}
}

// Handle registers a handler function for a queue.
func (w *Worker) Handle(queueName string, handler HandlerFunc) {
	w.handlers[queueName] = handler
	w.log.WithField("queue", queueName).Info("registered handler")
}

// Run starts one polling loop per registered queue and blocks until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	w.log.WithFields(logrus.Fields{
		"queues":   len(w.handlers),
		"claimant": w.claimantID,
	}).Info("worker starting")

	for queueName, handler := range w.handlers {
		go w.pollQueue(ctx, queueName, handler)
	}

	<-ctx.Done()
	w.log.Info("worker shutting down")
	return nil
}

func (w *Worker) pollQueue(ctx context.Context, queueName string, handler HandlerFunc) {
	ticker := time.NewTicker(w.pollDelay)
	defer ticker.Stop()

	log := w.log.WithField("queue", queueName)
	log.Info("polling started")

	for {
		select {
		case <-ctx.Done():
			log.Info("polling stopped")
			return

		case <-ticker.C:
			// Drain: keep claiming until the queue comes up empty.
			for {
				msg, err := w.client.Claim(ctx, queueName, "", w.claimantID)
				if err != nil {
					log.WithError(err).Error("claim failed")
					break
				}
				if msg == nil {
					break
				}
				w.processMessage(ctx, msg, handler)
			}
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, msg *client.Message, handler HandlerFunc) {
	log := w.log.WithFields(logrus.Fields{
		"queue": msg.Queue,
		"id":    msg.ID,
		"type":  msg.Type,
	})

	err := w.invoke(ctx, msg, handler)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"retry_count": msg.RetryCount,
			"max_retries": msg.MaxRetries,
		}).Warn("processing failed")
		if cerr := w.client.Complete(ctx, msg.ID, false, err.Error()); cerr != nil {
			log.WithError(cerr).Error("failure report failed")
		}
		return
	}

	if cerr := w.client.Complete(ctx, msg.ID, true, ""); cerr != nil {
		log.WithError(cerr).Error("success report failed")
		return
	}
	log.Info("processed")
}

// invoke runs the handler, converting a panic into a processing failure so a
// bad payload cannot take the polling loop down with a claim still held.
func (w *Worker) invoke(ctx context.Context, msg *client.Message, handler HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
