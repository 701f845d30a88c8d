// Package reaper recovers messages stuck in Processing after a consumer
// crashed or abandoned its claim. The baseline queue never reclaims on its
// own — a claim is held until Complete is called — so the reaper is an
// opt-in extension (REAPER_ENABLED). Each pass treats claims older than the
// configured timeout as failed attempts and runs them through the normal
// retry/dead-letter policy.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwhitford/duraq/internal/metrics"
	"github.com/mwhitford/duraq/internal/queue/store"
)

type Reaper struct {
	store        store.Store
	interval     time.Duration
	claimTimeout time.Duration
	log          *logrus.Entry
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func New(s store.Store, interval, claimTimeout time.Duration, log *logrus.Logger) *Reaper {
	return &Reaper{
		store:        s,
		interval:     interval,
		claimTimeout: claimTimeout,
		log:          log.WithField("component", "reaper"),
		stopCh:       make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{
		"interval":      r.interval.String(),
		"claim_timeout": r.claimTimeout.String(),
	}).Info("reaper started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped (context cancelled)")
			return

		case <-r.stopCh:
			r.log.Info("reaper stopped (stop signal)")
			return

		case <-ticker.C:
			start := time.Now()
			count, err := r.store.ReclaimExpired(ctx, r.claimTimeout)
			metrics.ReaperDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.ReaperErrors.Inc()
				r.log.WithError(err).Error("reaper pass failed")
			} else if count > 0 {
				r.log.WithField("reclaimed", count).Info("reaper pass reclaimed expired claims")
			}
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
