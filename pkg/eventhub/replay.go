package eventhub

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// replayScheduler periodically sweeps every subscription for failed and
// stuck deliveries. It ticks on a short clock and accumulates toward the
// configured interval so a stop request is honored within a tick rather
// than a full interval.
type replayScheduler struct {
	sub      *Subscriber
	interval time.Duration
	logger   *slog.Logger

	used   atomic.Bool
	stopCh chan struct{}
	done   chan struct{}
}

func newReplayScheduler(sub *Subscriber, interval time.Duration) *replayScheduler {
	return &replayScheduler{
		sub:      sub,
		interval: interval,
		logger:   sub.opts.logger.With("component", "replay"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Fresh reports whether the scheduler has never been started.
func (r *replayScheduler) Fresh() bool {
	return !r.used.Load()
}

// Start launches the sweep loop.
func (r *replayScheduler) Start(ctx context.Context) {
	if !r.used.CompareAndSwap(false, true) {
		return
	}
	go r.run(ctx)
}

func (r *replayScheduler) run(ctx context.Context) {
	defer close(r.done)
	r.logger.Info("replay scheduler started", "interval", r.interval)

	ticker := time.NewTicker(replayTick)
	defer ticker.Stop()

	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("replay scheduler stopped")
			return
		case <-r.stopCh:
			r.logger.Info("replay scheduler stopped")
			return
		case <-ticker.C:
			elapsed += replayTick
			if elapsed < r.interval {
				continue
			}
			elapsed = 0
			if err := r.sub.replayFailedAll(ctx); err != nil {
				r.logger.Error("replay sweep failed", "error", err)
			}
		}
	}
}

// Shutdown stops the loop and waits for it to exit.
func (r *replayScheduler) Shutdown() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.done
}
