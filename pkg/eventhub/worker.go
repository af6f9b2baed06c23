package eventhub

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// worker drains one subscription's queue sequentially. One worker per
// subscribed event type keeps per-type ordering while isolating slow
// callbacks from other types.
type worker struct {
	channel string
	queue   *fifo
	sub     *Subscriber
	logger  *slog.Logger

	started       atomic.Bool
	stopRequested atomic.Bool
	done          chan struct{}
}

func newWorker(sub *Subscriber, channel string) *worker {
	return &worker{
		channel: channel,
		queue:   newFIFO(),
		sub:     sub,
		logger:  sub.opts.logger.With("component", "worker", "channel", channel),
		done:    make(chan struct{}),
	}
}

// Enqueue adds an event reference to the worker's queue.
func (w *worker) Enqueue(ref eventRef) {
	w.queue.Put(ref)
}

// Alive reports whether the worker can still accept and process work: it
// has not been asked to stop and its loop has not exited.
func (w *worker) Alive() bool {
	if w.stopRequested.Load() {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Start launches the processing loop.
func (w *worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// run processes queued events until a stop is requested and the queue has
// drained. The drain keeps deliveries already handed to this process from
// bouncing to the replay sweep on a clean shutdown.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("worker started")

	for {
		ref, ok := w.queue.Get(dequeueTimeout)
		if !ok {
			if w.stopRequested.Load() || ctx.Err() != nil {
				w.logger.Info("worker stopped")
				return
			}
			continue
		}

		processed, err := w.sub.processEvent(ctx, w.channel, ref)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopped mid-event", "event_id", ref.id)
				return
			}
			// Infrastructure failure, not a callback failure: the event was
			// not leased, so requeue it for another pass. Wait out a poll
			// interval first so a down database is not hammered.
			w.logger.Error("event processing errored, requeueing",
				"event_id", ref.id, "error", err)
			w.queue.Put(ref)
			select {
			case <-ctx.Done():
			case <-time.After(dequeueTimeout):
			}
			continue
		}
		if !processed {
			// A peer holds a live lease and contention is configured as
			// failure. Requeue; the next pass settles against the final
			// status.
			w.logger.Debug("event contended, requeueing", "event_id", ref.id)
			w.queue.Put(ref)
		}
	}
}

// Shutdown requests a stop, closes the queue, and waits for the loop to
// drain and exit.
func (w *worker) Shutdown() {
	w.stopRequested.Store(true)
	w.queue.Close()
	if w.started.Load() {
		<-w.done
	}
}
