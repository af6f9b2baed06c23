package eventhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/oim-wa/eventhub/pkg/models"
)

// processEvent runs the delivery protocol for one event. The returned bool
// reports whether the event is settled from this process's point of view;
// false with a nil error means a live peer lease was contended and the
// caller should requeue. Errors are infrastructure failures that left the
// event unleased.
func (s *Subscriber) processEvent(ctx context.Context, channel string, ref eventRef) (bool, error) {
	reg := s.registrationFor(channel)
	if reg == nil {
		// Unsubscribed while the item was queued.
		s.opts.logger.Warn("dropping event for unsubscribed channel",
			"channel", channel, "event_id", ref.id)
		return true, nil
	}
	s.mu.Lock()
	row := reg.row
	cb := reg.callback
	s.mu.Unlock()

	// All statements of one delivery share a single pooled connection.
	actCtx, release, err := s.db.ActiveContext(ctx)
	if err != nil {
		return false, fmt.Errorf("open active scope: %w", err)
	}
	defer release()

	event := ref.event
	if event == nil {
		event, err = s.store.GetEvent(actCtx, ref.id)
		if err != nil {
			return false, err
		}
	}

	se, created, err := s.store.AcquireLease(actCtx, row, event.ID, s.host, s.pid)
	if err != nil {
		return false, err
	}

	if !created {
		switch {
		case se.Status == models.StatusSucceed:
			// Already delivered by a peer.
			return true, nil

		case se.Status == models.StatusProcessing &&
			s.store.Now().Sub(se.ProcessStartTime) < s.opts.processingTimeout:
			// A peer holds a live lease. Trust it to finish; the replay
			// sweep reclaims it if it never does.
			s.opts.logger.Debug("event held by live peer",
				"event_id", event.ID, "holder", se.ProcessHost)
			return !s.opts.contendedIsFailure, nil

		default:
			// Failed, Timeout, or stuck Processing: take the lease over.
			prev := *se
			stolen, err := s.store.StealLease(actCtx, se, s.host, s.pid)
			if err != nil {
				return false, err
			}
			if !stolen {
				// A peer won the steal race and is reprocessing now.
				return true, nil
			}
			if err := s.store.InsertHistory(actCtx, &prev); err != nil {
				s.opts.logger.Error("failed to archive superseded attempt",
					"lease_id", prev.ID, "error", err)
			}
		}
	}

	result, cbErr := s.invokeCallback(actCtx, cb, event)
	if cbErr != nil {
		if errors.Is(cbErr, context.Canceled) || errors.Is(cbErr, context.DeadlineExceeded) {
			// Shutdown interrupted the callback. Leave the lease in
			// Processing; a replay sweep will reclaim it after the timeout.
			return false, cbErr
		}
		detail := cbErr.Error()
		if err := s.store.MarkFailed(actCtx, se.ID, &detail); err != nil {
			return false, err
		}
		s.opts.logger.Error("event callback failed",
			"channel", channel, "event_id", event.ID, "error", cbErr)
	} else {
		var res *string
		if result != nil {
			if b, err := json.Marshal(result); err == nil {
				str := string(b)
				res = &str
			} else {
				str := fmt.Sprintf("unserializable result: %v", err)
				res = &str
			}
		}
		if err := s.store.MarkSucceeded(actCtx, se.ID, res); err != nil {
			return false, err
		}
		s.opts.logger.Debug("event processed",
			"channel", channel, "event_id", event.ID, "attempt", se.ProcessTimes)
	}

	// The watermark tracks first dispatches only; reprocessing an old event
	// must not move it.
	if created {
		s.advanceWatermark(actCtx, reg, row.ID, event.ID)
	}
	return true, nil
}

// invokeCallback runs the callback, converting a panic into an error with
// the stack attached so it lands in the delivery record.
func (s *Subscriber) invokeCallback(ctx context.Context, cb Callback, event *models.Event) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v\n%s", r, debug.Stack())
		}
	}()
	return cb(ctx, event)
}

// advanceWatermark records the dispatch in the subscription row and keeps
// the in-memory copy current. A zero-row update means a peer moved the
// watermark past this event; the row is refreshed so later backfills do not
// rescan settled events. Failures are logged only: the delivery itself is
// already recorded.
func (s *Subscriber) advanceWatermark(ctx context.Context, reg *registration, rowID, eventID int64) {
	moved, err := s.store.AdvanceWatermark(ctx, rowID, eventID, s.store.Now())
	if err != nil {
		s.opts.logger.Error("failed to advance watermark",
			"subscription_id", rowID, "event_id", eventID, "error", err)
		return
	}

	if moved {
		id := eventID
		now := s.store.Now()
		s.mu.Lock()
		reg.row.LastDispatchedEventID = &id
		reg.row.LastDispatchedTime = &now
		s.mu.Unlock()
		return
	}
	fresh, err := s.store.GetSubscribedEventTypeByID(ctx, rowID)
	if err != nil {
		s.opts.logger.Error("failed to refresh subscription row",
			"subscription_id", rowID, "error", err)
		return
	}
	s.mu.Lock()
	reg.row = fresh
	s.mu.Unlock()
}
