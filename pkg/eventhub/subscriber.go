package eventhub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/oim-wa/eventhub/pkg/database"
	"github.com/oim-wa/eventhub/pkg/models"
)

// registration is one live subscription: its database row, the resolved
// callback, and the worker that drains its queue.
type registration struct {
	row      *models.SubscribedEventType
	callback Callback
	worker   *worker
}

// Subscriber supervises event consumption for one subscriber identity. It
// owns a dedicated listening connection, one worker per subscribed event
// type, a replay scheduler, and the delivery protocol that leases each
// event in the database before running its callback.
type Subscriber struct {
	name  string
	db    *database.Client
	store *models.Store
	opts  options

	host string
	pid  string

	listenConn *database.ListenConn

	mu            sync.Mutex
	registrations map[string]*registration
	listener      *listener
	replay        *replayScheduler
	started       bool
	runCtx        context.Context
	cancelRun     context.CancelFunc
	shutdownDone  chan struct{}
}

// NewSubscriber creates (or retrieves) the subscriber identity and
// auto-subscribes every Managed subscription row, resolving each one's
// callback from the processing module registry. Auto-subscription failures
// are logged, not fatal: one bad module must not keep the rest of the
// subscriber down.
func NewSubscriber(ctx context.Context, db *database.Client, name string, opts ...Option) (*Subscriber, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	s := &Subscriber{
		name:          name,
		db:            db,
		store:         models.NewStore(db),
		opts:          o,
		host:          host,
		pid:           strconv.Itoa(os.Getpid()),
		listenConn:    database.NewListenConn(db.Config().DSN),
		registrations: make(map[string]*registration),
	}
	s.listener = newListener(s)
	s.replay = newReplayScheduler(s, o.reprocessingInterval)

	if _, _, err := s.store.GetOrCreateSubscriber(ctx, name, o.category); err != nil {
		return nil, err
	}

	rows, err := s.store.ListManagedSubscriptions(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		cb, err := s.moduleCallback(ctx, row)
		if err == nil {
			_, err = s.subscribeRow(ctx, row, cb, true)
		}
		if err != nil {
			s.opts.logger.Error("auto-subscription failed",
				"channel", row.Channel(), "error", err)
		}
	}
	return s, nil
}

// Name returns the subscriber identity.
func (s *Subscriber) Name() string {
	return s.name
}

// Start launches the listener, the replay scheduler, and the workers of all
// current subscriptions. ctx bounds the runtime; a restart after Shutdown
// gets fresh loop objects.
func (s *Subscriber) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.runCtx, s.cancelRun = context.WithCancel(ctx)
	s.shutdownDone = make(chan struct{})
	if !s.listener.Fresh() {
		s.listener = newListener(s)
	}
	if !s.replay.Fresh() {
		s.replay = newReplayScheduler(s, s.opts.reprocessingInterval)
	}
	workers := make([]*worker, 0, len(s.registrations))
	for ch, reg := range s.registrations {
		if !reg.worker.Alive() {
			reg.worker = newWorker(s, ch)
		}
		workers = append(workers, reg.worker)
	}
	s.started = true
	runCtx := s.runCtx
	listener, replay := s.listener, s.replay
	s.mu.Unlock()

	for _, w := range workers {
		w.Start(runCtx)
	}
	listener.Start(runCtx)
	replay.Start(runCtx)
	s.opts.logger.Info("subscriber started", "subscriber", s.name)
}

// Subscribe attaches the named event type to this subscriber, creating the
// subscription row when absent, and returns the row plus whether it was
// created. Callback resolution depends on the subscription's category; see
// resolveCallback. Failed and missed deliveries are replayed per the row's
// flags before live listening resumes.
func (s *Subscriber) Subscribe(ctx context.Context, eventTypeName string, cb Callback) (*models.SubscribedEventType, bool, error) {
	actCtx, release, err := s.db.ActiveContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("open active scope: %w", err)
	}
	defer release()

	et, err := s.store.GetEventType(actCtx, eventTypeName)
	if err != nil {
		return nil, false, err
	}
	row, created, err := s.store.UpsertSubscribedEventType(actCtx, s.name, et.Publisher, et.Name, s.opts.category)
	if err != nil {
		return nil, false, err
	}
	if _, err := s.subscribeRow(actCtx, row, cb, false); err != nil {
		return nil, false, err
	}
	return row, created, nil
}

// subscribeRow wires up one subscription row: resolve the callback, ensure
// a live worker, run the replay passes, then LISTEN and record the channel.
func (s *Subscriber) subscribeRow(ctx context.Context, row *models.SubscribedEventType, cb Callback, auto bool) (*registration, error) {
	cb, err := s.resolveCallback(ctx, row, cb, auto)
	if err != nil {
		return nil, err
	}
	channel := row.Channel()

	s.mu.Lock()
	reg, exists := s.registrations[channel]
	if exists {
		reg.row = row
		reg.callback = cb
		if !reg.worker.Alive() {
			old := reg.worker
			s.mu.Unlock()
			old.Shutdown()
			s.mu.Lock()
			reg.worker = newWorker(s, channel)
			if s.started {
				reg.worker.Start(s.runCtx)
			}
		}
	} else {
		reg = &registration{row: row, callback: cb, worker: newWorker(s, channel)}
		s.registrations[channel] = reg
		if s.started {
			reg.worker.Start(s.runCtx)
		}
	}
	s.mu.Unlock()

	if row.ReplayFailedEvents && row.ReplayMissedEvents {
		if err := s.replayFailed(ctx, reg); err != nil {
			s.opts.logger.Error("failed-event replay errored",
				"channel", channel, "error", err)
		}
	}
	if row.ReplayMissedEvents && s.opts.processMissedEvents {
		if err := s.replayMissed(ctx, reg); err != nil {
			s.opts.logger.Error("missed-event replay errored",
				"channel", channel, "error", err)
		}
	}

	now := s.store.Now()
	if err := s.store.TouchLastListening(ctx, row.ID, now); err != nil {
		return nil, err
	}
	s.mu.Lock()
	reg.row.LastListeningTime = &now
	s.mu.Unlock()

	if err := s.listener.Listen(ctx, channel); err != nil {
		return nil, err
	}

	s.opts.logger.Info("subscribed", "subscriber", s.name, "channel", channel)
	return reg, nil
}

// resolveCallback picks the callback for a subscription by category:
// auto-registration and Programmatic rows require an explicit callback,
// Managed rows always use their processing module, and the remaining
// categories prefer the caller's callback, then the module, then the
// logging fallback.
func (s *Subscriber) resolveCallback(ctx context.Context, row *models.SubscribedEventType, cb Callback, auto bool) (Callback, error) {
	switch {
	case auto:
		if cb == nil {
			return nil, fmt.Errorf("%w: auto-subscription %s", ErrCallbackRequired, row.Channel())
		}
		return cb, nil
	case row.Category == models.Programmatic:
		if cb == nil {
			return nil, fmt.Errorf("%w: %s", ErrCallbackRequired, row.Channel())
		}
		return cb, nil
	case row.Category == models.Managed:
		return s.moduleCallback(ctx, row)
	default:
		if cb != nil {
			return cb, nil
		}
		if row.ProcessingModuleID != nil {
			return s.moduleCallback(ctx, row)
		}
		return PrintEvent, nil
	}
}

// moduleCallback builds the callback named by the row's processing module.
func (s *Subscriber) moduleCallback(ctx context.Context, row *models.SubscribedEventType) (Callback, error) {
	if row.ProcessingModuleID == nil {
		return nil, fmt.Errorf("%w: subscription %s has no processing module", ErrCallbackRequired, row.Channel())
	}
	mod, err := s.store.GetProcessingModuleByID(ctx, *row.ProcessingModuleID)
	if err != nil {
		return nil, err
	}
	return s.opts.registry.Resolve(mod.Name, row.Parameters)
}

// Unsubscribe detaches the event type: UNLISTEN (best effort), stop its
// worker, and forget the registration. The subscription row stays in the
// database so a later Subscribe resumes from the same watermark.
func (s *Subscriber) Unsubscribe(ctx context.Context, eventTypeName string) error {
	s.mu.Lock()
	var channel string
	var reg *registration
	for ch, r := range s.registrations {
		if r.row.EventType == eventTypeName {
			channel, reg = ch, r
			break
		}
	}
	if reg == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotSubscribed, eventTypeName)
	}
	delete(s.registrations, channel)
	s.mu.Unlock()

	s.detach(ctx, channel, reg)
	return nil
}

// detach UNLISTENs a channel and stops its worker.
func (s *Subscriber) detach(ctx context.Context, channel string, reg *registration) {
	if err := s.listener.Unlisten(ctx, channel); err != nil {
		s.opts.logger.Warn("unlisten failed", "channel", channel, "error", err)
	}
	reg.worker.Shutdown()
	s.opts.logger.Info("unsubscribed", "subscriber", s.name, "channel", channel)
}

// connection hands out the listening connection, reconnecting when it went
// stale. After a reconnect every subscribed channel is re-LISTENed directly
// on the fresh connection and its missed events are backfilled, closing the
// notification gap the outage opened.
func (s *Subscriber) connection(ctx context.Context) (*pgx.Conn, error) {
	conn, reconnected, err := s.listenConn.ActiveConnect(ctx)
	if err != nil {
		return nil, err
	}
	if !reconnected {
		return conn, nil
	}

	s.mu.Lock()
	regs := make([]*registration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		regs = append(regs, reg)
	}
	s.mu.Unlock()

	for _, reg := range regs {
		channel := reg.row.Channel()
		if err := execChannelCmd(ctx, conn, false, channel); err != nil {
			return nil, err
		}
		if err := s.store.TouchLastListening(ctx, reg.row.ID, s.store.Now()); err != nil {
			s.opts.logger.Warn("failed to touch listening time",
				"channel", channel, "error", err)
		}
		if reg.row.ReplayFailedEvents && reg.row.ReplayMissedEvents {
			if err := s.replayFailed(ctx, reg); err != nil {
				s.opts.logger.Error("failed-event replay after reconnect errored",
					"channel", channel, "error", err)
			}
		}
		if reg.row.ReplayMissedEvents && s.opts.processMissedEvents {
			if err := s.replayMissed(ctx, reg); err != nil {
				s.opts.logger.Error("missed-event replay after reconnect errored",
					"channel", channel, "error", err)
			}
		}
		s.opts.logger.Info("re-listening after reconnect", "channel", channel)
	}
	return conn, nil
}

// replayMissed queues the registration's events published past the
// watermark, in id order.
func (s *Subscriber) replayMissed(ctx context.Context, reg *registration) error {
	s.mu.Lock()
	row := reg.row
	s.mu.Unlock()

	events, err := s.store.MissedEvents(ctx, row)
	if err != nil {
		return err
	}
	for _, e := range events {
		reg.worker.Enqueue(eventRef{id: e.ID, event: e})
	}
	if len(events) > 0 {
		s.opts.logger.Info("queued missed events",
			"channel", row.Channel(), "count", len(events))
	}
	return nil
}

// replayFailed queues the registration's failed and stuck deliveries.
func (s *Subscriber) replayFailed(ctx context.Context, reg *registration) error {
	s.mu.Lock()
	row := reg.row
	s.mu.Unlock()

	ids, err := s.store.FailedOrStuckEventIDs(ctx, row, s.opts.processingTimeout)
	if err != nil {
		return err
	}
	for _, id := range ids {
		reg.worker.Enqueue(eventRef{id: id})
	}
	if len(ids) > 0 {
		s.opts.logger.Info("queued failed events for replay",
			"channel", row.Channel(), "count", len(ids))
	}
	return nil
}

// replayFailedAll sweeps every registration for failed and stuck
// deliveries. Called by the replay scheduler.
func (s *Subscriber) replayFailedAll(ctx context.Context) error {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		if reg.row.ReplayFailedEvents {
			regs = append(regs, reg)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, reg := range regs {
		if err := s.replayFailed(ctx, reg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Subscriber) registrationFor(channel string) *registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrations[channel]
}

func (s *Subscriber) workerFor(channel string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.registrations[channel]; ok {
		return reg.worker
	}
	return nil
}

// Shutdown stops the runtime in the background: replay first, then workers
// (letting in-flight callbacks finish), then the listener. Idempotent per
// run; use WaitToShutdown to block until it completes.
func (s *Subscriber) Shutdown() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	listener, replay := s.listener, s.replay
	cancel := s.cancelRun
	done := s.shutdownDone
	workers := make([]*worker, 0, len(s.registrations))
	for _, reg := range s.registrations {
		workers = append(workers, reg.worker)
	}
	s.mu.Unlock()

	go func() {
		defer close(done)
		replay.Shutdown()
		for _, w := range workers {
			w.Shutdown()
		}
		listener.Shutdown()
		cancel()
		s.opts.logger.Info("subscriber stopped", "subscriber", s.name)
	}()
}

// WaitToShutdown blocks until an initiated Shutdown completes or ctx is
// cancelled.
func (s *Subscriber) WaitToShutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.shutdownDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the runtime, detaches every channel (registrations are kept
// so a later Start/Subscribe can resume), and closes the listening
// connection.
func (s *Subscriber) Close(ctx context.Context) error {
	s.Shutdown()
	if err := s.WaitToShutdown(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	regs := make(map[string]*registration, len(s.registrations))
	for ch, reg := range s.registrations {
		regs[ch] = reg
	}
	s.mu.Unlock()

	for ch, reg := range regs {
		s.detach(ctx, ch, reg)
	}
	s.listenConn.Close(ctx)
	return nil
}
