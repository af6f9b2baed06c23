// Package eventhub implements a Postgres-backed publish/subscribe hub. A
// publisher inserts event rows whose insert trigger raises a NOTIFY; a
// subscriber keeps a dedicated listening connection, dispatches each event
// id to a per-event-type worker, and processes it under a database lease so
// that concurrent subscriber processes deliver each event at least once
// without double-running callbacks.
package eventhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oim-wa/eventhub/pkg/models"
)

// Callback processes one event. The returned value is JSON-serialized into
// the delivery record's result; a returned error (or panic) marks the
// delivery Failed and schedules it for replay.
type Callback func(ctx context.Context, event *models.Event) (any, error)

// Timing defaults for the subscriber runtime.
const (
	// DefaultSelectTimeout bounds each wait on the listening connection, so
	// subscription commands and shutdown are picked up promptly.
	DefaultSelectTimeout = 5 * time.Second

	// DefaultProcessingTimeout is how long a Processing lease is honored
	// before peers may treat it as abandoned.
	DefaultProcessingTimeout = time.Hour

	// DefaultReprocessingInterval is the period between replay sweeps over
	// failed and stuck deliveries.
	DefaultReprocessingInterval = 5 * time.Minute

	// dequeueTimeout is the worker's poll interval on its queue, bounding
	// how long a stop request can go unnoticed.
	dequeueTimeout = 2 * time.Second

	// replayTick is the replay scheduler's clock resolution.
	replayTick = time.Second
)

// Publish retry policy and listener recovery policy.
const (
	publishRetries       = 3
	publishRetryInterval = time.Second
	listenRetryInterval  = 2 * time.Second
)

// Sentinel errors returned by the subscriber API.
var (
	// ErrCallbackRequired is returned by Subscribe when no callback is given
	// and none can be resolved from the subscription's processing module.
	ErrCallbackRequired = errors.New("no callback given and none registered for subscription")

	// ErrModuleNotRegistered is returned when a subscription references a
	// processing module with no factory in the registry.
	ErrModuleNotRegistered = errors.New("processing module not registered")

	// ErrNotSubscribed is returned by Unsubscribe for an unknown event type.
	ErrNotSubscribed = errors.New("not subscribed to event type")

	// ErrManagedPublisherMissing is returned by NewPublisher when a Managed
	// publisher or event type does not already exist in the database.
	ErrManagedPublisherMissing = errors.New("managed publisher or event type not provisioned")
)

// options carries the tunables shared by publishers and subscribers.
type options struct {
	category             models.Category
	selectTimeout        time.Duration
	processingTimeout    time.Duration
	reprocessingInterval time.Duration
	processMissedEvents  bool
	contendedIsFailure   bool
	registry             *Registry
	logger               *slog.Logger
}

func defaultOptions() options {
	return options{
		category:             models.Programmatic,
		selectTimeout:        DefaultSelectTimeout,
		processingTimeout:    DefaultProcessingTimeout,
		reprocessingInterval: DefaultReprocessingInterval,
		processMissedEvents:  true,
		registry:             DefaultRegistry,
		logger:               slog.Default(),
	}
}

// Option configures a Publisher or Subscriber.
type Option func(*options)

// WithCategory sets the category used when creating hub entities. Defaults
// to Programmatic.
func WithCategory(c models.Category) Option {
	return func(o *options) { o.category = c }
}

// WithSelectTimeout bounds each wait on the listening connection.
func WithSelectTimeout(d time.Duration) Option {
	return func(o *options) { o.selectTimeout = d }
}

// WithProcessingTimeout sets how long a Processing lease is honored before
// it may be reclaimed.
func WithProcessingTimeout(d time.Duration) Option {
	return func(o *options) { o.processingTimeout = d }
}

// WithReprocessingInterval sets the period between replay sweeps.
func WithReprocessingInterval(d time.Duration) Option {
	return func(o *options) { o.reprocessingInterval = d }
}

// WithProcessMissedEvents controls whether Subscribe backfills events
// published past the watermark while no listener was attached. On by
// default.
func WithProcessMissedEvents(enabled bool) Option {
	return func(o *options) { o.processMissedEvents = enabled }
}

// WithContendedIsFailure restores the legacy treatment of a fresh
// contended lease: the loser reports the event unprocessed and requeues it
// instead of trusting the holder. Off by default.
func WithContendedIsFailure(enabled bool) Option {
	return func(o *options) { o.contendedIsFailure = enabled }
}

// WithRegistry sets the processing module registry used to resolve
// callbacks for managed subscriptions.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// PrintEvent is the fallback callback for subscriptions with no processing
// module: it logs the event and succeeds.
func PrintEvent(ctx context.Context, event *models.Event) (any, error) {
	slog.InfoContext(ctx, "received event",
		"channel", event.Channel(),
		"event_id", event.ID,
		"source", event.Source,
		"payload", string(event.Payload))
	return fmt.Sprintf("printed event %d", event.ID), nil
}

// marshalPayload converts a publish payload to JSON. Raw JSON values pass
// through unchanged.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		if json.Valid(p) {
			return json.RawMessage(p), nil
		}
		return nil, fmt.Errorf("payload bytes are not valid JSON")
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}
