package eventhub

import (
	"context"
	"fmt"
	"os"

	"github.com/oim-wa/eventhub/pkg/database"
	"github.com/oim-wa/eventhub/pkg/models"
	"github.com/oim-wa/eventhub/pkg/retry"
)

// Publisher emits events of one event type. Publishing is a plain insert;
// the schema trigger raises the notification, so a committed insert is a
// delivered announcement.
type Publisher struct {
	publisher string
	eventType string
	source    string
	db        *database.Client
	store     *models.Store
	opts      options
}

// NewPublisher creates (or retrieves) the publisher and event type rows.
// Managed-category rows are provisioned out of band and must already
// exist; other categories are created on first use.
func NewPublisher(ctx context.Context, db *database.Client, publisherName, eventTypeName string, opts ...Option) (*Publisher, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	store := models.NewStore(db)
	if o.category == models.Managed {
		if _, err := store.GetPublisher(ctx, publisherName); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManagedPublisherMissing, err)
		}
		if _, err := store.GetEventType(ctx, eventTypeName); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManagedPublisherMissing, err)
		}
	} else {
		if _, _, err := store.GetOrCreatePublisher(ctx, publisherName, o.category); err != nil {
			return nil, err
		}
		if _, _, err := store.GetOrCreateEventType(ctx, eventTypeName, publisherName, o.category); err != nil {
			return nil, err
		}
	}

	source, err := os.Hostname()
	if err != nil {
		source = "unknown"
	}

	return &Publisher{
		publisher: publisherName,
		eventType: eventTypeName,
		source:    source,
		db:        db,
		store:     store,
		opts:      o,
	}, nil
}

// Channel returns the notification channel this publisher emits on.
func (p *Publisher) Channel() string {
	return models.Channel(p.publisher, p.eventType)
}

// Publish inserts an event carrying the payload and returns the persisted
// row. The payload must be JSON or JSON-serializable. Transient failures
// are retried a few times before surfacing.
func (p *Publisher) Publish(ctx context.Context, payload any) (*models.Event, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, retry.Config{
		Retries:  publishRetries,
		Interval: publishRetryInterval,
		Message:  "publish failed, retrying",
	}, func(ctx context.Context) (*models.Event, error) {
		return p.publishOnce(ctx, body)
	})
}

func (p *Publisher) publishOnce(ctx context.Context, body []byte) (*models.Event, error) {
	actCtx, release, err := p.db.ActiveContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("open active scope: %w", err)
	}
	defer release()

	// First publish freezes the payload shape as the event type's sample.
	if err := p.store.SetEventTypeSample(actCtx, p.eventType, body); err != nil {
		return nil, err
	}

	event, err := p.store.InsertEvent(actCtx, p.publisher, p.eventType, p.source, body)
	if err != nil {
		return nil, err
	}
	p.opts.logger.Debug("event published",
		"channel", p.Channel(), "event_id", event.ID)
	return event, nil
}
