package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oim-wa/eventhub/pkg/database"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store runs all event hub SQL. Every method routes through
// database.Client.Querier so that work inside an active scope shares the
// scope's single pooled connection.
type Store struct {
	db *database.Client
}

// NewStore returns a store backed by the given client.
func NewStore(db *database.Client) *Store {
	return &Store{db: db}
}

// Now returns the current time in the configured hub time zone.
func (s *Store) Now() time.Time {
	return s.db.Config().Now()
}

// --- publisher ---

const publisherColumns = "name, category, active, comments, created, modified"

func scanPublisher(row pgx.Row) (*Publisher, error) {
	var p Publisher
	err := row.Scan(&p.Name, &p.Category, &p.Active, &p.Comments, &p.Created, &p.Modified)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPublisher fetches a publisher by name. Returns ErrNotFound when absent.
func (s *Store) GetPublisher(ctx context.Context, name string) (*Publisher, error) {
	q := s.db.Querier(ctx)
	p, err := scanPublisher(q.QueryRow(ctx,
		"SELECT "+publisherColumns+" FROM publisher WHERE name = $1", name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("publisher %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get publisher %q: %w", name, err)
	}
	return p, nil
}

// GetOrCreatePublisher fetches the named publisher, inserting it with the
// given category when it does not exist yet. The bool reports creation.
func (s *Store) GetOrCreatePublisher(ctx context.Context, name string, category Category) (*Publisher, bool, error) {
	q := s.db.Querier(ctx)
	p, err := scanPublisher(q.QueryRow(ctx,
		`INSERT INTO publisher (name, category, created, modified)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (name) DO NOTHING
		 RETURNING `+publisherColumns,
		name, category, s.Now()))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create publisher %q: %w", name, err)
	}
	p, err = s.GetPublisher(ctx, name)
	return p, false, err
}

// --- event type ---

const eventTypeColumns = "name, publisher_id, category, active, sample, comments, created, modified"

func scanEventType(row pgx.Row) (*EventType, error) {
	var t EventType
	err := row.Scan(&t.Name, &t.Publisher, &t.Category, &t.Active, &t.Sample, &t.Comments, &t.Created, &t.Modified)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetEventType fetches an event type by name. Returns ErrNotFound when
// absent.
func (s *Store) GetEventType(ctx context.Context, name string) (*EventType, error) {
	q := s.db.Querier(ctx)
	t, err := scanEventType(q.QueryRow(ctx,
		"SELECT "+eventTypeColumns+" FROM event_type WHERE name = $1", name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event type %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event type %q: %w", name, err)
	}
	return t, nil
}

// GetOrCreateEventType fetches the named event type, inserting it under the
// given publisher when absent. The bool reports creation.
func (s *Store) GetOrCreateEventType(ctx context.Context, name, publisher string, category Category) (*EventType, bool, error) {
	q := s.db.Querier(ctx)
	t, err := scanEventType(q.QueryRow(ctx,
		`INSERT INTO event_type (name, publisher_id, category, created, modified)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (name) DO NOTHING
		 RETURNING `+eventTypeColumns,
		name, publisher, category, s.Now()))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create event type %q: %w", name, err)
	}
	t, err = s.GetEventType(ctx, name)
	return t, false, err
}

// SetEventTypeSample records the payload of the first published event as the
// event type's sample. Only the first writer wins: rows with a sample
// already set are left untouched.
func (s *Store) SetEventTypeSample(ctx context.Context, name string, sample json.RawMessage) error {
	q := s.db.Querier(ctx)
	_, err := q.Exec(ctx,
		"UPDATE event_type SET sample = $2, modified = $3 WHERE name = $1 AND sample IS NULL",
		name, sample, s.Now())
	if err != nil {
		return fmt.Errorf("set sample for event type %q: %w", name, err)
	}
	return nil
}

// --- event ---

const eventColumns = "id, publisher_id, event_type_id, active, source, publish_time, payload"

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.Publisher, &e.EventType, &e.Active, &e.Source, &e.PublishTime, &e.Payload)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertEvent persists a new event. The insert fires the notification
// trigger, so a successful return means the event was also announced.
func (s *Store) InsertEvent(ctx context.Context, publisher, eventType, source string, payload json.RawMessage) (*Event, error) {
	q := s.db.Querier(ctx)
	e, err := scanEvent(q.QueryRow(ctx,
		`INSERT INTO event (publisher_id, event_type_id, source, publish_time, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+eventColumns,
		publisher, eventType, source, s.Now(), payload))
	if err != nil {
		return nil, fmt.Errorf("insert event for %s: %w", Channel(publisher, eventType), err)
	}
	return e, nil
}

// GetEvent fetches an event by id. Returns ErrNotFound when absent.
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	q := s.db.Querier(ctx)
	e, err := scanEvent(q.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM event WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return e, nil
}

// --- subscriber ---

// GetOrCreateSubscriber fetches the named subscriber, inserting it when
// absent. The bool reports creation.
func (s *Store) GetOrCreateSubscriber(ctx context.Context, name string, category Category) (*Subscriber, bool, error) {
	q := s.db.Querier(ctx)
	scan := func(row pgx.Row) (*Subscriber, error) {
		var sub Subscriber
		err := row.Scan(&sub.Name, &sub.Category, &sub.Active, &sub.Comments, &sub.Created, &sub.Modified)
		if err != nil {
			return nil, err
		}
		return &sub, nil
	}
	const cols = "name, category, active, comments, created, modified"
	sub, err := scan(q.QueryRow(ctx,
		`INSERT INTO subscriber (name, category, created, modified)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (name) DO NOTHING
		 RETURNING `+cols,
		name, category, s.Now()))
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create subscriber %q: %w", name, err)
	}
	sub, err = scan(q.QueryRow(ctx,
		"SELECT "+cols+" FROM subscriber WHERE name = $1", name))
	if err != nil {
		return nil, false, fmt.Errorf("get subscriber %q: %w", name, err)
	}
	return sub, false, nil
}

// --- subscribed event type ---

const subscribedEventTypeColumns = `id, subscriber_id, publisher_id, event_type_id, category,
	event_processing_module_id, parameters, replay_missed_events, replay_failed_events,
	last_dispatched_event_id, last_dispatched_time, last_listening_time, created, modified`

func scanSubscribedEventType(row pgx.Row) (*SubscribedEventType, error) {
	var t SubscribedEventType
	err := row.Scan(&t.ID, &t.Subscriber, &t.Publisher, &t.EventType, &t.Category,
		&t.ProcessingModuleID, &t.Parameters, &t.ReplayMissedEvents, &t.ReplayFailedEvents,
		&t.LastDispatchedEventID, &t.LastDispatchedTime, &t.LastListeningTime, &t.Created, &t.Modified)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetSubscribedEventType fetches the subscription row for the triple.
// Returns ErrNotFound when absent.
func (s *Store) GetSubscribedEventType(ctx context.Context, subscriber, publisher, eventType string) (*SubscribedEventType, error) {
	q := s.db.Querier(ctx)
	t, err := scanSubscribedEventType(q.QueryRow(ctx,
		`SELECT `+subscribedEventTypeColumns+` FROM subscribed_event_type
		 WHERE subscriber_id = $1 AND publisher_id = $2 AND event_type_id = $3`,
		subscriber, publisher, eventType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s/%s: %w", subscriber, Channel(publisher, eventType), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s/%s: %w", subscriber, Channel(publisher, eventType), err)
	}
	return t, nil
}

// GetSubscribedEventTypeByID fetches a subscription row by primary key.
func (s *Store) GetSubscribedEventTypeByID(ctx context.Context, id int64) (*SubscribedEventType, error) {
	q := s.db.Querier(ctx)
	t, err := scanSubscribedEventType(q.QueryRow(ctx,
		"SELECT "+subscribedEventTypeColumns+" FROM subscribed_event_type WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %d: %w", id, err)
	}
	return t, nil
}

// UpsertSubscribedEventType fetches the subscription row for the triple,
// inserting it when absent. The bool reports creation.
func (s *Store) UpsertSubscribedEventType(ctx context.Context, subscriber, publisher, eventType string, category Category) (*SubscribedEventType, bool, error) {
	q := s.db.Querier(ctx)
	t, err := scanSubscribedEventType(q.QueryRow(ctx,
		`INSERT INTO subscribed_event_type (subscriber_id, publisher_id, event_type_id, category, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (subscriber_id, publisher_id, event_type_id) DO NOTHING
		 RETURNING `+subscribedEventTypeColumns,
		subscriber, publisher, eventType, category, s.Now()))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create subscription %s/%s: %w", subscriber, Channel(publisher, eventType), err)
	}
	t, err = s.GetSubscribedEventType(ctx, subscriber, publisher, eventType)
	return t, false, err
}

// ListManagedSubscriptions returns the subscriber's Managed subscription
// rows, for auto-subscription at startup.
func (s *Store) ListManagedSubscriptions(ctx context.Context, subscriber string) ([]*SubscribedEventType, error) {
	q := s.db.Querier(ctx)
	rows, err := q.Query(ctx,
		`SELECT `+subscribedEventTypeColumns+` FROM subscribed_event_type
		 WHERE subscriber_id = $1 AND category = $2
		 ORDER BY id`,
		subscriber, Managed)
	if err != nil {
		return nil, fmt.Errorf("list managed subscriptions for %q: %w", subscriber, err)
	}
	defer rows.Close()

	var out []*SubscribedEventType
	for rows.Next() {
		t, err := scanSubscribedEventType(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TouchLastListening records when the subscription last (re)attached its
// listener, marking the point from which live notifications are guaranteed.
func (s *Store) TouchLastListening(ctx context.Context, id int64, at time.Time) error {
	q := s.db.Querier(ctx)
	_, err := q.Exec(ctx,
		"UPDATE subscribed_event_type SET last_listening_time = $2, modified = $2 WHERE id = $1",
		id, at)
	if err != nil {
		return fmt.Errorf("touch last listening for subscription %d: %w", id, err)
	}
	return nil
}

// AdvanceWatermark moves the subscription's last-dispatched marker to
// eventID, but never backwards. Returns false when a peer already advanced
// it to eventID or beyond.
func (s *Store) AdvanceWatermark(ctx context.Context, id, eventID int64, at time.Time) (bool, error) {
	q := s.db.Querier(ctx)
	tag, err := q.Exec(ctx,
		`UPDATE subscribed_event_type
		 SET last_dispatched_event_id = $2, last_dispatched_time = $3, modified = $3
		 WHERE id = $1 AND (last_dispatched_event_id IS NULL OR last_dispatched_event_id < $2)`,
		id, eventID, at)
	if err != nil {
		return false, fmt.Errorf("advance watermark for subscription %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MissedEvents returns, in id order, the subscription's events published
// after the watermark. With no watermark the whole event history for the
// type qualifies.
func (s *Store) MissedEvents(ctx context.Context, set *SubscribedEventType) ([]*Event, error) {
	q := s.db.Querier(ctx)
	var since int64
	if set.LastDispatchedEventID != nil {
		since = *set.LastDispatchedEventID
	}
	rows, err := q.Query(ctx,
		`SELECT `+eventColumns+` FROM event
		 WHERE publisher_id = $1 AND event_type_id = $2 AND id > $3
		 ORDER BY id`,
		set.Publisher, set.EventType, since)
	if err != nil {
		return nil, fmt.Errorf("list missed events for %s: %w", set.Channel(), err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FailedOrStuckEventIDs returns, in id order, the event ids whose latest
// attempt for this subscription either failed outright or has been stuck in
// Processing longer than timeout.
func (s *Store) FailedOrStuckEventIDs(ctx context.Context, set *SubscribedEventType, timeout time.Duration) ([]int64, error) {
	q := s.db.Querier(ctx)
	cutoff := s.Now().Add(-timeout)
	rows, err := q.Query(ctx,
		`SELECT event_id FROM subscribed_event
		 WHERE subscriber_id = $1 AND publisher_id = $2 AND event_type_id = $3
		   AND (status < 0 OR (status = 0 AND process_start_time < $4))
		 ORDER BY event_id`,
		set.Subscriber, set.Publisher, set.EventType, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list failed events for %s: %w", set.Channel(), err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- subscribed event (lease) ---

const subscribedEventColumns = `id, subscriber_id, publisher_id, event_type_id, event_id,
	process_host, process_pid, process_times, process_start_time, process_end_time, status, result`

func scanSubscribedEvent(row pgx.Row) (*SubscribedEvent, error) {
	var se SubscribedEvent
	err := row.Scan(&se.ID, &se.Subscriber, &se.Publisher, &se.EventType, &se.EventID,
		&se.ProcessHost, &se.ProcessPID, &se.ProcessTimes, &se.ProcessStartTime,
		&se.ProcessEndTime, &se.Status, &se.Result)
	if err != nil {
		return nil, err
	}
	return &se, nil
}

// AcquireLease claims the delivery record for (subscription, event). The
// unique constraint on the identity quadruple makes the insert a mutex: the
// winner gets a fresh Processing row and created=true, losers read back the
// holder's row with created=false.
func (s *Store) AcquireLease(ctx context.Context, set *SubscribedEventType, eventID int64, host, pid string) (*SubscribedEvent, bool, error) {
	q := s.db.Querier(ctx)
	se, err := scanSubscribedEvent(q.QueryRow(ctx,
		`INSERT INTO subscribed_event
		   (subscriber_id, publisher_id, event_type_id, event_id,
		    process_host, process_pid, process_times, process_start_time, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
		 ON CONFLICT (subscriber_id, publisher_id, event_type_id, event_id) DO NOTHING
		 RETURNING `+subscribedEventColumns,
		set.Subscriber, set.Publisher, set.EventType, eventID,
		host, pid, s.Now(), StatusProcessing))
	if err == nil {
		return se, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("acquire lease for event %d: %w", eventID, err)
	}

	se, err = scanSubscribedEvent(q.QueryRow(ctx,
		`SELECT `+subscribedEventColumns+` FROM subscribed_event
		 WHERE subscriber_id = $1 AND publisher_id = $2 AND event_type_id = $3 AND event_id = $4`,
		set.Subscriber, set.Publisher, set.EventType, eventID))
	if err != nil {
		return nil, false, fmt.Errorf("read lease for event %d: %w", eventID, err)
	}
	return se, false, nil
}

// StealLease takes over an existing delivery record for a reprocess. The
// update is conditional on the process_times value the caller observed, so
// concurrent stealers race and exactly one wins. On success se is updated
// in place to the new holder state.
func (s *Store) StealLease(ctx context.Context, se *SubscribedEvent, host, pid string) (bool, error) {
	q := s.db.Querier(ctx)
	now := s.Now()
	tag, err := q.Exec(ctx,
		`UPDATE subscribed_event
		 SET process_host = $3, process_pid = $4, process_times = process_times + 1,
		     process_start_time = $5, process_end_time = NULL, status = $6, result = NULL
		 WHERE id = $1 AND process_times = $2`,
		se.ID, se.ProcessTimes, host, pid, now, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("steal lease %d: %w", se.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	se.ProcessHost = host
	se.ProcessPID = &pid
	se.ProcessTimes++
	se.ProcessStartTime = now
	se.ProcessEndTime = nil
	se.Status = StatusProcessing
	se.Result = nil
	return true, nil
}

// InsertHistory archives a superseded attempt before its record is reused.
// An attempt still marked Processing is archived as Timeout: the reprocess
// itself is the verdict that the attempt never finished.
func (s *Store) InsertHistory(ctx context.Context, prev *SubscribedEvent) error {
	q := s.db.Querier(ctx)
	status := prev.Status
	if status == StatusProcessing {
		status = StatusTimeout
	}
	_, err := q.Exec(ctx,
		`INSERT INTO event_processing_history
		   (subscribed_event_id, process_host, process_pid, process_start_time, process_end_time, status, result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		prev.ID, prev.ProcessHost, prev.ProcessPID, prev.ProcessStartTime, prev.ProcessEndTime, status, prev.Result)
	if err != nil {
		return fmt.Errorf("archive attempt for lease %d: %w", prev.ID, err)
	}
	return nil
}

// MarkSucceeded finalizes the delivery record as Succeed with the
// callback's serialized result.
func (s *Store) MarkSucceeded(ctx context.Context, id int64, result *string) error {
	return s.finish(ctx, id, StatusSucceed, result)
}

// MarkFailed finalizes the delivery record as Failed with the error detail.
func (s *Store) MarkFailed(ctx context.Context, id int64, result *string) error {
	return s.finish(ctx, id, StatusFailed, result)
}

func (s *Store) finish(ctx context.Context, id int64, status Status, result *string) error {
	q := s.db.Querier(ctx)
	_, err := q.Exec(ctx,
		"UPDATE subscribed_event SET process_end_time = $2, status = $3, result = $4 WHERE id = $1",
		id, s.Now(), status, result)
	if err != nil {
		return fmt.Errorf("finish lease %d as %s: %w", id, status, err)
	}
	return nil
}

// GetSubscribedEvent fetches a delivery record by id.
func (s *Store) GetSubscribedEvent(ctx context.Context, id int64) (*SubscribedEvent, error) {
	q := s.db.Querier(ctx)
	se, err := scanSubscribedEvent(q.QueryRow(ctx,
		"SELECT "+subscribedEventColumns+" FROM subscribed_event WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lease %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lease %d: %w", id, err)
	}
	return se, nil
}

// --- processing module ---

// GetProcessingModuleByID fetches a processing module definition.
func (s *Store) GetProcessingModuleByID(ctx context.Context, id int64) (*EventProcessingModule, error) {
	q := s.db.Querier(ctx)
	var m EventProcessingModule
	err := q.QueryRow(ctx,
		`SELECT id, name, code, parameters, comments, created, modified
		 FROM event_processing_module WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.Code, &m.Parameters, &m.Comments, &m.Created, &m.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("processing module %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get processing module %d: %w", id, err)
	}
	return &m, nil
}
