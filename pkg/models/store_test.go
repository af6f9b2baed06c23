package models_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oim-wa/eventhub/pkg/models"
	"github.com/oim-wa/eventhub/test/util"
)

func uniqueName(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

// fixture creates a publisher, event type, subscriber and subscription.
func fixture(t *testing.T, ctx context.Context, store *models.Store) *models.SubscribedEventType {
	t.Helper()
	pub := uniqueName("pub")
	et := uniqueName("et")
	sub := uniqueName("sub")

	_, _, err := store.GetOrCreatePublisher(ctx, pub, models.Unitesting)
	require.NoError(t, err)
	_, _, err = store.GetOrCreateEventType(ctx, et, pub, models.Unitesting)
	require.NoError(t, err)
	_, _, err = store.GetOrCreateSubscriber(ctx, sub, models.Unitesting)
	require.NoError(t, err)
	row, created, err := store.UpsertSubscribedEventType(ctx, sub, pub, et, models.Unitesting)
	require.NoError(t, err)
	require.True(t, created)
	return row
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, _ := util.SetupTestDatabase(t)
	store := models.NewStore(db)
	ctx := context.Background()

	name := uniqueName("pub")
	first, created, err := store.GetOrCreatePublisher(ctx, name, models.Unitesting)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.GetOrCreatePublisher(ctx, name, models.Programmatic)
	require.NoError(t, err)
	assert.False(t, created)
	// Existing row wins; the second category is ignored.
	assert.Equal(t, first.Category, second.Category)
}

func TestSetEventTypeSample_FirstWriterWins(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, _ := util.SetupTestDatabase(t)
	store := models.NewStore(db)
	ctx := context.Background()
	row := fixture(t, ctx, store)

	require.NoError(t, store.SetEventTypeSample(ctx, row.EventType, json.RawMessage(`{"v":1}`)))
	require.NoError(t, store.SetEventTypeSample(ctx, row.EventType, json.RawMessage(`{"v":2}`)))

	et, err := store.GetEventType(ctx, row.EventType)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(et.Sample))
}

func TestAcquireLease_InsertThenRead(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, _ := util.SetupTestDatabase(t)
	store := models.NewStore(db)
	ctx := context.Background()
	row := fixture(t, ctx, store)

	event, err := store.InsertEvent(ctx, row.Publisher, row.EventType, "host-a", json.RawMessage(`{}`))
	require.NoError(t, err)

	lease, created, err := store.AcquireLease(ctx, row, event.ID, "host-a", "100")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusProcessing, lease.Status)
	assert.Equal(t, 1, lease.ProcessTimes)

	peer, created, err := store.AcquireLease(ctx, row, event.ID, "host-b", "200")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, lease.ID, peer.ID)
	assert.Equal(t, "host-a", peer.ProcessHost)
}

func TestStealLease_ConditionalOnObservedAttempt(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, _ := util.SetupTestDatabase(t)
	store := models.NewStore(db)
	ctx := context.Background()
	row := fixture(t, ctx, store)

	event, err := store.InsertEvent(ctx, row.Publisher, row.EventType, "host-a", json.RawMessage(`{}`))
	require.NoError(t, err)
	lease, _, err := store.AcquireLease(ctx, row, event.ID, "host-a", "100")
	require.NoError(t, err)
	detail := "boom"
	require.NoError(t, store.MarkFailed(ctx, lease.ID, &detail))

	// Two peers observed the failed attempt; only one steal succeeds.
	observedA := *lease
	observedB := *lease
	stolen, err := store.StealLease(ctx, &observedA, "host-b", "200")
	require.NoError(t, err)
	assert.True(t, stolen)
	assert.Equal(t, 2, observedA.ProcessTimes)
	assert.Equal(t, models.StatusProcessing, observedA.Status)

	stolen, err = store.StealLease(ctx, &observedB, "host-c", "300")
	require.NoError(t, err)
	assert.False(t, stolen)
}

func TestInsertHistory_RewritesProcessingToTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, _ := util.SetupTestDatabase(t)
	store := models.NewStore(db)
	ctx := context.Background()
	row := fixture(t, ctx, store)

	event, err := store.InsertEvent(ctx, row.Publisher, row.EventType, "host-a", json.RawMessage(`{}`))
	require.NoError(t, err)
	lease, _, err := store.AcquireLease(ctx, row, event.ID, "host-a", "100")
	require.NoError(t, err)

	require.NoError(t, store.InsertHistory(ctx, lease))

	var status models.Status
	err = db.Pool().QueryRow(ctx,
		"SELECT status FROM event_processing_history WHERE subscribed_event_id = $1", lease.ID).
		Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, status)
}

func TestAdvanceWatermark_Monotone(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, _ := util.SetupTestDatabase(t)
	store := models.NewStore(db)
	ctx := context.Background()
	row := fixture(t, ctx, store)

	e1, err := store.InsertEvent(ctx, row.Publisher, row.EventType, "h", json.RawMessage(`{}`))
	require.NoError(t, err)
	e2, err := store.InsertEvent(ctx, row.Publisher, row.EventType, "h", json.RawMessage(`{}`))
	require.NoError(t, err)

	moved, err := store.AdvanceWatermark(ctx, row.ID, e2.ID, store.Now())
	require.NoError(t, err)
	assert.True(t, moved)

	// An older event must not move the watermark backwards.
	moved, err = store.AdvanceWatermark(ctx, row.ID, e1.ID, store.Now())
	require.NoError(t, err)
	assert.False(t, moved)

	fresh, err := store.GetSubscribedEventTypeByID(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.LastDispatchedEventID)
	assert.Equal(t, e2.ID, *fresh.LastDispatchedEventID)
}

func TestMissedEvents_AfterWatermark(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, _ := util.SetupTestDatabase(t)
	store := models.NewStore(db)
	ctx := context.Background()
	row := fixture(t, ctx, store)

	var ids []int64
	for i := 0; i < 3; i++ {
		e, err := store.InsertEvent(ctx, row.Publisher, row.EventType, "h", json.RawMessage(`{}`))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	// No watermark: everything is missed, in id order.
	missed, err := store.MissedEvents(ctx, row)
	require.NoError(t, err)
	require.Len(t, missed, 3)
	assert.Equal(t, ids[0], missed[0].ID)
	assert.Equal(t, ids[2], missed[2].ID)

	_, err = store.AdvanceWatermark(ctx, row.ID, ids[1], store.Now())
	require.NoError(t, err)
	fresh, err := store.GetSubscribedEventTypeByID(ctx, row.ID)
	require.NoError(t, err)

	missed, err = store.MissedEvents(ctx, fresh)
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, ids[2], missed[0].ID)
}

func TestFailedOrStuckEventIDs(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, _ := util.SetupTestDatabase(t)
	store := models.NewStore(db)
	ctx := context.Background()
	row := fixture(t, ctx, store)

	failed, err := store.InsertEvent(ctx, row.Publisher, row.EventType, "h", json.RawMessage(`{}`))
	require.NoError(t, err)
	stuck, err := store.InsertEvent(ctx, row.Publisher, row.EventType, "h", json.RawMessage(`{}`))
	require.NoError(t, err)
	healthy, err := store.InsertEvent(ctx, row.Publisher, row.EventType, "h", json.RawMessage(`{}`))
	require.NoError(t, err)

	leaseF, _, err := store.AcquireLease(ctx, row, failed.ID, "h", "1")
	require.NoError(t, err)
	detail := "callback error"
	require.NoError(t, store.MarkFailed(ctx, leaseF.ID, &detail))

	leaseS, _, err := store.AcquireLease(ctx, row, stuck.ID, "h", "1")
	require.NoError(t, err)
	// Age the stuck lease past the timeout.
	_, err = db.Pool().Exec(ctx,
		"UPDATE subscribed_event SET process_start_time = $2 WHERE id = $1",
		leaseS.ID, store.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	leaseH, _, err := store.AcquireLease(ctx, row, healthy.ID, "h", "1")
	require.NoError(t, err)
	require.NoError(t, store.MarkSucceeded(ctx, leaseH.ID, nil))

	ids, err := store.FailedOrStuckEventIDs(ctx, row, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []int64{failed.ID, stuck.ID}, ids)
}
