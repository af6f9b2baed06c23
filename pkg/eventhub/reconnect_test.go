package eventhub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oim-wa/eventhub/pkg/models"
	"github.com/oim-wa/eventhub/test/util"
)

func testEntityName(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

// idRecorder is a concurrency-safe tally of delivered event ids.
type idRecorder struct {
	mu    sync.Mutex
	seen  map[int64]int
	total int
}

func newIDRecorder() *idRecorder {
	return &idRecorder{seen: make(map[int64]int)}
}

func (r *idRecorder) callback(ctx context.Context, event *models.Event) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[event.ID]++
	r.total++
	return nil, nil
}

func (r *idRecorder) count(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

func TestReconnect_RecoversListenAndBackfills(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, _ := util.SetupTestDatabase(t)
	store := models.NewStore(db)
	ctx := context.Background()

	pubName := testEntityName("pub")
	etName := testEntityName("et")
	subName := testEntityName("sub")

	pub, err := NewPublisher(ctx, db, pubName, etName, WithCategory(models.Unitesting))
	require.NoError(t, err)

	sub, err := NewSubscriber(ctx, db, subName, WithCategory(models.Unitesting))
	require.NoError(t, err)
	t.Cleanup(func() {
		sub.Shutdown()
		_ = sub.Close(context.Background())
	})
	sub.Start(ctx)

	rec := newIDRecorder()
	_, _, err = sub.Subscribe(ctx, etName, rec.callback)
	require.NoError(t, err)

	// Live delivery works before the outage.
	first, err := pub.Publish(ctx, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rec.count(first.ID) == 1
	}, 15*time.Second, 100*time.Millisecond)

	// Leave a Failed delivery behind so the reconnect replay pass has work.
	second, err := pub.Publish(ctx, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rec.count(second.ID) == 1
	}, 15*time.Second, 100*time.Millisecond)
	_, err = db.Pool().Exec(ctx,
		"UPDATE subscribed_event SET status = $2 WHERE event_id = $1",
		second.ID, models.StatusFailed)
	require.NoError(t, err)

	// Kill the server side of the listening connection.
	conn := sub.listenConn.Conn()
	require.NotNil(t, conn)
	_, err = db.Pool().Exec(ctx, "SELECT pg_terminate_backend($1)", int(conn.PgConn().PID()))
	require.NoError(t, err)

	// Publish during the outage; the notification is lost, the row is not.
	gap, err := pub.Publish(ctx, json.RawMessage(`{"n":3}`))
	require.NoError(t, err)

	// The retry loop must reconnect, re-LISTEN, and backfill the gap event.
	require.Eventually(t, func() bool {
		var status models.Status
		err := db.Pool().QueryRow(ctx,
			"SELECT status FROM subscribed_event WHERE event_id = $1", gap.ID).
			Scan(&status)
		return err == nil && status == models.StatusSucceed
	}, 30*time.Second, 100*time.Millisecond, "event published during the outage must be delivered")

	// The reconnect replay pass reclaims the Failed delivery too.
	require.Eventually(t, func() bool {
		var status models.Status
		var times int
		err := db.Pool().QueryRow(ctx,
			"SELECT status, process_times FROM subscribed_event WHERE event_id = $1", second.ID).
			Scan(&status, &times)
		return err == nil && status == models.StatusSucceed && times == 2
	}, 30*time.Second, 100*time.Millisecond, "failed delivery must be replayed after reconnect")

	// A fresh connection is in place and the old one is gone.
	fresh := sub.listenConn.Conn()
	require.NotNil(t, fresh)
	assert.NotEqual(t, conn.PgConn().PID(), fresh.PgConn().PID())

	// Exactly-once for the gap event despite backfill racing re-LISTEN.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, rec.count(gap.ID))

	// Watermark caught up across the outage.
	row, err := store.GetSubscribedEventType(ctx, subName, pubName, etName)
	require.NoError(t, err)
	require.NotNil(t, row.LastDispatchedEventID)
	assert.Equal(t, gap.ID, *row.LastDispatchedEventID)
}

func TestListenerExec_FallsBackWhenLoopExits(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	db, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	sub, err := NewSubscriber(ctx, db, testEntityName("sub"), WithCategory(models.Unitesting))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close(context.Background()) })

	// Freeze the listener in the window where the liveness check has passed
	// but the loop has already exited: the queued command must not strand
	// the caller.
	l := sub.listener
	l.running.Store(true)
	close(l.done)

	done := make(chan error, 1)
	go func() { done <- l.Listen(ctx, "orphaned.channel") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Listen blocked on an exited listener loop")
	}

	// The fallback executed the LISTEN on the connection directly.
	conn := sub.listenConn.Conn()
	require.NotNil(t, conn)
	rows, err := conn.Query(ctx, "SELECT pg_listening_channels()")
	require.NoError(t, err)
	defer rows.Close()
	var channels []string
	for rows.Next() {
		var ch string
		require.NoError(t, rows.Scan(&ch))
		channels = append(channels, ch)
	}
	require.NoError(t, rows.Err())
	assert.Contains(t, channels, "orphaned.channel")
}
