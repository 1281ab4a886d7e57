package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	sqlitestore "github.com/cesi-keybox/keybox/server/internal/keybox/store/sqlite"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store/storetest"
)

func TestEventStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.EventStore {
		conn := openTestDB(t)
		return sqlitestore.NewEventStore(conn, newTestWriter(t, conn))
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// RecordEvent — column values
// ═══════════════════════════════════════════════════════════════════════════

func TestEventStore_RecordEvent_ColumnsCorrect(t *testing.T) {
	conn := openTestDB(t)
	es := sqlitestore.NewEventStore(conn, newTestWriter(t, conn))
	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)

	_, err := es.RecordEvent(context.Background(), store.LogRecord{
		ReceivedAt: now,
		RoomID:     "B202",
		EventKind:  "ALERT",
		KeyID:      "MULTI:U1,U2,U3",
		Message:    "multiple badges detected (3)",
		IsMulti:    true,
	})
	require.NoError(t, err)

	var (
		receivedMs             int64
		kind, key, msg         string
		valid, isSwap, isMulti int
	)
	err = conn.QueryRowContext(context.Background(), `
SELECT received_at_ms, event_kind, key_id, message, key_valid, is_swap, is_multi
FROM logs WHERE room_id = ?`, "B202",
	).Scan(&receivedMs, &kind, &key, &msg, &valid, &isSwap, &isMulti)
	require.NoError(t, err)

	assert.Equal(t, now.UnixMilli(), receivedMs)
	assert.Equal(t, "ALERT", kind)
	assert.Equal(t, "MULTI:U1,U2,U3", key)
	assert.Equal(t, 0, valid)
	assert.Equal(t, 0, isSwap)
	assert.Equal(t, 1, isMulti)
}

// ═══════════════════════════════════════════════════════════════════════════
// RecordEvent — failure leaves neither row behind
// ═══════════════════════════════════════════════════════════════════════════

func TestEventStore_RecordEvent_FailureIsAtomic(t *testing.T) {
	conn := openTestDB(t)
	es := sqlitestore.NewEventStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	// Break only the snapshot table so the log insert succeeds first.
	_, err := conn.ExecContext(ctx, `DROP TABLE room_states;`)
	require.NoError(t, err)

	_, err = es.RecordEvent(ctx, store.LogRecord{RoomID: "A101", EventKind: "IN", KeyID: "KEY42"})
	require.Error(t, err)

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&n))
	assert.Zero(t, n, "log row must roll back with the failed snapshot write")
}

func TestEventStore_StorageErrorsPropagate(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	es := sqlitestore.NewEventStore(conn, w)
	w.Close()

	_, err := es.RecordEvent(context.Background(), store.LogRecord{RoomID: "A101", EventKind: "IN"})
	require.Error(t, err)
}

func TestEventStore_RoomStates_Empty(t *testing.T) {
	conn := openTestDB(t)
	es := sqlitestore.NewEventStore(conn, newTestWriter(t, conn))

	states, err := es.RoomStates(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, states)
	assert.Empty(t, states)
}
