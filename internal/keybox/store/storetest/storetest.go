// Package storetest holds behaviour tests shared by every EventStore.
package storetest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

type Factory func(t *testing.T) store.EventStore

var base = time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)

func rec(room, kind, key string, valid, swap, multi bool, i int) store.LogRecord {
	return store.LogRecord{
		ReceivedAt: base.Add(time.Duration(i) * time.Second),
		RoomID:     room,
		EventKind:  kind,
		KeyID:      key,
		KeyName:    key,
		KeyValid:   valid,
		Message:    fmt.Sprintf("%s %s %s", room, kind, key),
		IsSwap:     swap,
		IsMulti:    multi,
	}
}

// seed writes a mixed ledger: 2 IN, 1 SWAP (state SWAP), 1 IN flagged swap,
// 2 OUT, 1 multi ALERT.
func seed(t *testing.T, s store.EventStore) {
	t.Helper()
	ctx := context.Background()
	records := []store.LogRecord{
		rec("A101", "IN", "KEY42", true, false, false, 0),
		rec("A101", "OUT", "N/A", false, false, false, 1),
		rec("B202", "IN", "KEY7", true, false, false, 2),
		rec("B202", "SWAP", "KEY42", false, true, false, 3),
		rec("C303", "IN", "KEY9", false, true, false, 4),
		rec("C303", "OUT", "N/A", false, false, false, 5),
		rec("B202", "ALERT", "MULTI:U1,U2", false, false, true, 6),
	}
	for i, r := range records {
		_, err := s.RecordEvent(ctx, r)
		require.NoError(t, err, "record %d", i)
	}
}

func Run(t *testing.T, newStore Factory) {
	t.Run("RecordEvent_AssignsIncreasingIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var last int64
		for i := 0; i < 5; i++ {
			e, err := s.RecordEvent(ctx, rec("A101", "IN", "KEY42", true, false, false, i))
			require.NoError(t, err)
			assert.Greater(t, e.ID, last)
			last = e.ID
		}
	})

	t.Run("RecordEvent_UpdatesSnapshot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e, err := s.RecordEvent(ctx, rec("A101", "IN", "KEY42", true, false, false, 0))
		require.NoError(t, err)

		states, err := s.RoomStates(ctx)
		require.NoError(t, err)
		require.Contains(t, states, "A101")
		st := states["A101"]
		assert.Equal(t, "IN", st.EventKind)
		assert.Equal(t, "KEY42", st.KeyID)
		assert.True(t, st.KeyValid)
		assert.Equal(t, e.Timestamp, st.LastUpdate)
	})

	t.Run("RoomState_LastIngestedWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		// Produced later but ingested first.
		_, err := s.RecordEvent(ctx, rec("A101", "OUT", "N/A", false, false, false, 10))
		require.NoError(t, err)
		_, err = s.RecordEvent(ctx, rec("A101", "IN", "KEY42", true, false, false, 1))
		require.NoError(t, err)

		states, err := s.RoomStates(ctx)
		require.NoError(t, err)
		assert.Equal(t, "IN", states["A101"].EventKind)
		assert.True(t, states["A101"].KeyValid)
	})

	t.Run("QueryLogs_NewestFirstWithPaging", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		ctx := context.Background()

		all, err := s.QueryLogs(ctx, store.LogQuery{})
		require.NoError(t, err)
		require.Len(t, all, 7)
		for i := 1; i < len(all); i++ {
			assert.Greater(t, all[i-1].ID, all[i].ID)
		}

		page, err := s.QueryLogs(ctx, store.LogQuery{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, all[1].ID, page[0].ID)
		assert.Equal(t, all[2].ID, page[1].ID)
	})

	t.Run("QueryLogs_HugeLimitIsClamped", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		got, err := s.QueryLogs(context.Background(), store.LogQuery{Limit: math.MaxInt})
		require.NoError(t, err)
		assert.Len(t, got, 7)
		assert.Equal(t, store.MaxLogLimit, store.NormalizeQuery(store.LogQuery{Limit: math.MaxInt}).Limit)
	})

	t.Run("Snapshot_CarriesMultiFlag", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)

		states, err := s.RoomStates(context.Background())
		require.NoError(t, err)
		assert.True(t, states["B202"].IsMulti)
		assert.False(t, states["C303"].IsMulti)
	})

	t.Run("QueryLogs_Filters", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		ctx := context.Background()

		cases := map[types.LogFilter]int{
			types.FilterNone:  7,
			types.FilterIn:    2,
			types.FilterOut:   2,
			types.FilterSwap:  2,
			types.FilterAlert: 3,
		}
		for f, want := range cases {
			got, err := s.QueryLogs(ctx, store.LogQuery{Filter: f})
			require.NoError(t, err)
			assert.Len(t, got, want, "filter %q", f)
			for _, e := range got {
				assert.True(t, f.Matches(e), "filter %q returned %+v", f, e)
			}
		}
	})

	t.Run("AggregateCounts_WholeLedger", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		st, err := s.AggregateCounts(context.Background())
		require.NoError(t, err)
		assert.Equal(t, types.Stats{In: 2, Out: 2, Alert: 3, Total: 7}, st)
	})

	t.Run("Clear_KeepsSnapshot", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		ctx := context.Background()

		before, err := s.RoomStates(ctx)
		require.NoError(t, err)

		n, err := s.Clear(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)

		logs, err := s.QueryLogs(ctx, store.LogQuery{})
		require.NoError(t, err)
		assert.Empty(t, logs)

		st, err := s.AggregateCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.Stats{}, st)

		after, err := s.RoomStates(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("Clear_DoesNotReuseIDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first, err := s.RecordEvent(ctx, rec("A101", "IN", "KEY42", true, false, false, 0))
		require.NoError(t, err)
		_, err = s.Clear(ctx)
		require.NoError(t, err)
		second, err := s.RecordEvent(ctx, rec("A101", "OUT", "N/A", false, false, false, 1))
		require.NoError(t, err)
		assert.Greater(t, second.ID, first.ID)
	})

	t.Run("AppendAndUpsertSeparately", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		r := rec("D404", "IN", "KEY1", true, false, false, 0)
		e, err := s.Append(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "D404", e.RoomID)

		states, err := s.RoomStates(ctx)
		require.NoError(t, err)
		assert.NotContains(t, states, "D404")

		require.NoError(t, s.UpsertRoomState(ctx, r.RoomState()))
		states, err = s.RoomStates(ctx)
		require.NoError(t, err)
		assert.Equal(t, "KEY1", states["D404"].KeyID)
	})

	t.Run("ConcurrentRecords_AllLanded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.RecordEvent(ctx, rec(fmt.Sprintf("R%d", i%4), "IN", "KEY42", true, false, false, i))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		st, err := s.AggregateCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(20), st.Total)

		states, err := s.RoomStates(ctx)
		require.NoError(t, err)
		assert.Len(t, states, 4)
	})
}
