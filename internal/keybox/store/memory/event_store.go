package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

// EventStore is an in-memory ledger and snapshot table.
// It is intended for use in tests and dev environments.
type EventStore struct {
	mu     sync.RWMutex
	nextID int64
	logs   []types.LogEntry
	rooms  map[string]types.RoomState
}

func NewEventStore() *EventStore {
	return &EventStore{
		nextID: 1,
		rooms:  make(map[string]types.RoomState),
	}
}

func (s *EventStore) Append(_ context.Context, rec store.LogRecord) (types.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(rec), nil
}

func (s *EventStore) UpsertRoomState(_ context.Context, st types.RoomState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.LastUpdate.IsZero() {
		st.LastUpdate = time.Now().UTC()
	}
	s.rooms[st.RoomID] = st
	return nil
}

func (s *EventStore) RecordEvent(_ context.Context, rec store.LogRecord) (types.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.appendLocked(rec)
	st := rec.RoomState()
	st.LastUpdate = entry.Timestamp
	s.rooms[rec.RoomID] = st
	return entry, nil
}

func (s *EventStore) appendLocked(rec store.LogRecord) types.LogEntry {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	e := types.LogEntry{
		ID:        s.nextID,
		Timestamp: rec.ReceivedAt.UTC(),
		RoomID:    rec.RoomID,
		EventKind: rec.EventKind,
		KeyID:     rec.KeyID,
		KeyName:   rec.KeyName,
		KeyValid:  rec.KeyValid,
		Message:   rec.Message,
		IsSwap:    rec.IsSwap,
		IsMulti:   rec.IsMulti,
	}
	s.nextID++
	s.logs = append(s.logs, e)
	return e
}

func (s *EventStore) QueryLogs(_ context.Context, q store.LogQuery) ([]types.LogEntry, error) {
	q = store.NormalizeQuery(q)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.LogEntry
	skipped := 0
	for i := len(s.logs) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if !q.Filter.Matches(s.logs[i]) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, s.logs[i])
	}
	return out, nil
}

func (s *EventStore) AggregateCounts(_ context.Context) (types.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st types.Stats
	for _, e := range s.logs {
		if types.FilterIn.Matches(e) {
			st.In++
		}
		if types.FilterOut.Matches(e) {
			st.Out++
		}
		if types.FilterAlert.Matches(e) {
			st.Alert++
		}
	}
	st.Total = int64(len(s.logs))
	return st, nil
}

func (s *EventStore) RoomStates(_ context.Context) (map[string]types.RoomState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.RoomState, len(s.rooms))
	for k, v := range s.rooms {
		out[k] = v
	}
	return out, nil
}

// Clear keeps nextID so ids are never reused.
func (s *EventStore) Clear(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.logs))
	s.logs = nil
	return n, nil
}
