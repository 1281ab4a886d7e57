package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/cesi-keybox/keybox/server/internal/db"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

type EventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewEventStore(db *sql.DB, writer *dbpkg.Worker) *EventStore {
	return &EventStore{db: db, writer: writer}
}

func (s *EventStore) Append(ctx context.Context, rec store.LogRecord) (types.LogEntry, error) {
	rec = normalizeRecord(rec)
	var entry types.LogEntry
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		entry, err = insertLog(ctx, tx, rec)
		return err
	})
	return entry, err
}

func (s *EventStore) UpsertRoomState(ctx context.Context, st types.RoomState) error {
	if st.LastUpdate.IsZero() {
		st.LastUpdate = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return upsertRoom(ctx, tx, st)
	})
}

// RecordEvent writes the ledger row first and the snapshot second inside the
// same transaction, so a reader never sees the snapshot without its log row.
func (s *EventStore) RecordEvent(ctx context.Context, rec store.LogRecord) (types.LogEntry, error) {
	rec = normalizeRecord(rec)
	var entry types.LogEntry
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if entry, err = insertLog(ctx, tx, rec); err != nil {
			return err
		}
		return upsertRoom(ctx, tx, rec.RoomState())
	})
	if err != nil {
		return types.LogEntry{}, err
	}
	return entry, nil
}

func normalizeRecord(rec store.LogRecord) store.LogRecord {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	// Stored with millisecond precision; keep the returned entry identical.
	rec.ReceivedAt = time.UnixMilli(rec.ReceivedAt.UnixMilli()).UTC()
	return rec
}

func insertLog(ctx context.Context, tx *sql.Tx, rec store.LogRecord) (types.LogEntry, error) {
	res, err := tx.ExecContext(ctx, `
INSERT INTO logs(
  received_at_ms, room_id, event_kind, key_id, key_name, key_valid, message, is_swap, is_multi
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		rec.ReceivedAt.UnixMilli(), rec.RoomID, rec.EventKind, rec.KeyID, rec.KeyName,
		boolInt(rec.KeyValid), rec.Message, boolInt(rec.IsSwap), boolInt(rec.IsMulti),
	)
	if err != nil {
		return types.LogEntry{}, fmt.Errorf("insert log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.LogEntry{}, fmt.Errorf("insert log id: %w", err)
	}
	return types.LogEntry{
		ID:        id,
		Timestamp: rec.ReceivedAt,
		RoomID:    rec.RoomID,
		EventKind: rec.EventKind,
		KeyID:     rec.KeyID,
		KeyName:   rec.KeyName,
		KeyValid:  rec.KeyValid,
		Message:   rec.Message,
		IsSwap:    rec.IsSwap,
		IsMulti:   rec.IsMulti,
	}, nil
}

func upsertRoom(ctx context.Context, tx *sql.Tx, st types.RoomState) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO room_states(room_id, event_kind, key_id, key_name, key_valid, message, is_multi, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET
  event_kind    = excluded.event_kind,
  key_id        = excluded.key_id,
  key_name      = excluded.key_name,
  key_valid     = excluded.key_valid,
  message       = excluded.message,
  is_multi      = excluded.is_multi,
  updated_at_ms = excluded.updated_at_ms;
`,
		st.RoomID, st.EventKind, st.KeyID, st.KeyName, boolInt(st.KeyValid), st.Message,
		boolInt(st.IsMulti), st.LastUpdate.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert room_state %s: %w", st.RoomID, err)
	}
	return nil
}

// filterClause mirrors types.LogFilter.Matches.
func filterClause(f types.LogFilter) string {
	switch f {
	case types.FilterIn:
		return "event_kind = 'IN' AND is_swap = 0"
	case types.FilterOut:
		return "event_kind = 'OUT'"
	case types.FilterSwap:
		return "is_swap = 1"
	case types.FilterAlert:
		return "(is_swap = 1 OR is_multi = 1)"
	default:
		return ""
	}
}

func (s *EventStore) QueryLogs(ctx context.Context, q store.LogQuery) ([]types.LogEntry, error) {
	q = store.NormalizeQuery(q)

	var b strings.Builder
	b.WriteString(`
SELECT id, received_at_ms, room_id, event_kind, key_id, key_name, key_valid, message, is_swap, is_multi
FROM logs`)
	if where := filterClause(q.Filter); where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	b.WriteString(" ORDER BY id DESC LIMIT ? OFFSET ?;")

	rows, err := s.db.QueryContext(ctx, b.String(), q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	out := make([]types.LogEntry, 0, min(q.Limit, 64))
	for rows.Next() {
		var (
			e                      types.LogEntry
			ms                     int64
			valid, isSwap, isMulti int
		)
		if err := rows.Scan(&e.ID, &ms, &e.RoomID, &e.EventKind, &e.KeyID, &e.KeyName,
			&valid, &e.Message, &isSwap, &isMulti); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Timestamp = time.UnixMilli(ms).UTC()
		e.KeyValid = valid == 1
		e.IsSwap = isSwap == 1
		e.IsMulti = isMulti == 1
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return out, nil
}

// AggregateCounts runs in one statement so the four numbers come from the
// same snapshot of the ledger.
func (s *EventStore) AggregateCounts(ctx context.Context) (types.Stats, error) {
	query := fmt.Sprintf(`
SELECT
  COALESCE(SUM(CASE WHEN %s THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN %s THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN %s THEN 1 ELSE 0 END), 0),
  COUNT(*)
FROM logs;`,
		filterClause(types.FilterIn), filterClause(types.FilterOut), filterClause(types.FilterAlert))

	var st types.Stats
	if err := s.db.QueryRowContext(ctx, query).Scan(&st.In, &st.Out, &st.Alert, &st.Total); err != nil {
		return types.Stats{}, fmt.Errorf("aggregate counts: %w", err)
	}
	return st, nil
}

func (s *EventStore) RoomStates(ctx context.Context) (map[string]types.RoomState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT room_id, event_kind, key_id, key_name, key_valid, message, is_multi, updated_at_ms
FROM room_states;`)
	if err != nil {
		return nil, fmt.Errorf("query room_states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.RoomState)
	for rows.Next() {
		var (
			st           types.RoomState
			valid, multi int
			ms           int64
		)
		if err := rows.Scan(&st.RoomID, &st.EventKind, &st.KeyID, &st.KeyName, &valid, &st.Message, &multi, &ms); err != nil {
			return nil, fmt.Errorf("scan room_state: %w", err)
		}
		st.KeyValid = valid == 1
		st.IsMulti = multi == 1
		st.LastUpdate = time.UnixMilli(ms).UTC()
		out[st.RoomID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room_states: %w", err)
	}
	return out, nil
}

func (s *EventStore) Clear(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM logs;`)
		if err != nil {
			return fmt.Errorf("clear logs: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("clear logs rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
