package store

import (
	"context"
	"time"

	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

// LogRecord carries the fields of a classified event before it is assigned an id.
type LogRecord struct {
	ReceivedAt time.Time
	RoomID     string
	EventKind  string
	KeyID      string
	KeyName    string
	KeyValid   bool
	Message    string
	IsSwap     bool
	IsMulti    bool
}

// RoomState derives the snapshot row this record produces.
func (r LogRecord) RoomState() types.RoomState {
	return types.RoomState{
		RoomID:     r.RoomID,
		EventKind:  r.EventKind,
		KeyID:      r.KeyID,
		KeyName:    r.KeyName,
		KeyValid:   r.KeyValid,
		Message:    r.Message,
		IsMulti:    r.IsMulti,
		LastUpdate: r.ReceivedAt,
	}
}

type LogQuery struct {
	Limit  int
	Offset int
	Filter types.LogFilter
}

const (
	DefaultLogLimit = 100
	// MaxLogLimit bounds a single page; larger requests are clamped.
	MaxLogLimit = 1000
)

// EventStore owns the ledger and the room snapshot. It is the only writer of
// either.
type EventStore interface {
	// Append inserts one ledger row and returns it with its id.
	Append(ctx context.Context, rec LogRecord) (types.LogEntry, error)
	// UpsertRoomState replaces the snapshot row for st.RoomID.
	UpsertRoomState(ctx context.Context, st types.RoomState) error
	// RecordEvent appends rec and updates its room's snapshot as one unit; the
	// snapshot is never visible without its ledger row.
	RecordEvent(ctx context.Context, rec LogRecord) (types.LogEntry, error)

	QueryLogs(ctx context.Context, q LogQuery) ([]types.LogEntry, error)
	AggregateCounts(ctx context.Context) (types.Stats, error)
	RoomStates(ctx context.Context) (map[string]types.RoomState, error)

	// Clear deletes every ledger row. Room snapshots are kept.
	Clear(ctx context.Context) (int64, error)
}

// NormalizeQuery applies the default page size and clamps the limit to
// MaxLogLimit and negative values to zero.
func NormalizeQuery(q LogQuery) LogQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultLogLimit
	}
	if q.Limit > MaxLogLimit {
		q.Limit = MaxLogLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
