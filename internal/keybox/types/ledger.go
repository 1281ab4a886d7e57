package types

import "time"

// KeyAssignment binds a physical key to the room whose cabinet it belongs in.
type KeyAssignment struct {
	KeyID       string `yaml:"key_id" json:"key_id"`
	RoomID      string `yaml:"room_id" json:"room_id"`
	DisplayName string `yaml:"name" json:"name"`
}

// LogEntry is one row of the append-only ledger.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RoomID    string    `json:"room_id"`
	EventKind string    `json:"event_kind"`
	KeyID     string    `json:"key_id"`
	KeyName   string    `json:"key_name"`
	KeyValid  bool      `json:"key_valid"`
	Message   string    `json:"message"`
	IsSwap    bool      `json:"is_swap"`
	IsMulti   bool      `json:"is_multi"`
}

// RoomState is the current snapshot for one room.
type RoomState struct {
	RoomID     string    `json:"room_id"`
	EventKind  string    `json:"event_kind"`
	KeyID      string    `json:"key_id"`
	KeyName    string    `json:"key_name"`
	KeyValid   bool      `json:"key_valid"`
	Message    string    `json:"message"`
	IsMulti    bool      `json:"is_multi"`
	LastUpdate time.Time `json:"last_update"`
}

type Stats struct {
	In    int64 `json:"in"`
	Out   int64 `json:"out"`
	Alert int64 `json:"alert"`
	Total int64 `json:"total"`
}

type LogFilter string

const (
	FilterNone  LogFilter = ""
	FilterIn    LogFilter = "in"
	FilterOut   LogFilter = "out"
	FilterSwap  LogFilter = "swap"
	FilterAlert LogFilter = "alert"
)

// ParseLogFilter maps a client filter name; unrecognised names mean no filter.
func ParseLogFilter(s string) LogFilter {
	switch LogFilter(s) {
	case FilterIn, FilterOut, FilterSwap, FilterAlert:
		return LogFilter(s)
	default:
		return FilterNone
	}
}

// Matches is the predicate shared by log queries and aggregate counts.
func (f LogFilter) Matches(e LogEntry) bool {
	switch f {
	case FilterIn:
		return e.EventKind == KindIn && !e.IsSwap
	case FilterOut:
		return e.EventKind == KindOut
	case FilterSwap:
		return e.IsSwap
	case FilterAlert:
		return e.IsSwap || e.IsMulti
	default:
		return true
	}
}
