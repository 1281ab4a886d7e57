package types

import (
	"encoding/json"
	"time"
)

// Payload fallbacks used when a sensor message omits a field.
const (
	UnknownRoom  = "unknown"
	NoKey        = "N/A"
	UnknownState = "UNKNOWN"
)

// Event kinds emitted by the cabinet sensors. Other values are accepted and
// stored as-is.
const (
	KindIn    = "IN"
	KindOut   = "OUT"
	KindAlert = "ALERT"
	KindSwap  = "SWAP"
)

// RawEvent is a sensor message after parsing. Fields other than room, key and
// state are kept in Extra and carried through to the broadcast.
type RawEvent struct {
	Room  string
	Key   string
	State string
	Extra map[string]any
}

type EventClass string

const (
	ClassNormal     EventClass = "NORMAL"
	ClassSwap       EventClass = "SWAP"
	ClassMultiAlert EventClass = "MULTI_ALERT"
)

type VerificationResult struct {
	Valid       bool
	MatchedName string
	Message     string
}

// RoomUpdate is the enriched record pushed to viewers as "update_room".
type RoomUpdate struct {
	Room                string
	Key                 string
	State               string
	Extra               map[string]any
	KeyValid            bool
	KeyName             string
	VerificationMessage string
	SwapDetected        bool
	MultiBadge          bool
	Timestamp           time.Time
	LogID               int64
}

// Fields flattens the update into the wire shape shared by JSON, Redis and the
// gRPC feed. Extra fields never override the verified ones.
func (u RoomUpdate) Fields() map[string]any {
	out := make(map[string]any, len(u.Extra)+10)
	for k, v := range u.Extra {
		out[k] = v
	}
	out["room"] = u.Room
	out["key"] = u.Key
	out["state"] = u.State
	out["key_valid"] = u.KeyValid
	if u.KeyName != "" {
		out["key_name"] = u.KeyName
	} else {
		out["key_name"] = nil
	}
	out["verification_message"] = u.VerificationMessage
	if u.SwapDetected {
		out["swap_detected"] = true
	}
	if u.MultiBadge {
		out["multi_badge"] = true
	}
	if !u.Timestamp.IsZero() {
		out["timestamp"] = u.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if u.LogID > 0 {
		out["log_id"] = u.LogID
	}
	return out
}

func (u RoomUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Fields())
}

// RoomUpdateFromFields is the inverse of Fields for consumers of the feed.
func RoomUpdateFromFields(m map[string]any) RoomUpdate {
	u := RoomUpdate{Extra: map[string]any{}}
	for k, v := range m {
		switch k {
		case "room":
			u.Room, _ = v.(string)
		case "key":
			u.Key, _ = v.(string)
		case "state":
			u.State, _ = v.(string)
		case "key_valid":
			u.KeyValid, _ = v.(bool)
		case "key_name":
			u.KeyName, _ = v.(string)
		case "verification_message":
			u.VerificationMessage, _ = v.(string)
		case "swap_detected":
			u.SwapDetected, _ = v.(bool)
		case "multi_badge":
			u.MultiBadge, _ = v.(bool)
		case "timestamp":
			if s, ok := v.(string); ok {
				u.Timestamp, _ = time.Parse(time.RFC3339Nano, s)
			}
		case "log_id":
			if f, ok := v.(float64); ok {
				u.LogID = int64(f)
			}
		default:
			u.Extra[k] = v
		}
	}
	return u
}

// RoomUpdateFromState replays a snapshot row in update_room shape.
func RoomUpdateFromState(st RoomState) RoomUpdate {
	return RoomUpdate{
		Room:                st.RoomID,
		Key:                 st.KeyID,
		State:               st.EventKind,
		KeyValid:            st.KeyValid,
		KeyName:             st.KeyName,
		VerificationMessage: st.Message,
		SwapDetected:        st.EventKind == KindSwap,
		MultiBadge:          st.IsMulti,
		Timestamp:           st.LastUpdate,
	}
}
