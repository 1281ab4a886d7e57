package grpcapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event names carried in the envelope's "event" field.
const (
	EventUpdateRoom = "update_room"

	EventAdminLogin  = "admin_login"
	EventGetLogs     = "get_logs"
	EventClearLogs   = "clear_logs"
	EventAdminLogout = "admin_logout"

	EventLoginResponse  = "login_response"
	EventLogsResponse   = "logs_response"
	EventLogoutResponse = "logout_response"
	EventError          = "error"
)

// envelope is the JSON shape of every message on both streams.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// toStruct converts any JSON-marshalable value to a Struct. Going through
// JSON keeps the wire shape identical to the Redis relay.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal struct: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("convert to struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("convert from struct: %w", err)
	}
	return json.Unmarshal(b, v)
}

func newEnvelope(event string, data any) (*structpb.Struct, error) {
	return toStruct(map[string]any{"event": event, "data": data})
}

func readEnvelope(s *structpb.Struct) (envelope, error) {
	var env envelope
	if err := fromStruct(s, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}
