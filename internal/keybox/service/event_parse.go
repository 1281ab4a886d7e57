package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

var ErrMalformedEvent = errors.New("malformed event")

// ParseRawEvent decodes one sensor payload. The payload must be a JSON object
// carrying at least one of room, key or state; missing ones get the
// documented fallbacks and everything else lands in Extra.
func ParseRawEvent(data []byte) (types.RawEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return types.RawEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if m == nil {
		return types.RawEvent{}, fmt.Errorf("%w: payload is not an object", ErrMalformedEvent)
	}
	if dec.More() {
		return types.RawEvent{}, fmt.Errorf("%w: trailing data after object", ErrMalformedEvent)
	}

	_, hasRoom := m["room"]
	_, hasKey := m["key"]
	_, hasState := m["state"]
	if !hasRoom && !hasKey && !hasState {
		return types.RawEvent{}, fmt.Errorf("%w: no room, key or state", ErrMalformedEvent)
	}

	ev := types.RawEvent{
		Room:  takeString(m, "room", types.UnknownRoom),
		Key:   takeString(m, "key", types.NoKey),
		State: strings.ToUpper(takeString(m, "state", types.UnknownState)),
		Extra: m,
	}
	return ev, nil
}

// takeString removes k from m and renders it as a trimmed string.
func takeString(m map[string]any, k, def string) string {
	v, ok := m[k]
	delete(m, k)
	if !ok || v == nil {
		return def
	}

	var s string
	switch v := v.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	case bool:
		s = fmt.Sprint(v)
	default:
		// Objects and arrays carry no usable identity.
		return def
	}
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
