package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cesi-keybox/keybox/server/internal/httpapi"
	"github.com/cesi-keybox/keybox/server/internal/keybox/directory"
	"github.com/cesi-keybox/keybox/server/internal/keybox/service"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store/memory"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

type failingStore struct{ store.EventStore }

func (failingStore) RecordEvent(context.Context, store.LogRecord) (types.LogEntry, error) {
	return types.LogEntry{}, io.ErrUnexpectedEOF
}

// newTestServer wires the pipeline over st and returns an httptest.Server.
func newTestServer(t *testing.T, st store.EventStore) *httptest.Server {
	t.Helper()
	logger := log.New(io.Discard)

	dir, err := directory.New([]types.KeyAssignment{
		{KeyID: "KEY42", RoomID: "A101", DisplayName: "Cle A101"},
	})
	require.NoError(t, err)

	p := service.NewPipeline(dir, st, nil, logger, service.PipelineConfig{})
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:   logger,
		Addr:     ":0",
		Pipeline: p,
		Store:    st,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type eventResp struct {
	OK       bool   `json:"ok"`
	LogID    int64  `json:"log_id"`
	Class    string `json:"class"`
	KeyValid bool   `json:"key_valid"`
	KeyName  string `json:"key_name"`
	Message  string `json:"message"`
}

// ── Events ───────────────────────────────────────────────────────────────────

func TestPostEvent_JSON(t *testing.T) {
	st := memory.NewEventStore()
	ts := newTestServer(t, st)

	body := []byte(`{"room":"A101","key":"KEY42","state":"IN"}`)
	resp, err := http.Post(ts.URL+"/v1/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var er eventResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&er))
	assert.True(t, er.OK)
	assert.True(t, er.KeyValid)
	assert.Equal(t, "Cle A101", er.KeyName)
	assert.Equal(t, int64(1), er.LogID)
	assert.Equal(t, "NORMAL", er.Class)

	rooms, err := st.RoomStates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "IN", rooms["A101"].EventKind)
}

func TestPostEvent_Protobuf(t *testing.T) {
	ts := newTestServer(t, memory.NewEventStore())

	in, err := structpb.NewStruct(map[string]any{"room": "A101", "key": "KEY99", "state": "OUT"})
	require.NoError(t, err)
	body, err := proto.Marshal(in)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/events", "application/x-protobuf", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &out))
	assert.False(t, out.Fields["key_valid"].GetBoolValue())
	assert.Contains(t, out.Fields["message"].GetStringValue(), "unknown key KEY99")
}

func TestPostEvent_Malformed(t *testing.T) {
	st := memory.NewEventStore()
	ts := newTestServer(t, st)

	resp, err := http.Post(ts.URL+"/v1/events", "application/json", strings.NewReader(`ROOM:A101`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var eb struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	assert.Equal(t, "bad_event", eb.Error)

	stats, err := st.AggregateCounts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestPostEvent_BadProtobuf(t *testing.T) {
	ts := newTestServer(t, memory.NewEventStore())
	resp, err := http.Post(ts.URL+"/v1/events", "application/x-protobuf", strings.NewReader("\xff\xff\xff"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostEvent_StorageError(t *testing.T) {
	ts := newTestServer(t, failingStore{memory.NewEventStore()})

	resp, err := http.Post(ts.URL+"/v1/events", "application/json",
		strings.NewReader(`{"room":"A101","key":"KEY42","state":"IN"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestPostEvent_WrongMethod(t *testing.T) {
	ts := newTestServer(t, memory.NewEventStore())
	resp, err := http.Get(ts.URL + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// ── Rooms / health / metrics ─────────────────────────────────────────────────

func TestListRooms_Sorted(t *testing.T) {
	ts := newTestServer(t, memory.NewEventStore())
	for _, body := range []string{
		`{"room":"C303","key":"N/A","state":"OUT"}`,
		`{"room":"A101","key":"KEY42","state":"IN"}`,
	} {
		resp, err := http.Post(ts.URL+"/v1/events", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/v1/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Rooms []types.RoomState `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Rooms, 2)
	assert.Equal(t, "A101", out.Rooms[0].RoomID)
	assert.Equal(t, "C303", out.Rooms[1].RoomID)
	assert.Equal(t, "no key for room C303", out.Rooms[1].Message)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, memory.NewEventStore())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "keybox_")
}
