package grpcapi_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cesi-keybox/keybox/server/internal/broadcast"
	"github.com/cesi-keybox/keybox/server/internal/grpcapi"
	"github.com/cesi-keybox/keybox/server/internal/keybox/directory"
	"github.com/cesi-keybox/keybox/server/internal/keybox/service"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store/memory"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

type testEnv struct {
	client   *grpcapi.Client
	pipeline *service.Pipeline
	guard    *service.Guard
	store    *memory.EventStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := log.New(io.Discard)

	dir, err := directory.New([]types.KeyAssignment{
		{KeyID: "KEY42", RoomID: "A101", DisplayName: "Cle A101"},
		{KeyID: "KEY7", RoomID: "B202", DisplayName: "Cle B202"},
	})
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	guard := service.NewGuard(service.Credentials{Username: "admin", PasswordHash: hash},
		service.GuardConfig{TokenSecret: []byte("test")}, logger)

	st := memory.NewEventStore()
	hub := broadcast.NewHub(16)
	p := service.NewPipeline(dir, st, hub, logger, service.PipelineConfig{})

	srv := grpcapi.NewServer(grpcapi.Dependencies{
		Hub:     hub,
		Store:   st,
		Console: service.NewAdminConsole(guard, st, logger),
		Logger:  logger,
	})
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := grpcapi.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &testEnv{client: client, pipeline: p, guard: guard, store: st}
}

func (e *testEnv) ingest(t *testing.T, payload string) {
	t.Helper()
	_, err := e.pipeline.Process(context.Background(), service.Message{Data: []byte(payload)})
	require.NoError(t, err)
}

// ── RoomFeed ────────────────────────────────────────────────────

func TestWatch_SnapshotThenLive(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, `{"room":"A101","key":"KEY42","state":"IN"}`)
	env.ingest(t, `{"room":"C303","key":"N/A","state":"OUT"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := env.client.Watch(ctx)
	require.NoError(t, err)

	first, err := w.Recv()
	require.NoError(t, err)
	assert.Equal(t, "A101", first.Room)
	assert.True(t, first.KeyValid)
	assert.Equal(t, "Cle A101", first.KeyName)

	second, err := w.Recv()
	require.NoError(t, err)
	assert.Equal(t, "C303", second.Room)
	assert.Equal(t, types.NoKey, second.Key)

	env.ingest(t, `{"room":"B202","key":"MULTI:U1,U2,U3","state":"ALERT","xbee_id":"X9"}`)
	live, err := w.Recv()
	require.NoError(t, err)
	assert.Equal(t, "B202", live.Room)
	assert.True(t, live.MultiBadge)
	assert.Equal(t, "X9", live.Extra["xbee_id"])
	assert.Positive(t, live.LogID)
	assert.False(t, live.Timestamp.IsZero())
}

func TestWatch_SnapshotMatchesLiveShape(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, `{"room":"B202","key":"MULTI:U1,U2,U3","state":"ALERT"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := env.client.Watch(ctx)
	require.NoError(t, err)

	snap, err := w.Recv()
	require.NoError(t, err)
	assert.Equal(t, "B202", snap.Room)
	assert.True(t, snap.MultiBadge)
	assert.False(t, snap.SwapDetected)
	assert.Equal(t, "multiple badges detected (3)", snap.VerificationMessage)
}

// ── Admin ───────────────────────────────────────────────────────

func TestAdmin_LoginLogsClearLogout(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, `{"room":"A101","key":"KEY42","state":"IN"}`)
	env.ingest(t, `{"room":"A101","key":"KEY7","state":"SWAP"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := env.client.Admin(ctx)
	require.NoError(t, err)

	bad, err := a.Login("admin", "nope")
	require.NoError(t, err)
	assert.False(t, bad.Success)
	assert.Empty(t, bad.Token)

	login, err := a.Login("admin", "s3cret")
	require.NoError(t, err)
	require.True(t, login.Success)
	assert.Len(t, login.Logs, 2)
	require.NotNil(t, login.Stats)
	assert.Equal(t, int64(2), login.Stats.Total)

	swaps, err := a.Logs(login.Token, store.LogQuery{Filter: types.FilterSwap})
	require.NoError(t, err)
	require.Len(t, swaps.Logs, 1)
	assert.True(t, swaps.Logs[0].IsSwap)
	assert.Equal(t, int64(1), swaps.Stats.Alert)

	cleared, err := a.Clear(login.Token)
	require.NoError(t, err)
	assert.Empty(t, cleared.Logs)
	assert.Zero(t, cleared.Stats.Total)

	out, err := a.Logout(login.Token)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Zero(t, env.guard.SessionCount())
}

func TestAdmin_UnauthenticatedRequestsAreIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, `{"room":"A101","key":"KEY42","state":"IN"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := env.client.Admin(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Send(grpcapi.EventGetLogs, map[string]any{"token": "forged"}))
	require.NoError(t, a.Send(grpcapi.EventClearLogs, map[string]any{"token": "forged"}))

	// the next reply belongs to the logout; the two gated calls produced none
	out, err := a.Logout("forged")
	require.NoError(t, err)
	assert.False(t, out.Success)

	stats, err := env.store.AggregateCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestAdmin_TokenBoundToConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := env.client.Admin(ctx)
	require.NoError(t, err)
	login, err := first.Login("admin", "s3cret")
	require.NoError(t, err)
	require.True(t, login.Success)

	second, err := env.client.Admin(ctx)
	require.NoError(t, err)
	out, err := second.Logout(login.Token)
	require.NoError(t, err)
	assert.False(t, out.Success, "a token from another connection is not valid here")
	assert.Equal(t, 1, env.guard.SessionCount())
}

func TestAdmin_StreamEndRevokesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := env.client.Admin(ctx)
	require.NoError(t, err)
	login, err := a.Login("admin", "s3cret")
	require.NoError(t, err)
	require.True(t, login.Success)
	require.Equal(t, 1, env.guard.SessionCount())

	require.NoError(t, a.CloseSend())
	assert.Eventually(t, func() bool { return env.guard.SessionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestAdmin_LockoutOverStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := env.client.Admin(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		resp, err := a.Login("admin", "wrong")
		require.NoError(t, err)
		require.False(t, resp.Success)
	}
	resp, err := a.Login("admin", "s3cret")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.Blocked)
	assert.Zero(t, env.guard.SessionCount())
}

func TestAdmin_UnknownEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := env.client.Admin(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Send("reboot", map[string]any{}))
	var body struct {
		Message string `json:"message"`
	}
	event, err := a.Recv(&body)
	require.NoError(t, err)
	assert.Equal(t, grpcapi.EventError, event)
	assert.Contains(t, body.Message, "reboot")
}
