package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesi-keybox/keybox/server/internal/keybox/service"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store/memory"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

func seededConsole(t *testing.T, clock *fakeClock) (*service.AdminConsole, *memory.EventStore) {
	t.Helper()
	st := memory.NewEventStore()
	p := newPipeline(t, st, &recordingSink{})
	for _, payload := range []string{
		`{"room":"A101","key":"KEY42","state":"IN"}`,
		`{"room":"A101","key":"N/A","state":"OUT"}`,
		`{"room":"B202","key":"MULTI:U1,U2","state":"ALERT"}`,
	} {
		_, err := p.Process(context.Background(), msg(payload))
		require.NoError(t, err)
	}
	return service.NewAdminConsole(newGuard(t, clock), st, silentLogger()), st
}

func TestConsole_LoginReturnsLogsAndStats(t *testing.T) {
	c, _ := seededConsole(t, newFakeClock())

	resp, err := c.Login(context.Background(), "s", "conn", adminUser, adminPass)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Token)
	assert.Len(t, resp.Logs, 3)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, types.Stats{In: 1, Out: 1, Alert: 1, Total: 3}, *resp.Stats)
}

func TestConsole_LoginFailureAndBlock(t *testing.T) {
	c, _ := seededConsole(t, newFakeClock())
	ctx := context.Background()

	resp, err := c.Login(ctx, "s", "conn", adminUser, "bad")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.False(t, resp.Blocked)
	assert.Empty(t, resp.Logs)

	for i := 0; i < 4; i++ {
		resp, err = c.Login(ctx, "s", "conn", adminUser, "bad")
		require.NoError(t, err)
	}
	assert.True(t, resp.Blocked)
	assert.Contains(t, resp.Message, "15 min")

	resp, err = c.Login(ctx, "s", "conn", adminUser, adminPass)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, resp.Blocked)
	assert.Empty(t, resp.Token)
}

func TestConsole_GatedOpsAreNoOpsWithoutSession(t *testing.T) {
	c, st := seededConsole(t, newFakeClock())
	ctx := context.Background()

	_, ok, err := c.Logs(ctx, "conn", "forged", store.LogQuery{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Clear(ctx, "conn", "forged")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Stats(ctx, "conn", "")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.False(t, c.Logout("conn", "forged").Success)

	stats, err := st.AggregateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total, "ledger untouched")
}

func TestConsole_LogsFilterAndPage(t *testing.T) {
	c, _ := seededConsole(t, newFakeClock())
	ctx := context.Background()
	login, err := c.Login(ctx, "s", "conn", adminUser, adminPass)
	require.NoError(t, err)

	page, ok, err := c.Logs(ctx, "conn", login.Token, store.LogQuery{Filter: types.FilterAlert})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, page.Logs, 1)
	assert.True(t, page.Logs[0].IsMulti)

	page, ok, err = c.Logs(ctx, "conn", login.Token, store.LogQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, "OUT", page.Logs[0].EventKind)
	assert.Equal(t, int64(3), page.Stats.Total)
}

func TestConsole_ClearThenLogout(t *testing.T) {
	c, st := seededConsole(t, newFakeClock())
	ctx := context.Background()
	login, err := c.Login(ctx, "s", "conn", adminUser, adminPass)
	require.NoError(t, err)

	page, ok, err := c.Clear(ctx, "conn", login.Token)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, page.Logs)
	assert.Zero(t, page.Stats.Total)

	rooms, err := st.RoomStates(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 2, "snapshots survive a clear")

	assert.True(t, c.Logout("conn", login.Token).Success)
	_, ok, err = c.Logs(ctx, "conn", login.Token, store.LogQuery{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsole_DisconnectRevokes(t *testing.T) {
	clock := newFakeClock()
	c, _ := seededConsole(t, clock)
	ctx := context.Background()
	login, err := c.Login(ctx, "s", "conn", adminUser, adminPass)
	require.NoError(t, err)

	c.Disconnect("conn")
	c.Disconnect("conn")
	clock.Advance(time.Second)

	_, ok, err := c.Stats(ctx, "conn", login.Token)
	require.NoError(t, err)
	assert.False(t, ok)
}
