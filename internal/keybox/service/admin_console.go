package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

// AdminConsole serves the admin operations of one deployment. Every operation
// other than Login is gated on the caller's connection holding a session
// whose token matches; ungated calls return ok=false and change nothing.
type AdminConsole struct {
	guard  *Guard
	store  store.EventStore
	logger *log.Logger
}

func NewAdminConsole(g *Guard, s store.EventStore, logger *log.Logger) *AdminConsole {
	return &AdminConsole{guard: g, store: s, logger: logger}
}

// Login authenticates and, on success, attaches the first page of the
// ledger and the aggregate counts.
func (c *AdminConsole) Login(ctx context.Context, sourceID, connID, username, password string) (types.LoginResponse, error) {
	res := c.guard.Authenticate(sourceID, connID, username, password)
	switch res.Outcome {
	case types.LoginBlocked:
		return types.LoginResponse{
			Blocked: true,
			Message: blockedMessage(res.BlockedUntil, c.guard.now()),
		}, nil
	case types.LoginFailure:
		resp := types.LoginResponse{Message: "invalid credentials"}
		if !res.BlockedUntil.IsZero() {
			resp.Blocked = true
			resp.Message = blockedMessage(res.BlockedUntil, c.guard.now())
		}
		return resp, nil
	}

	resp := types.LoginResponse{
		Success:  true,
		Token:    res.Session.Token,
		Username: res.Session.Username,
	}
	page, err := c.page(ctx, store.LogQuery{})
	if err != nil {
		return resp, err
	}
	resp.Logs = page.Logs
	resp.Stats = &page.Stats
	return resp, nil
}

// Logs returns one page of the ledger plus the aggregate counts.
func (c *AdminConsole) Logs(ctx context.Context, connID, token string, q store.LogQuery) (types.LogsResponse, bool, error) {
	if !c.guard.Verify(connID, token) {
		return types.LogsResponse{}, false, nil
	}
	page, err := c.page(ctx, q)
	return page, true, err
}

func (c *AdminConsole) Stats(ctx context.Context, connID, token string) (types.Stats, bool, error) {
	if !c.guard.Verify(connID, token) {
		return types.Stats{}, false, nil
	}
	st, err := c.store.AggregateCounts(ctx)
	return st, true, err
}

// Clear empties the ledger and returns the (now empty) first page.
func (c *AdminConsole) Clear(ctx context.Context, connID, token string) (types.LogsResponse, bool, error) {
	if !c.guard.Verify(connID, token) {
		return types.LogsResponse{}, false, nil
	}
	n, err := c.store.Clear(ctx)
	if err != nil {
		return types.LogsResponse{}, true, fmt.Errorf("clear logs: %w", err)
	}
	if s, ok := c.guard.Session(connID); ok {
		c.logger.Info("ledger cleared", "user", s.Username, "rows", n)
	}
	page, err := c.page(ctx, store.LogQuery{})
	return page, true, err
}

// Logout revokes the session bound to connID when token matches it.
func (c *AdminConsole) Logout(connID, token string) types.LogoutResponse {
	if !c.guard.Verify(connID, token) {
		return types.LogoutResponse{Success: false}
	}
	c.guard.Revoke(connID)
	return types.LogoutResponse{Success: true}
}

// Disconnect is called when the admin connection goes away.
func (c *AdminConsole) Disconnect(connID string) {
	if c.guard.Revoke(connID) {
		c.logger.Debug("admin session ended with connection", "conn", connID)
	}
}

func (c *AdminConsole) page(ctx context.Context, q store.LogQuery) (types.LogsResponse, error) {
	logs, err := c.store.QueryLogs(ctx, q)
	if err != nil {
		return types.LogsResponse{}, fmt.Errorf("query logs: %w", err)
	}
	st, err := c.store.AggregateCounts(ctx)
	if err != nil {
		return types.LogsResponse{}, fmt.Errorf("aggregate counts: %w", err)
	}
	if logs == nil {
		logs = []types.LogEntry{}
	}
	return types.LogsResponse{Logs: logs, Stats: st}, nil
}

func blockedMessage(until, now time.Time) string {
	mins := int(math.Ceil(until.Sub(now).Minutes()))
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("too many failed attempts, try again in %d min", mins)
}
