package service_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cesi-keybox/keybox/server/internal/keybox/directory"
	"github.com/cesi-keybox/keybox/server/internal/keybox/service"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store/memory"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

func silentLogger() *log.Logger {
	return log.New(io.Discard)
}

func testDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	d, err := directory.New([]types.KeyAssignment{
		{KeyID: "KEY42", RoomID: "A101", DisplayName: "Cle A101"},
		{KeyID: "KEY7", RoomID: "B202", DisplayName: "Cle B202"},
	})
	require.NoError(t, err)
	return d
}

// recordingSink keeps every published update.
type recordingSink struct {
	mu      sync.Mutex
	updates []types.RoomUpdate
	err     error
}

func (s *recordingSink) Publish(_ context.Context, u types.RoomUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSink) all() []types.RoomUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.RoomUpdate(nil), s.updates...)
}

var errStoreDown = errors.New("store down")

// flakyStore fails RecordEvent a fixed number of times before delegating.
type flakyStore struct {
	store.EventStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) RecordEvent(ctx context.Context, rec store.LogRecord) (types.LogEntry, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return types.LogEntry{}, errStoreDown
	}
	return s.EventStore.RecordEvent(ctx, rec)
}

func (s *flakyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newPipeline(t *testing.T, st store.EventStore, sink *recordingSink) *service.Pipeline {
	t.Helper()
	if st == nil {
		st = memory.NewEventStore()
	}
	return service.NewPipeline(testDirectory(t), st, sink, silentLogger(), service.PipelineConfig{
		QueueSize:    8,
		StoreRetries: 2,
		RetryBackoff: time.Millisecond,
	})
}

// fakeClock is a settable clock for the guard.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const (
	adminUser = "admin"
	adminPass = "s3cret"
)

func testCredentials(t *testing.T) service.Credentials {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPass), bcrypt.MinCost)
	require.NoError(t, err)
	return service.Credentials{Username: adminUser, PasswordHash: hash}
}

func newGuard(t *testing.T, clock *fakeClock) *service.Guard {
	t.Helper()
	return service.NewGuard(testCredentials(t), service.GuardConfig{
		TokenSecret: []byte("test-secret"),
		Now:         clock.Now,
	}, silentLogger())
}
