package service

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
	"github.com/cesi-keybox/keybox/server/internal/metrics"
)

const (
	DefaultMaxFailures = 5
	DefaultLockout     = 15 * time.Minute
)

var ErrInvalidCredentials = errors.New("admin credentials not configured")

// Credentials is the single configured admin account.
type Credentials struct {
	Username     string
	PasswordHash []byte
}

// NewCredentials builds Credentials from either a bcrypt hash or, failing
// that, a plaintext password that is hashed once at startup.
func NewCredentials(username, password, passwordHash string) (Credentials, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Credentials{}, fmt.Errorf("%w: empty username", ErrInvalidCredentials)
	}
	if passwordHash != "" {
		if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
			return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return Credentials{Username: username, PasswordHash: []byte(passwordHash)}, nil
	}
	if password == "" {
		return Credentials{}, fmt.Errorf("%w: no password or password hash", ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Credentials{}, fmt.Errorf("hash admin password: %w", err)
	}
	return Credentials{Username: username, PasswordHash: hash}, nil
}

type GuardConfig struct {
	MaxFailures int
	Lockout     time.Duration
	TokenSecret []byte
	Now         func() time.Time
}

// Guard authenticates the admin account, throttles failing sources and
// tracks which connections hold a session. All state is in memory.
type Guard struct {
	creds       Credentials
	maxFailures int
	lockout     time.Duration
	secret      []byte
	now         func() time.Time
	logger      *log.Logger

	mu       sync.Mutex
	sessions map[string]types.AdminSession
	throttle map[string]*types.LoginThrottleRecord
}

func NewGuard(creds Credentials, cfg GuardConfig, logger *log.Logger) *Guard {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = DefaultLockout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if len(cfg.TokenSecret) == 0 {
		cfg.TokenSecret = []byte(uuid.NewString())
	}
	return &Guard{
		creds:       creds,
		maxFailures: cfg.MaxFailures,
		lockout:     cfg.Lockout,
		secret:      cfg.TokenSecret,
		now:         cfg.Now,
		logger:      logger,
		sessions:    make(map[string]types.AdminSession),
		throttle:    make(map[string]*types.LoginThrottleRecord),
	}
}

// Authenticate checks one login attempt from sourceID arriving on connection
// connID. A blocked source is refused before credentials are looked at.
func (g *Guard) Authenticate(sourceID, connID, username, password string) types.LoginResult {
	now := g.now()

	g.mu.Lock()
	if rec := g.liveRecordLocked(sourceID, now); rec != nil && now.Before(rec.BlockedUntil) {
		res := types.LoginResult{
			Outcome:      types.LoginBlocked,
			BlockedUntil: rec.BlockedUntil,
			Failures:     rec.FailureCount,
		}
		g.mu.Unlock()
		metrics.AdminLogins.WithLabelValues(string(res.Outcome)).Inc()
		g.logger.Warn("admin login refused, source blocked", "source", sourceID, "until", res.BlockedUntil)
		return res
	}
	g.mu.Unlock()

	// bcrypt is slow; keep it outside the lock.
	ok := g.checkCredentials(username, password)

	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.liveRecordLocked(sourceID, now)
	if !ok {
		if rec == nil {
			rec = &types.LoginThrottleRecord{SourceID: sourceID}
			g.throttle[sourceID] = rec
		}
		rec.FailureCount++
		rec.LastFailure = now
		if rec.FailureCount >= g.maxFailures && rec.BlockedUntil.IsZero() {
			rec.BlockedUntil = now.Add(g.lockout)
			g.logger.Warn("admin source blocked", "source", sourceID, "failures", rec.FailureCount, "until", rec.BlockedUntil)
		}
		metrics.AdminLogins.WithLabelValues(string(types.LoginFailure)).Inc()
		return types.LoginResult{
			Outcome:      types.LoginFailure,
			BlockedUntil: rec.BlockedUntil,
			Failures:     rec.FailureCount,
		}
	}

	// A concurrent attempt may have tripped the block while we hashed.
	if rec != nil && now.Before(rec.BlockedUntil) {
		metrics.AdminLogins.WithLabelValues(string(types.LoginBlocked)).Inc()
		return types.LoginResult{Outcome: types.LoginBlocked, BlockedUntil: rec.BlockedUntil, Failures: rec.FailureCount}
	}

	session := types.AdminSession{
		SessionID: uuid.NewString(),
		Username:  g.creds.Username,
		CreatedAt: now,
	}
	token, err := g.issueToken(session)
	if err != nil {
		g.logger.Error("admin token signing failed", "err", err)
		metrics.AdminLogins.WithLabelValues(string(types.LoginFailure)).Inc()
		return types.LoginResult{Outcome: types.LoginFailure}
	}
	session.Token = token

	delete(g.throttle, sourceID)
	g.sessions[connID] = session
	metrics.AdminSessions.Set(float64(len(g.sessions)))
	metrics.AdminLogins.WithLabelValues(string(types.LoginSuccess)).Inc()
	g.logger.Info("admin login", "source", sourceID, "user", session.Username, "session", session.SessionID)

	s := session
	return types.LoginResult{Outcome: types.LoginSuccess, Session: &s}
}

// Verify reports whether token is the live session token of connID.
func (g *Guard) Verify(connID, token string) bool {
	if token == "" {
		return false
	}
	g.mu.Lock()
	s, ok := g.sessions[connID]
	g.mu.Unlock()
	return ok && subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) == 1
}

// Session returns the session bound to connID, if any.
func (g *Guard) Session(connID string) (types.AdminSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[connID]
	return s, ok
}

// Revoke ends the session of connID. Revoking twice is a no-op.
func (g *Guard) Revoke(connID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[connID]; !ok {
		return false
	}
	delete(g.sessions, connID)
	metrics.AdminSessions.Set(float64(len(g.sessions)))
	return true
}

func (g *Guard) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// ThrottleRecord returns a copy of the live record for sourceID.
func (g *Guard) ThrottleRecord(sourceID string) (types.LoginThrottleRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.liveRecordLocked(sourceID, g.now())
	if rec == nil {
		return types.LoginThrottleRecord{}, false
	}
	return *rec, true
}

// Sweep drops throttle records that no longer affect any decision and
// returns how many were removed.
func (g *Guard) Sweep() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for src := range g.throttle {
		if g.liveRecordLocked(src, now) == nil {
			n++
		}
	}
	return n
}

// liveRecordLocked returns the record for src, deleting it first if it has
// expired: a block that has run out, or failures older than the lockout
// window that never reached the threshold.
func (g *Guard) liveRecordLocked(src string, now time.Time) *types.LoginThrottleRecord {
	rec, ok := g.throttle[src]
	if !ok {
		return nil
	}
	if !rec.BlockedUntil.IsZero() {
		if !now.Before(rec.BlockedUntil) {
			delete(g.throttle, src)
			return nil
		}
		return rec
	}
	if now.Sub(rec.LastFailure) >= g.lockout {
		delete(g.throttle, src)
		return nil
	}
	return rec
}

func (g *Guard) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(g.creds.Username)) == 1
	// Always hash so a wrong username costs the same as a wrong password.
	passOK := len(g.creds.PasswordHash) > 0 &&
		bcrypt.CompareHashAndPassword(g.creds.PasswordHash, []byte(password)) == nil
	return userOK && passOK
}

func (g *Guard) issueToken(s types.AdminSession) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  s.Username,
		ID:       s.SessionID,
		IssuedAt: jwt.NewNumericDate(s.CreatedAt),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}
