package types

import "time"

type AdminSession struct {
	SessionID string
	Username  string
	Token     string
	CreatedAt time.Time
}

type LoginThrottleRecord struct {
	SourceID     string
	FailureCount int
	LastFailure  time.Time
	BlockedUntil time.Time // zero when not blocked
}

type LoginOutcome string

const (
	LoginSuccess LoginOutcome = "SUCCESS"
	LoginFailure LoginOutcome = "FAILURE"
	LoginBlocked LoginOutcome = "BLOCKED"
)

type LoginResult struct {
	Outcome      LoginOutcome
	Session      *AdminSession
	BlockedUntil time.Time
	Failures     int
}

// LoginResponse, LogsResponse and LogoutResponse are the admin channel replies.
type LoginResponse struct {
	Success  bool       `json:"success"`
	Token    string     `json:"token,omitempty"`
	Username string     `json:"username,omitempty"`
	Logs     []LogEntry `json:"logs,omitempty"`
	Stats    *Stats     `json:"stats,omitempty"`
	Blocked  bool       `json:"blocked,omitempty"`
	Message  string     `json:"message,omitempty"`
}

type LogsResponse struct {
	Logs  []LogEntry `json:"logs"`
	Stats Stats      `json:"stats"`
}

type LogoutResponse struct {
	Success bool `json:"success"`
}
