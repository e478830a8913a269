package store

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// SessionState is the lifecycle state of a session.
// SessionState 表示会话生命周期状态。
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionRunning      SessionState = "running"
	SessionWaitingInput SessionState = "waiting_input"
	SessionError        SessionState = "error"
	SessionCanceled     SessionState = "canceled"
)

// Session is the per-(bot, user) conversation binding. ResumeID, LastResult
// and JSONLLastHash use "" for unset; JSONLLastTS uses nil; LastChatID uses 0.
type Session struct {
	SessionID     string
	BotID         string
	UserID        int64
	State         SessionState
	ResumeID      string
	LastResult    string
	JSONLLastTS   *float64
	JSONLLastHash string
	LastChatID    int64
	CreatedAt     time.Time
	LastActivity  time.Time
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	clone := *s
	if s.JSONLLastTS != nil {
		ts := *s.JSONLLastTS
		clone.JSONLLastTS = &ts
	}
	return &clone
}

// NewSessionID generates an opaque session identifier.
func NewSessionID() string {
	return "sess_" + shortuuid.New()
}

// UnixSeconds converts t to the REAL unix-seconds representation used by
// event-log cursors.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
