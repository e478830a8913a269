package store

import (
	"context"
	"time"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	Close() error

	Migrate(ctx context.Context) error

	UpsertUser(ctx context.Context, user *User) error

	CreateSession(ctx context.Context, session *Session) error
	GetSessionByUser(ctx context.Context, botID string, userID int64) (*Session, error)
	UpdateSessionState(ctx context.Context, sessionID string, state SessionState, at time.Time) error
	UpdateSessionResumeID(ctx context.Context, sessionID, resumeID string, at time.Time) error
	UpdateSessionLastResult(ctx context.Context, sessionID, result string, at time.Time) error
	UpdateSessionCursor(ctx context.Context, sessionID string, ts *float64, hash string, at time.Time) error
	UpdateSessionChatID(ctx context.Context, sessionID string, chatID int64, at time.Time) error
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	AppendMessage(ctx context.Context, message *Message) error

	CreateRun(ctx context.Context, run *Run) error
	FinalizeRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time, errDetail string) error

	GetLastResultByUser(ctx context.Context, botID string, userID int64) (string, error)
	GetCursorByUser(ctx context.Context, botID string, userID int64) (*float64, string, error)
	GetLastChatIDByUser(ctx context.Context, botID string, userID int64) (int64, error)
}
