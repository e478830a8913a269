// Package store persists supervisor state: users, sessions, message logs
// and run records. All timestamps are stored as REAL unix seconds.
package store

import (
	"context"
	"time"
)

// Store provides database access to all raw objects.
type Store struct {
	driver Driver
}

// New creates a new instance of Store.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

// Migrate creates the schema and applies additive migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) UpsertUser(ctx context.Context, user *User) error {
	return s.driver.UpsertUser(ctx, user)
}

func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	return s.driver.CreateSession(ctx, session)
}

// GetSessionByUser returns the most recently active session for the
// (bot, user) pair, or nil when none exists.
func (s *Store) GetSessionByUser(ctx context.Context, botID string, userID int64) (*Session, error) {
	return s.driver.GetSessionByUser(ctx, botID, userID)
}

func (s *Store) UpdateSessionState(ctx context.Context, sessionID string, state SessionState, at time.Time) error {
	return s.driver.UpdateSessionState(ctx, sessionID, state, at)
}

func (s *Store) UpdateSessionResumeID(ctx context.Context, sessionID, resumeID string, at time.Time) error {
	return s.driver.UpdateSessionResumeID(ctx, sessionID, resumeID, at)
}

func (s *Store) UpdateSessionLastResult(ctx context.Context, sessionID, result string, at time.Time) error {
	return s.driver.UpdateSessionLastResult(ctx, sessionID, result, at)
}

func (s *Store) UpdateSessionCursor(ctx context.Context, sessionID string, ts *float64, hash string, at time.Time) error {
	return s.driver.UpdateSessionCursor(ctx, sessionID, ts, hash, at)
}

func (s *Store) UpdateSessionChatID(ctx context.Context, sessionID string, chatID int64, at time.Time) error {
	return s.driver.UpdateSessionChatID(ctx, sessionID, chatID, at)
}

// TouchSession bumps last_activity without changing any other field.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return s.driver.TouchSession(ctx, sessionID, at)
}

func (s *Store) AppendMessage(ctx context.Context, message *Message) error {
	return s.driver.AppendMessage(ctx, message)
}

func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	return s.driver.CreateRun(ctx, run)
}

func (s *Store) FinalizeRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time, errDetail string) error {
	return s.driver.FinalizeRun(ctx, runID, status, finishedAt, errDetail)
}

// GetLastResultByUser returns the newest persisted final result for the
// (bot, user) pair, or "" when none exists.
func (s *Store) GetLastResultByUser(ctx context.Context, botID string, userID int64) (string, error) {
	return s.driver.GetLastResultByUser(ctx, botID, userID)
}

// GetCursorByUser returns the newest persisted event-log cursor for the
// (bot, user) pair. Both values are unset when no session has polled yet.
func (s *Store) GetCursorByUser(ctx context.Context, botID string, userID int64) (*float64, string, error) {
	return s.driver.GetCursorByUser(ctx, botID, userID)
}

// GetLastChatIDByUser returns the newest bound chat id for the (bot, user)
// pair, or 0 when the user has never been seen.
func (s *Store) GetLastChatIDByUser(ctx context.Context, botID string, userID int64) (int64, error) {
	return s.driver.GetLastChatIDByUser(ctx, botID, userID)
}
