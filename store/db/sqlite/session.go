package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/codexbot/store"
)

func (d *DB) CreateSession(ctx context.Context, session *store.Session) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(session_id, bot_id, user_id, state, resume_id, last_result,
			 jsonl_last_ts, jsonl_last_hash, last_chat_id, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID,
		session.BotID,
		session.UserID,
		string(session.State),
		nullString(session.ResumeID),
		nullString(session.LastResult),
		nullFloat(session.JSONLLastTS),
		nullString(session.JSONLLastHash),
		nullInt(session.LastChatID),
		toUnixSeconds(session.CreatedAt),
		toUnixSeconds(session.LastActivity),
	)
	return errors.Wrapf(err, "failed to create session %s", session.SessionID)
}

func (d *DB) GetSessionByUser(ctx context.Context, botID string, userID int64) (*store.Session, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT session_id, bot_id, user_id, state, resume_id, last_result,
		       jsonl_last_ts, jsonl_last_hash, last_chat_id, created_at, last_activity
		FROM sessions
		WHERE bot_id = ? AND user_id = ?
		ORDER BY last_activity DESC
		LIMIT 1`,
		botID, userID,
	)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load session for user %d", userID)
	}
	return session, nil
}

func (d *DB) UpdateSessionState(ctx context.Context, sessionID string, state store.SessionState, at time.Time) error {
	return d.updateSession(ctx, sessionID,
		`UPDATE sessions SET state = ?, last_activity = ? WHERE session_id = ?`,
		string(state), toUnixSeconds(at), sessionID)
}

func (d *DB) UpdateSessionResumeID(ctx context.Context, sessionID, resumeID string, at time.Time) error {
	return d.updateSession(ctx, sessionID,
		`UPDATE sessions SET resume_id = ?, last_activity = ? WHERE session_id = ?`,
		nullString(resumeID), toUnixSeconds(at), sessionID)
}

func (d *DB) UpdateSessionLastResult(ctx context.Context, sessionID, result string, at time.Time) error {
	return d.updateSession(ctx, sessionID,
		`UPDATE sessions SET last_result = ?, last_activity = ? WHERE session_id = ?`,
		nullString(result), toUnixSeconds(at), sessionID)
}

func (d *DB) UpdateSessionCursor(ctx context.Context, sessionID string, ts *float64, hash string, at time.Time) error {
	return d.updateSession(ctx, sessionID,
		`UPDATE sessions SET jsonl_last_ts = ?, jsonl_last_hash = ?, last_activity = ? WHERE session_id = ?`,
		nullFloat(ts), nullString(hash), toUnixSeconds(at), sessionID)
}

func (d *DB) UpdateSessionChatID(ctx context.Context, sessionID string, chatID int64, at time.Time) error {
	return d.updateSession(ctx, sessionID,
		`UPDATE sessions SET last_chat_id = ?, last_activity = ? WHERE session_id = ?`,
		nullInt(chatID), toUnixSeconds(at), sessionID)
}

func (d *DB) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return d.updateSession(ctx, sessionID,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		toUnixSeconds(at), sessionID)
}

func (d *DB) updateSession(ctx context.Context, sessionID, query string, args ...any) error {
	_, err := d.db.ExecContext(ctx, query, args...)
	return errors.Wrapf(err, "failed to update session %s", sessionID)
}

func (d *DB) GetLastResultByUser(ctx context.Context, botID string, userID int64) (string, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT last_result FROM sessions
		WHERE bot_id = ? AND user_id = ? AND last_result IS NOT NULL
		ORDER BY last_activity DESC
		LIMIT 1`,
		botID, userID,
	)
	var result sql.NullString
	err := row.Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to load last result for user %d", userID)
	}
	return result.String, nil
}

func (d *DB) GetCursorByUser(ctx context.Context, botID string, userID int64) (*float64, string, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT jsonl_last_ts, jsonl_last_hash FROM sessions
		WHERE bot_id = ? AND user_id = ?
		ORDER BY last_activity DESC
		LIMIT 1`,
		botID, userID,
	)
	var (
		ts   sql.NullFloat64
		hash sql.NullString
	)
	err := row.Scan(&ts, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to load cursor for user %d", userID)
	}
	var tsPtr *float64
	if ts.Valid {
		value := ts.Float64
		tsPtr = &value
	}
	return tsPtr, hash.String, nil
}

func (d *DB) GetLastChatIDByUser(ctx context.Context, botID string, userID int64) (int64, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT last_chat_id FROM sessions
		WHERE bot_id = ? AND user_id = ? AND last_chat_id IS NOT NULL
		ORDER BY last_activity DESC
		LIMIT 1`,
		botID, userID,
	)
	var chatID sql.NullInt64
	err := row.Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to load chat id for user %d", userID)
	}
	return chatID.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var (
		session      store.Session
		state        string
		resumeID     sql.NullString
		lastResult   sql.NullString
		jsonlTS      sql.NullFloat64
		jsonlHash    sql.NullString
		lastChatID   sql.NullInt64
		createdAt    float64
		lastActivity float64
	)
	if err := row.Scan(
		&session.SessionID,
		&session.BotID,
		&session.UserID,
		&state,
		&resumeID,
		&lastResult,
		&jsonlTS,
		&jsonlHash,
		&lastChatID,
		&createdAt,
		&lastActivity,
	); err != nil {
		return nil, err
	}
	session.State = store.SessionState(state)
	session.ResumeID = resumeID.String
	session.LastResult = lastResult.String
	if jsonlTS.Valid {
		ts := jsonlTS.Float64
		session.JSONLLastTS = &ts
	}
	session.JSONLLastHash = jsonlHash.String
	session.LastChatID = lastChatID.Int64
	session.CreatedAt = fromUnixSeconds(createdAt)
	session.LastActivity = fromUnixSeconds(lastActivity)
	return &session, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
