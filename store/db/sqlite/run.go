package sqlite

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/codexbot/store"
)

func (d *DB) UpsertUser(ctx context.Context, user *store.User) error {
	role := user.Role
	if role == "" {
		role = store.RoleUser
	}
	status := user.Status
	if status == "" {
		status = store.StatusActive
	}
	// First contact wins; operator edits to role/status are preserved.
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (telegram_id, role, status) VALUES (?, ?, ?)`,
		user.TelegramID, role, status,
	)
	return errors.Wrapf(err, "failed to upsert user %d", user.TelegramID)
}

func (d *DB) AppendMessage(ctx context.Context, message *store.Message) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender, content, ts) VALUES (?, ?, ?, ?)`,
		message.SessionID, message.Sender, message.Content, toUnixSeconds(message.TS),
	)
	return errors.Wrapf(err, "failed to append message for session %s", message.SessionID)
}

func (d *DB) CreateRun(ctx context.Context, run *store.Run) error {
	var finishedAt any
	if run.FinishedAt != nil {
		finishedAt = toUnixSeconds(*run.FinishedAt)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(run_id, session_id, status, prompt, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.SessionID,
		string(run.Status),
		run.Prompt,
		toUnixSeconds(run.StartedAt),
		finishedAt,
		nullString(run.Error),
	)
	return errors.Wrapf(err, "failed to create run %s", run.RunID)
}

func (d *DB) FinalizeRun(ctx context.Context, runID string, status store.RunStatus, finishedAt time.Time, errDetail string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE run_id = ?`,
		string(status), toUnixSeconds(finishedAt), nullString(errDetail), runID,
	)
	return errors.Wrapf(err, "failed to finalize run %s", runID)
}
