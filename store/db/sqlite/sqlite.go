// Package sqlite implements store.Driver on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/codexbot/store"
)

type DB struct {
	db *sql.DB
}

// NewDB opens the SQLite database at dbPath.
//
// Connection settings:
// - Journal mode set to WAL: the recommended journal mode as it prevents
//   most locking issues between the bot goroutines.
// - busy_timeout guards the rare writer/writer overlap.
// - When using the `modernc.org/sqlite` driver, each pragma must be
//   prefixed with `_pragma=`.
func NewDB(dbPath string) (store.Driver, error) {
	if dbPath == "" {
		return nil, errors.New("db path required")
	}

	sqliteDB, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db %s", dbPath)
	}

	// SQLite: a single connection is optimal with WAL. The supervisor is a
	// low-write workload, so no pooling is needed.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	return &DB{db: sqliteDB}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	telegram_id INTEGER PRIMARY KEY,
	role TEXT NOT NULL DEFAULT 'user',
	status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	state TEXT NOT NULL,
	resume_id TEXT,
	last_result TEXT,
	jsonl_last_ts REAL,
	jsonl_last_hash TEXT,
	last_chat_id INTEGER,
	created_at REAL NOT NULL,
	last_activity REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	ts REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	prompt TEXT NOT NULL,
	started_at REAL NOT NULL,
	finished_at REAL,
	error TEXT
);
`

// Migrate creates the schema, then applies additive migrations so that
// databases written by earlier single-bot deployments keep working.
// Migrate 先建表，再做增量迁移，兼容旧版单机器人数据库。
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}

	hasBotID, err := d.columnExists(ctx, "sessions", "bot_id")
	if err != nil {
		return err
	}
	if !hasBotID {
		if _, err := d.db.ExecContext(ctx,
			`ALTER TABLE sessions ADD COLUMN bot_id TEXT NOT NULL DEFAULT 'default'`,
		); err != nil {
			return errors.Wrap(err, "failed to add sessions.bot_id")
		}
	}

	if _, err := d.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_sessions_bot_user ON sessions(bot_id, user_id)`,
	); err != nil {
		return errors.Wrap(err, "failed to create idx_sessions_bot_user")
	}
	return nil
}

func (d *DB) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := d.db.QueryContext(ctx, `PRAGMA table_info(`+table+`)`)
	if err != nil {
		return false, errors.Wrapf(err, "failed to inspect table %s", table)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			typ        string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, errors.Wrap(err, "failed to scan table_info row")
		}
		if name == column {
			return true, nil
		}
	}
	return false, errors.Wrap(rows.Err(), "failed to iterate table_info rows")
}

// toUnixSeconds converts a time.Time to the REAL seconds representation.
func toUnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// fromUnixSeconds converts REAL seconds back to a time.Time.
func fromUnixSeconds(seconds float64) time.Time {
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
