// Package session keeps the authoritative in-memory view of per-user
// sessions and writes every mutation through to the store.
//
// 会话管理：内存为权威视图，所有变更同步落库，进程重启后可从库中恢复。
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/codexbot/store"
)

// Session is the manager's view of one (bot, user) binding. CurrentRunID and
// Queue live in memory only and reset on restart.
type Session struct {
	store.Session
	CurrentRunID string
	Queue        []string
}

func (s *Session) snapshot() Session {
	out := Session{
		Session:      *s.Session.Clone(),
		CurrentRunID: s.CurrentRunID,
	}
	out.Queue = append([]string(nil), s.Queue...)
	return out
}

// Manager owns the sessions of a single bot. All methods are safe for
// concurrent use; a single mutex covers the whole map.
type Manager struct {
	botID  string
	store  *store.Store
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewManager creates a session manager for one bot.
func NewManager(st *store.Store, botID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		botID:    botID,
		store:    st,
		logger:   logger,
		sessions: make(map[int64]*Session),
	}
}

// GetOrCreate returns the user's session, loading it from the store or
// creating a fresh one on first contact. It does not bump last_activity.
func (m *Manager) GetOrCreate(ctx context.Context, userID int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.loadOrCreateLocked(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return entry.snapshot(), nil
}

// SetState updates the lifecycle state.
func (m *Manager) SetState(ctx context.Context, userID int64, state store.SessionState) (Session, error) {
	return m.mutate(ctx, userID, func(entry *Session, at time.Time) error {
		if err := m.store.UpdateSessionState(ctx, entry.SessionID, state, at); err != nil {
			return err
		}
		entry.State = state
		return nil
	})
}

// SetCurrentRun records the active run id. The run id itself is not
// persisted; only the activity bump is.
func (m *Manager) SetCurrentRun(ctx context.Context, userID int64, runID string) (Session, error) {
	return m.mutate(ctx, userID, func(entry *Session, at time.Time) error {
		if err := m.store.TouchSession(ctx, entry.SessionID, at); err != nil {
			return err
		}
		entry.CurrentRunID = runID
		return nil
	})
}

// SetResumeID rebinds the session to another agent CLI conversation.
func (m *Manager) SetResumeID(ctx context.Context, userID int64, resumeID string) (Session, error) {
	return m.mutate(ctx, userID, func(entry *Session, at time.Time) error {
		if err := m.store.UpdateSessionResumeID(ctx, entry.SessionID, resumeID, at); err != nil {
			return err
		}
		entry.ResumeID = resumeID
		return nil
	})
}

// SetLastResult records the newest final answer delivered to the user.
func (m *Manager) SetLastResult(ctx context.Context, userID int64, result string) (Session, error) {
	return m.mutate(ctx, userID, func(entry *Session, at time.Time) error {
		if err := m.store.UpdateSessionLastResult(ctx, entry.SessionID, result, at); err != nil {
			return err
		}
		entry.LastResult = result
		return nil
	})
}

// SetJSONLState moves the external event-log cursor.
func (m *Manager) SetJSONLState(ctx context.Context, userID int64, ts *float64, hash string) (Session, error) {
	return m.mutate(ctx, userID, func(entry *Session, at time.Time) error {
		if err := m.store.UpdateSessionCursor(ctx, entry.SessionID, ts, hash, at); err != nil {
			return err
		}
		if ts != nil {
			value := *ts
			entry.JSONLLastTS = &value
		} else {
			entry.JSONLLastTS = nil
		}
		entry.JSONLLastHash = hash
		return nil
	})
}

// SetChatID rebinds the delivery chat. On the first binding of a session
// whose event-log cursor is fully unset, the cursor timestamp is seeded to
// now so that pre-existing history is never replayed into the chat.
// 首次绑定会话时将事件游标基线设为当前时间，避免把历史记录回放进聊天。
func (m *Manager) SetChatID(ctx context.Context, userID int64, chatID int64) (Session, error) {
	return m.mutate(ctx, userID, func(entry *Session, at time.Time) error {
		if err := m.store.UpdateSessionChatID(ctx, entry.SessionID, chatID, at); err != nil {
			return err
		}
		entry.LastChatID = chatID

		if entry.JSONLLastTS == nil && entry.JSONLLastHash == "" {
			baseline := store.UnixSeconds(at)
			if err := m.store.UpdateSessionCursor(ctx, entry.SessionID, &baseline, "", at); err != nil {
				return err
			}
			entry.JSONLLastTS = &baseline
		}
		return nil
	})
}

// EnqueuePrompt appends a prompt to the FIFO queue and returns its length.
func (m *Manager) EnqueuePrompt(ctx context.Context, userID int64, prompt string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.loadOrCreateLocked(ctx, userID)
	if err != nil {
		return 0, err
	}
	at := time.Now()
	if err := m.store.TouchSession(ctx, entry.SessionID, at); err != nil {
		return 0, err
	}
	entry.Queue = append(entry.Queue, prompt)
	entry.LastActivity = at
	return len(entry.Queue), nil
}

// DequeuePrompt pops the oldest queued prompt, or "" when the queue is empty.
func (m *Manager) DequeuePrompt(ctx context.Context, userID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.loadOrCreateLocked(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(entry.Queue) == 0 {
		return "", nil
	}
	at := time.Now()
	if err := m.store.TouchSession(ctx, entry.SessionID, at); err != nil {
		return "", err
	}
	prompt := entry.Queue[0]
	entry.Queue = entry.Queue[1:]
	entry.LastActivity = at
	return prompt, nil
}

// QueueLen reports the number of queued prompts.
func (m *Manager) QueueLen(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.loadOrCreateLocked(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(entry.Queue), nil
}

// mutate runs one field update under the lock with the shared
// load-or-create / bump-activity / write-through discipline. The store write
// happens before the in-memory change so both sides stay consistent when the
// write fails.
func (m *Manager) mutate(ctx context.Context, userID int64, update func(entry *Session, at time.Time) error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.loadOrCreateLocked(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	at := time.Now()
	if err := update(entry, at); err != nil {
		return Session{}, err
	}
	entry.LastActivity = at
	return entry.snapshot(), nil
}

func (m *Manager) loadOrCreateLocked(ctx context.Context, userID int64) (*Session, error) {
	if entry, ok := m.sessions[userID]; ok {
		return entry, nil
	}

	stored, err := m.store.GetSessionByUser(ctx, m.botID, userID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		entry := &Session{Session: *stored}
		m.sessions[userID] = entry
		m.logger.Debug("session: restored from store",
			"bot", m.botID, "user_id", userID, "session_id", entry.SessionID)
		return entry, nil
	}

	now := time.Now()
	entry := &Session{
		Session: store.Session{
			SessionID:    store.NewSessionID(),
			BotID:        m.botID,
			UserID:       userID,
			State:        store.SessionIdle,
			CreatedAt:    now,
			LastActivity: now,
		},
	}
	if err := m.store.CreateSession(ctx, &entry.Session); err != nil {
		return nil, err
	}
	m.sessions[userID] = entry
	m.logger.Info("session: created",
		"bot", m.botID, "user_id", userID, "session_id", entry.SessionID)
	return entry, nil
}
