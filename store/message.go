package store

import "time"

// Message senders.
const (
	SenderUser  = "user"
	SenderAgent = "agent"
)

// Message is one append-only log entry of a user or agent utterance.
// It is audit data and never feeds back into scheduling decisions.
type Message struct {
	ID        int64
	SessionID string
	Sender    string
	Content   string
	TS        time.Time
}
