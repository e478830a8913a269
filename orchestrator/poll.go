package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hrygo/codexbot/codex"
	"github.com/hrygo/codexbot/internal/dedupe"
	"github.com/hrygo/codexbot/store"
)

// pollCursor tracks the read position inside one session JSONL between poll
// rounds. It is process-local; after a restart the persisted timestamp
// cursor filters out everything already delivered.
type pollCursor struct {
	path    string
	file    *os.File
	info    os.FileInfo
	offset  int64
	pending []byte
}

func (c *pollCursor) reset() {
	if c.file != nil {
		_ = c.file.Close() //nolint:errcheck // read-only handle
	}
	c.path = ""
	c.file = nil
	c.info = nil
	c.offset = 0
	c.pending = nil
}

// PollExternalResults scans the user's bound session JSONL for assistant
// messages written outside the bot (for example a codex run from a shell)
// and returns the new ones in file order. The timestamp/hash cursor advances
// even when allowSend is false, so output produced while a bot run is in
// flight is skipped rather than replayed later.
//
// 轮询外部结果：扫描会话 JSONL 中由外部运行写入的新消息；运行中产生的
// 记录只推进游标不投递，避免与流式输出重复。
func (o *Orchestrator) PollExternalResults(ctx context.Context, userID int64, allowSend bool) ([]string, error) {
	o.pollMu.Lock()
	defer o.pollMu.Unlock()

	sess, err := o.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	resumeID := o.ResumeIDFor(&sess)
	if resumeID == "" {
		return nil, nil
	}

	// First poll for this session: record a baseline cursor and deliver
	// nothing, so history written before the bot existed is never replayed.
	if sess.JSONLLastTS == nil && sess.JSONLLastHash == "" {
		now := store.UnixSeconds(time.Now())
		if _, err := o.sessions.SetJSONLState(ctx, userID, &now, ""); err != nil {
			return nil, fmt.Errorf("seed cursor baseline: %w", err)
		}
		o.logger.Debug("orchestrator: poll baseline recorded", "bot", o.botID, "user_id", userID)
		return nil, nil
	}

	path, ok := codex.FindSessionFile(resumeID)
	if !ok {
		return nil, nil
	}

	key := o.botID + ":" + resumeID
	cursor := o.cursors[key]
	if cursor == nil {
		cursor = &pollCursor{}
		o.cursors[key] = cursor
	}

	info, err := os.Stat(path)
	if err != nil {
		cursor.reset()
		return nil, nil
	}
	if cursor.file != nil {
		switch {
		case cursor.path != path,
			!os.SameFile(cursor.info, info),
			info.Size() < cursor.offset:
			cursor.reset()
		}
	}
	if cursor.file == nil {
		file, err := os.Open(path)
		if err != nil {
			return nil, nil
		}
		// Deliberately no seek: the timestamp cursor decides what is new,
		// the byte offset only avoids re-reading within one process.
		cursor.path = path
		cursor.file = file
		cursor.info = info
		cursor.offset = 0
		cursor.pending = nil
	}

	var (
		collected      []string
		lastTS         = sess.JSONLLastTS
		lastHash       = sess.JSONLLastHash
		lastResultHash string
		updated        bool
	)
	if sess.LastResult != "" {
		lastResultHash = dedupe.Hash(sess.LastResult)
	}

	buf := make([]byte, 64*1024)
	for {
		n, readErr := cursor.file.Read(buf)
		if n > 0 {
			cursor.offset += int64(n)
			cursor.pending = append(cursor.pending, buf[:n]...)

			for {
				nl := bytes.IndexByte(cursor.pending, '\n')
				if nl < 0 {
					break
				}
				line := cursor.pending[:nl]
				cursor.pending = cursor.pending[nl+1:]

				record, ok := codex.ParseRecord(line)
				if !ok {
					continue
				}
				text, ok := visibleText(record)
				if !ok {
					continue
				}
				ts, hasTS := record.Time()
				if !hasTS {
					continue
				}
				if lastTS != nil && ts < *lastTS {
					continue
				}

				tsCopy := ts
				digest := dedupe.Hash(text)
				switch digest {
				case lastResultHash:
					// The run we supervised already delivered this text.
					lastTS, lastHash, updated = &tsCopy, digest, true
				case lastHash:
					lastTS, updated = &tsCopy, true
				default:
					lastTS, lastHash, updated = &tsCopy, digest, true
					if allowSend {
						collected = append(collected, text)
					}
				}
			}
		}
		if readErr != nil || n == 0 {
			break
		}
	}

	if updated {
		if _, err := o.sessions.SetJSONLState(ctx, userID, lastTS, lastHash); err != nil {
			return nil, fmt.Errorf("persist cursor: %w", err)
		}
	}
	if len(collected) > 0 {
		if _, err := o.sessions.SetLastResult(ctx, userID, collected[len(collected)-1]); err != nil {
			o.logger.Warn("orchestrator: record polled result failed", "bot", o.botID, "user_id", userID, "error", err)
		}
		if o.metrics != nil {
			o.metrics.RecordExternalResults(o.botID, len(collected))
		}
		o.logger.Info("orchestrator: external results polled", "bot", o.botID, "user_id", userID, "count", len(collected))
	}
	return collected, nil
}

// visibleText extracts user-facing text: streamed agent messages and final
// assistant response items. Reasoning never surfaces through the poller.
func visibleText(record *codex.Record) (string, bool) {
	if text, reasoning, ok := record.EventText(); ok {
		if reasoning {
			return "", false
		}
		return text, true
	}
	return record.AssistantText()
}
