package codex

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Tailer follows the session JSONL bound to a resume id and surfaces visible
// agent events as they are written. Reasoning events are rate limited and
// either summarized or replaced with a fixed notice; consecutive duplicate
// visible messages are dropped.
//
// Tailer 持续跟读会话 JSONL：可见消息去重后转发，推理事件按节流间隔摘要或隐藏。
type Tailer struct {
	resumeID  string
	summarize bool
	limiter   *rate.Limiter
	logger    *slog.Logger
}

const (
	tailReadChunk     = 64 * 1024
	tailPollDelay     = 200 * time.Millisecond
	tailStatInterval  = 500 * time.Millisecond
	tailResolveDelay  = 500 * time.Millisecond
	reasoningModeSumm = "summary"
)

// NewTailer builds a tailer. throttle <= 0 disables reasoning rate limiting.
func NewTailer(resumeID, reasoningMode string, throttle time.Duration, logger *slog.Logger) *Tailer {
	limit := rate.Inf
	if throttle > 0 {
		limit = rate.Every(throttle)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		resumeID:  resumeID,
		summarize: strings.ToLower(strings.TrimSpace(reasoningMode)) == reasoningModeSumm,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}
}

// Run tails until ctx is canceled. The tail starts at the current end of the
// session file; only records appended afterwards are delivered to emit.
// Rotation (inode change), truncation, and deletion all trigger a fresh
// resolve of the session file.
func (t *Tailer) Run(ctx context.Context, emit func(text string)) {
	var (
		file        *os.File
		path        string
		openInfo    os.FileInfo
		offset      int64
		pending     []byte
		lastStat    time.Time
		lastMessage string
	)
	buf := make([]byte, tailReadChunk)

	reset := func() {
		if file != nil {
			_ = file.Close() //nolint:errcheck // read-only handle
		}
		file = nil
		openInfo = nil
		pending = nil
	}
	defer reset()

	for {
		if ctx.Err() != nil {
			return
		}
		if file == nil {
			candidate, ok := FindSessionFile(t.resumeID)
			if !ok {
				if !sleepCtx(ctx, tailResolveDelay) {
					return
				}
				continue
			}
			handle, err := os.Open(candidate)
			if err != nil {
				t.logger.Debug("codex tailer: open session file failed", "path", candidate, "error", err)
				if !sleepCtx(ctx, tailResolveDelay) {
					return
				}
				continue
			}
			info, err := handle.Stat()
			if err != nil {
				_ = handle.Close() //nolint:errcheck // giving up on this handle
				if !sleepCtx(ctx, tailResolveDelay) {
					return
				}
				continue
			}
			// Historical records belong to the poller, not the live tail.
			size, err := handle.Seek(0, io.SeekEnd)
			if err != nil {
				_ = handle.Close() //nolint:errcheck // giving up on this handle
				if !sleepCtx(ctx, tailResolveDelay) {
					return
				}
				continue
			}
			file, path, openInfo, offset, pending = handle, candidate, info, size, nil
			lastStat = time.Now()
			t.logger.Debug("codex tailer: following session file", "path", path, "offset", offset)
		}

		n, _ := file.Read(buf)
		if n > 0 {
			offset += int64(n)
			pending = append(pending, buf[:n]...)
			for {
				nl := bytes.IndexByte(pending, '\n')
				if nl < 0 {
					break
				}
				line := pending[:nl]
				pending = pending[nl+1:]
				lastMessage = t.handleLine(line, lastMessage, emit)
			}
			continue
		}

		now := time.Now()
		if now.Sub(lastStat) >= tailStatInterval {
			lastStat = now
			info, err := os.Stat(path)
			switch {
			case err != nil:
				t.logger.Debug("codex tailer: session file vanished, re-resolving", "path", path)
				reset()
			case !os.SameFile(openInfo, info) || info.Size() < offset:
				t.logger.Debug("codex tailer: session file rotated or truncated, re-resolving", "path", path)
				reset()
			}
		}
		if !sleepCtx(ctx, tailPollDelay) {
			return
		}
	}
}

// handleLine parses one record and forwards it when visible. Returns the new
// last visible message for consecutive-duplicate suppression.
func (t *Tailer) handleLine(line []byte, lastMessage string, emit func(string)) string {
	record, ok := ParseRecord(line)
	if !ok {
		return lastMessage
	}
	text, reasoning, ok := record.EventText()
	if !ok {
		return lastMessage
	}
	if reasoning {
		if !t.limiter.Allow() {
			return lastMessage
		}
		if t.summarize {
			emit(SummarizeReasoning(text))
		} else {
			emit(reasoningHiddenNotice)
		}
		return lastMessage
	}
	if text == lastMessage {
		return lastMessage
	}
	emit(text)
	return text
}

// sleepCtx sleeps for d unless ctx ends first; reports whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
