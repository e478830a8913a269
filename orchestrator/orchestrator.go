// Package orchestrator serializes agent CLI runs per user: one run at a
// time, later prompts queued FIFO, every transition written through the
// session manager and the run log. It also polls the session JSONL for
// results produced outside the bot.
//
// orchestrator 负责按用户串行调度 CLI 运行：同一用户同时只有一个运行，
// 新指令排队等待；所有状态变化经由会话管理器落库。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/codexbot/codex"
	"github.com/hrygo/codexbot/internal/config"
	"github.com/hrygo/codexbot/internal/metrics"
	"github.com/hrygo/codexbot/session"
	"github.com/hrygo/codexbot/store"
	"github.com/hrygo/codexbot/stream"
)

// Operator-facing notices.
const (
	noticeRunStarted  = "已开始执行。"
	noticeRunDone     = "运行完成。"
	noticeRunCanceled = "运行已取消。"
	noticeRunTimeout  = "运行超时。"
	noticeAwaitingNew = "等待新指令。"
)

// Runner executes one prompt; satisfied by *codex.Runner.
type Runner interface {
	Run(ctx context.Context, req codex.RunRequest) (int, error)
}

// NotifyFunc delivers a control notice as a standalone message. It is kept
// separate from stream.SendFunc so notices never edit into the streaming
// bubble.
// NotifyFunc 以独立消息发送控制通知，与流式消息分开，避免通知混入流气泡。
type NotifyFunc func(text string) error

// Options wires an orchestrator for one bot.
type Options struct {
	Bot      *config.Bot
	Base     *config.Base
	Store    *store.Store
	Sessions *session.Manager
	Runner   Runner
	Metrics  *metrics.Exporter // optional
	Logger   *slog.Logger      // optional
}

// Orchestrator owns the run lifecycle of a single bot.
type Orchestrator struct {
	botID         string
	defaultResume string
	includeStderr bool
	flushInterval time.Duration
	chunkLimit    int

	store    *store.Store
	sessions *session.Manager
	runner   Runner
	metrics  *metrics.Exporter
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[int64]*runHandle

	pollMu  sync.Mutex
	cursors map[string]*pollCursor
}

type runHandle struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator for one bot binding.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		botID:         opts.Bot.Name,
		defaultResume: opts.Bot.ResumeID,
		includeStderr: opts.Base.StreamIncludeStderr,
		flushInterval: opts.Base.StreamFlushInterval,
		chunkLimit:    opts.Base.MessageChunkLimit,
		store:         opts.Store,
		sessions:      opts.Sessions,
		runner:        opts.Runner,
		metrics:       opts.Metrics,
		logger:        logger,
		runs:          make(map[int64]*runHandle),
		cursors:       make(map[string]*pollCursor),
	}
}

// Submit records the prompt and either starts a run immediately or queues it
// behind the one in flight. The run itself executes on its own goroutine,
// streaming output through send and posting lifecycle notices through notify;
// Submit returns as soon as the decision is made.
func (o *Orchestrator) Submit(ctx context.Context, userID int64, prompt string, notify NotifyFunc, send stream.SendFunc) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return errors.New("empty prompt")
	}

	sess, err := o.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if err := o.store.AppendMessage(ctx, &store.Message{
		SessionID: sess.SessionID,
		Sender:    store.SenderUser,
		Content:   prompt,
		TS:        time.Now(),
	}); err != nil {
		// The message log is an audit trail; losing one entry must not
		// block execution.
		o.logger.Warn("orchestrator: append user message failed", "bot", o.botID, "user_id", userID, "error", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.runs[userID]; running {
		depth, err := o.sessions.EnqueuePrompt(ctx, userID, prompt)
		if err != nil {
			return fmt.Errorf("enqueue prompt: %w", err)
		}
		o.setQueueDepth(depth)
		o.logger.Info("orchestrator: prompt queued", "bot", o.botID, "user_id", userID, "depth", depth)
		o.sendNotice(notify, fmt.Sprintf("已收到新指令，当前任务结束后执行。排队中：%d", depth))
		return nil
	}
	o.startRunLocked(userID, prompt, notify, send)
	return nil
}

// CancelRun cancels the user's in-flight run. Reports whether there was one.
func (o *Orchestrator) CancelRun(userID int64) bool {
	o.mu.Lock()
	handle, ok := o.runs[userID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	handle.cancel()
	return true
}

// IsRunning reports whether the user has a run in flight.
func (o *Orchestrator) IsRunning(userID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[userID]
	return ok
}

// Status returns the current session snapshot (state, queue, resume binding).
func (o *Orchestrator) Status(ctx context.Context, userID int64) (session.Session, error) {
	return o.sessions.GetOrCreate(ctx, userID)
}

// LastResult returns the most recent final answer for the user. When the
// session has none on record it falls back to the last assistant message in
// the bound rollout file, persisting whatever it recovers.
// LastResult 返回用户最近的最终结果；会话未记录时回退到会话文件并持久化。
func (o *Orchestrator) LastResult(ctx context.Context, userID int64) (string, error) {
	sess, err := o.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess.LastResult != "" {
		return sess.LastResult, nil
	}
	resumeID := o.ResumeIDFor(&sess)
	if resumeID == "" {
		return "", nil
	}
	recovered, ok := codex.LastAssistantMessage(resumeID)
	if !ok {
		return "", nil
	}
	if _, err := o.sessions.SetLastResult(ctx, userID, recovered); err != nil {
		o.logger.Warn("orchestrator: persist recovered result failed", "bot", o.botID, "user_id", userID, "error", err)
	}
	return recovered, nil
}

// SetChatID binds the delivery chat for the user.
func (o *Orchestrator) SetChatID(ctx context.Context, userID, chatID int64) error {
	_, err := o.sessions.SetChatID(ctx, userID, chatID)
	return err
}

// RegisterUser records the principal in the users table. Called on every
// authorized contact; the insert is first-write-wins.
func (o *Orchestrator) RegisterUser(ctx context.Context, userID int64) error {
	return o.store.UpsertUser(ctx, &store.User{TelegramID: userID})
}

// LastChatID returns the stored delivery chat for the user, zero when the
// user has never talked to the bot. Unlike Status it never creates a session.
func (o *Orchestrator) LastChatID(ctx context.Context, userID int64) (int64, error) {
	return o.store.GetLastChatIDByUser(ctx, o.botID, userID)
}

// ResumeIDFor resolves the active resume id: session binding first, then the
// bot default.
func (o *Orchestrator) ResumeIDFor(sess *session.Session) string {
	if sess != nil && sess.ResumeID != "" {
		return sess.ResumeID
	}
	return o.defaultResume
}

// Shutdown cancels all in-flight runs and waits for them under ctx. Poll
// cursors are released.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	handles := make([]*runHandle, 0, len(o.runs))
	for _, handle := range o.runs {
		handles = append(handles, handle)
	}
	o.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
	}
	for _, handle := range handles {
		select {
		case <-handle.done:
		case <-ctx.Done():
			o.logger.Warn("orchestrator: shutdown wait expired", "bot", o.botID)
			return
		}
	}

	o.pollMu.Lock()
	for _, cursor := range o.cursors {
		cursor.reset()
	}
	o.pollMu.Unlock()
}

// startRunLocked registers the run handle and launches the run goroutine.
// Caller holds o.mu.
func (o *Orchestrator) startRunLocked(userID int64, prompt string, notify NotifyFunc, send stream.SendFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{
		runID:  store.NewRunID(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.runs[userID] = handle
	go o.runOnce(ctx, userID, prompt, notify, send, handle)
}

func (o *Orchestrator) runOnce(ctx context.Context, userID int64, prompt string, notify NotifyFunc, send stream.SendFunc, handle *runHandle) {
	defer close(handle.done)
	defer handle.cancel()
	bg := context.Background()
	startedAt := time.Now()

	sess, err := o.sessions.SetState(bg, userID, store.SessionRunning)
	if err != nil {
		o.logger.Error("orchestrator: mark session running failed", "bot", o.botID, "user_id", userID, "error", err)
		o.sendNotice(notify, "运行失败："+err.Error())
		o.drainQueue(userID, notify, send)
		return
	}
	if _, err := o.sessions.SetCurrentRun(bg, userID, handle.runID); err != nil {
		o.logger.Warn("orchestrator: record current run failed", "bot", o.botID, "user_id", userID, "error", err)
	}
	if err := o.store.CreateRun(bg, &store.Run{
		RunID:     handle.runID,
		SessionID: sess.SessionID,
		Status:    store.RunRunning,
		Prompt:    prompt,
		StartedAt: startedAt,
	}); err != nil {
		o.logger.Warn("orchestrator: create run record failed", "bot", o.botID, "run_id", handle.runID, "error", err)
	}

	if o.metrics != nil {
		o.metrics.RunStarted(o.botID)
	}
	o.logger.Info("orchestrator: run started",
		"bot", o.botID, "user_id", userID, "run_id", handle.runID, "resume", o.ResumeIDFor(&sess) != "")
	o.sendNotice(notify, noticeRunStarted)

	broker := stream.NewBroker(send, o.flushInterval, o.chunkLimit, o.logger)
	broker.Start(ctx)

	var (
		cbMu        sync.Mutex
		statusToken string
		finalText   string
	)
	code, runErr := o.runner.Run(ctx, codex.RunRequest{
		Prompt:   prompt,
		ResumeID: sess.ResumeID,
		OnOutput: func(text string, isErr bool) {
			if isErr && !o.includeStderr {
				return
			}
			broker.Push(text, isErr)
		},
		OnStatus: func(token string) {
			cbMu.Lock()
			statusToken = token
			cbMu.Unlock()
		},
		OnFinal: func(text string) {
			cbMu.Lock()
			finalText = text
			cbMu.Unlock()
		},
	})

	broker.Stop()

	cbMu.Lock()
	token, final := statusToken, finalText
	cbMu.Unlock()

	status, detail := classifyOutcome(runErr, token, code)
	finishedAt := time.Now()

	if err := o.store.FinalizeRun(bg, handle.runID, status, finishedAt, detail); err != nil {
		o.logger.Warn("orchestrator: finalize run failed", "bot", o.botID, "run_id", handle.runID, "error", err)
	}
	if final != "" {
		if _, err := o.sessions.SetLastResult(bg, userID, final); err != nil {
			o.logger.Warn("orchestrator: record last result failed", "bot", o.botID, "user_id", userID, "error", err)
		}
		if err := o.store.AppendMessage(bg, &store.Message{
			SessionID: sess.SessionID,
			Sender:    store.SenderAgent,
			Content:   final,
			TS:        finishedAt,
		}); err != nil {
			o.logger.Warn("orchestrator: append agent message failed", "bot", o.botID, "user_id", userID, "error", err)
		}
	}
	// The session always returns to idle; the outcome lives on the run row.
	if _, err := o.sessions.SetState(bg, userID, store.SessionIdle); err != nil {
		o.logger.Warn("orchestrator: mark session idle failed", "bot", o.botID, "user_id", userID, "error", err)
	}
	if _, err := o.sessions.SetCurrentRun(bg, userID, ""); err != nil {
		o.logger.Warn("orchestrator: clear current run failed", "bot", o.botID, "user_id", userID, "error", err)
	}

	if o.metrics != nil {
		o.metrics.RecordRun(o.botID, string(status), finishedAt.Sub(startedAt))
	}
	o.logger.Info("orchestrator: run finished",
		"bot", o.botID, "user_id", userID, "run_id", handle.runID,
		"status", status, "code", code, "duration", finishedAt.Sub(startedAt).Round(time.Millisecond))

	o.sendNotice(notify, summaryMessage(status, detail))
	o.drainQueue(userID, notify, send)
}

// drainQueue releases the run slot and starts the next queued prompt, if any.
func (o *Orchestrator) drainQueue(userID int64, notify NotifyFunc, send stream.SendFunc) {
	bg := context.Background()

	o.mu.Lock()
	delete(o.runs, userID)
	next, err := o.sessions.DequeuePrompt(bg, userID)
	if err != nil {
		o.mu.Unlock()
		o.logger.Warn("orchestrator: dequeue failed", "bot", o.botID, "user_id", userID, "error", err)
		return
	}
	if next != "" {
		o.startRunLocked(userID, next, notify, send)
		o.mu.Unlock()
		o.updateQueueDepth(userID)
		return
	}
	o.mu.Unlock()

	o.setQueueDepth(0)
	o.sendNotice(notify, noticeAwaitingNew)
}

func (o *Orchestrator) sendNotice(notify NotifyFunc, text string) {
	if notify == nil {
		return
	}
	if err := notify(text); err != nil {
		o.logger.Warn("orchestrator: notify failed", "bot", o.botID, "error", err)
	}
}

func (o *Orchestrator) setQueueDepth(depth int) {
	if o.metrics != nil {
		o.metrics.SetQueueDepth(o.botID, depth)
	}
}

func (o *Orchestrator) updateQueueDepth(userID int64) {
	depth, err := o.sessions.QueueLen(context.Background(), userID)
	if err != nil {
		return
	}
	o.setQueueDepth(depth)
}

// classifyOutcome maps a finished run onto its stored status and detail.
// Cancellation wins over everything; explicit status tokens from the runner
// beat the bare exit code.
func classifyOutcome(runErr error, statusToken string, code int) (store.RunStatus, string) {
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		return store.RunCanceled, "任务被取消"
	case runErr != nil:
		return store.RunError, runErr.Error()
	case statusToken == codex.StatusTimeout:
		return store.RunTimeout, "运行超时"
	case statusToken == codex.StatusCanceled:
		return store.RunCanceled, "任务被取消"
	case code != 0:
		return store.RunError, fmt.Sprintf("退出码 %d", code)
	default:
		return store.RunDone, ""
	}
}

func summaryMessage(status store.RunStatus, detail string) string {
	switch status {
	case store.RunDone:
		return noticeRunDone
	case store.RunCanceled:
		return noticeRunCanceled
	case store.RunTimeout:
		return noticeRunTimeout
	default:
		return "运行失败：" + detail
	}
}
