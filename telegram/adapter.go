// Package telegram is the chat surface of the supervisor: it authorizes
// users against the per-bot allowlist, maps slash commands onto orchestrator
// calls, streams run output into an edited message bubble, and pushes
// externally produced results on the JSONL sync timer.
// Package telegram 是监管器的聊天入口：按机器人白名单校验用户、把斜杠命令映射
// 到调度器调用、通过编辑消息气泡流式输出，并定时推送外部产生的结果。
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/codexbot/internal/config"
	"github.com/hrygo/codexbot/internal/dedupe"
	"github.com/hrygo/codexbot/internal/metrics"
	"github.com/hrygo/codexbot/orchestrator"
	"github.com/hrygo/codexbot/session"
	"github.com/hrygo/codexbot/stream"
)

// updatePollTimeout is the long-poll timeout, in seconds, passed to getUpdates.
const updatePollTimeout = 30

// Operator-facing replies.
const (
	replyNoAllowlist   = "未配置允许的用户列表，请联系管理员。"
	replyUnauthorized  = "无权限使用此机器人。"
	replyNeedPayload   = "请提供指令内容。"
	replySessionFixed  = "会话绑定已禁用，当前仅支持查看状态。"
	replyNoRun         = "当前没有运行中的任务。"
	replyStopRequested = "已请求停止当前任务。"
	replyNoResult      = "暂无可用结果。"
	replyNoRetry       = "没有可重试的指令。"

	helpText = "可用命令：\n" +
		"/new <内容> 提交新指令\n" +
		"/session 查看当前会话绑定（只读）\n" +
		"/stop 停止当前任务\n" +
		"/status 查看状态\n" +
		"/retry 重试上一次指令\n" +
		"/lastresult 查看最近一次结果\n" +
		"/whoami 查看用户 ID\n" +
		"/help 查看帮助"
)

// Orchestrator is the run coordinator the adapter drives. Satisfied by
// *orchestrator.Orchestrator.
type Orchestrator interface {
	Submit(ctx context.Context, userID int64, prompt string, notify orchestrator.NotifyFunc, send stream.SendFunc) error
	CancelRun(userID int64) bool
	IsRunning(userID int64) bool
	Status(ctx context.Context, userID int64) (session.Session, error)
	LastResult(ctx context.Context, userID int64) (string, error)
	SetChatID(ctx context.Context, userID, chatID int64) error
	RegisterUser(ctx context.Context, userID int64) error
	LastChatID(ctx context.Context, userID int64) (int64, error)
	PollExternalResults(ctx context.Context, userID int64, allowSend bool) ([]string, error)
}

var _ Orchestrator = (*orchestrator.Orchestrator)(nil)

// userContext is per-user adapter state: the delivery chat, the last prompt
// for /retry, and the dedupe window shared by the streaming and polling
// paths. The stream buffer joins everything flushed during the current run
// so its digest can suppress the same content arriving again via polling.
type userContext struct {
	mu         sync.Mutex
	chatID     int64
	lastPrompt string
	streamBuf  string
	window     *dedupe.Window
}

func newUserContext() *userContext {
	return &userContext{window: dedupe.NewWindow(dedupe.DefaultWindowSize, dedupe.DefaultWindowTTL)}
}

func (u *userContext) setChat(chatID int64) {
	u.mu.Lock()
	u.chatID = chatID
	u.mu.Unlock()
}

func (u *userContext) chat() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.chatID
}

func (u *userContext) setLastPrompt(prompt string) {
	u.mu.Lock()
	u.lastPrompt = prompt
	u.mu.Unlock()
}

func (u *userContext) lastPromptValue() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastPrompt
}

// reset clears the stream buffer and forgets past digests; called when a new
// prompt is submitted so the upcoming run starts from a clean slate.
func (u *userContext) reset() {
	u.mu.Lock()
	u.streamBuf = ""
	u.window = dedupe.NewWindow(dedupe.DefaultWindowSize, dedupe.DefaultWindowTTL)
	u.mu.Unlock()
}

func (u *userContext) appendStream(text string) {
	if text == "" {
		return
	}
	u.mu.Lock()
	if u.streamBuf != "" {
		u.streamBuf += "\n" + text
	} else {
		u.streamBuf = text
	}
	u.mu.Unlock()
}

func (u *userContext) recordStreamDigest() {
	u.mu.Lock()
	buf, window := u.streamBuf, u.window
	u.mu.Unlock()
	window.Record(buf)
}

func (u *userContext) seen(text string) bool {
	u.mu.Lock()
	window := u.window
	u.mu.Unlock()
	return window.Seen(text)
}

// Options wires one bot adapter.
type Options struct {
	API          API
	Orchestrator Orchestrator
	Bot          *config.Bot
	Base         *config.Base
	Metrics      *metrics.Exporter // optional
	Logger       *slog.Logger      // optional
}

// Adapter runs the update loop for a single bot.
type Adapter struct {
	api     API
	orch    Orchestrator
	bot     *config.Bot
	base    *config.Base
	metrics *metrics.Exporter
	logger  *slog.Logger

	mu    sync.Mutex
	users map[int64]*userContext
}

// New creates an adapter; it does not start polling.
func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		api:     opts.API,
		orch:    opts.Orchestrator,
		bot:     opts.Bot,
		base:    opts.Base,
		metrics: opts.Metrics,
		logger:  logger,
		users:   make(map[int64]*userContext),
	}
}

// Run consumes updates until ctx is canceled. The JSONL sync timer shares
// the loop, so command handling and external delivery never interleave.
func (a *Adapter) Run(ctx context.Context) error {
	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = updatePollTimeout
	updates := a.api.GetUpdatesChan(updateCfg)

	var tick <-chan time.Time
	if a.base.JSONLSyncInterval > 0 {
		ticker := time.NewTicker(a.base.JSONLSyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	a.logger.Info("telegram: adapter started, entering polling",
		"bot", a.bot.Name, "jsonl_sync", a.base.JSONLSyncInterval)

	for {
		select {
		case <-ctx.Done():
			a.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			a.handleUpdate(ctx, update)
		case <-tick:
			a.syncExternalResults(ctx)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.Text == "" {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID

	cmd, isCmd := ParseCommand(msg.Text)
	if !isCmd && strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		// Unknown command: no handler, not even an authorization reply.
		return
	}
	if !a.authorize(ctx, userID, chatID) {
		return
	}
	if !isCmd {
		a.submitPrompt(ctx, userID, chatID, msg.Text)
		return
	}

	switch cmd.Type {
	case CommandHelp:
		a.reply(chatID, helpText)
	case CommandWhoami:
		a.reply(chatID, fmt.Sprintf("user_id=%d, chat_id=%d", userID, chatID))
	case CommandSession:
		if cmd.Payload != "" {
			a.logger.Info("telegram: session rebind disabled", "bot", a.bot.Name, "user_id", userID)
			a.reply(chatID, replySessionFixed)
			return
		}
		a.sendStatus(ctx, userID, chatID)
	case CommandStop:
		if a.orch.CancelRun(userID) {
			a.logger.Info("telegram: cancel requested", "bot", a.bot.Name, "user_id", userID)
			a.reply(chatID, replyStopRequested)
		} else {
			a.reply(chatID, replyNoRun)
		}
	case CommandStatus:
		a.sendStatus(ctx, userID, chatID)
	case CommandRetry:
		a.retryLast(ctx, userID, chatID)
	case CommandNew:
		if cmd.Payload == "" {
			a.reply(chatID, replyNeedPayload)
			return
		}
		a.submitPrompt(ctx, userID, chatID, cmd.Payload)
	case CommandLastResult:
		a.sendLastResult(ctx, userID, chatID)
	}
}

// authorize rejects users outside the allowlist and records the delivery
// chat for everyone it lets through.
func (a *Adapter) authorize(ctx context.Context, userID, chatID int64) bool {
	if len(a.bot.AllowedUserIDs) == 0 {
		a.logger.Warn("telegram: allowlist not configured", "bot", a.bot.Name, "user_id", userID)
		a.reply(chatID, replyNoAllowlist)
		return false
	}
	if !a.bot.Allows(userID) {
		a.logger.Warn("telegram: user rejected", "bot", a.bot.Name, "user_id", userID)
		a.reply(chatID, replyUnauthorized)
		return false
	}
	a.userCtx(userID).setChat(chatID)
	if err := a.orch.RegisterUser(ctx, userID); err != nil {
		a.logger.Warn("telegram: register user failed", "bot", a.bot.Name, "user_id", userID, "error", err)
	}
	if err := a.orch.SetChatID(ctx, userID, chatID); err != nil {
		a.logger.Warn("telegram: persist chat binding failed", "bot", a.bot.Name, "user_id", userID, "error", err)
	}
	return true
}

// submitPrompt hands the prompt to the orchestrator. Output streamed back is
// mirrored into the user's stream buffer; at the final flush the buffer's
// digest is recorded so polling skips the same content later.
func (a *Adapter) submitPrompt(ctx context.Context, userID, chatID int64, prompt string) {
	a.logger.Info("telegram: prompt received", "bot", a.bot.Name, "user_id", userID)
	uc := a.userCtx(userID)
	uc.reset()
	uc.setLastPrompt(prompt)

	sender := NewStreamSender(a.api, chatID, a.base.MessageChunkLimit, a.logger)
	sendStream := func(text string, final bool) error {
		uc.appendStream(text)
		if err := sender.Send(text, final); err != nil {
			return err
		}
		if final {
			uc.recordStreamDigest()
		}
		return nil
	}
	if err := a.orch.Submit(ctx, userID, prompt, a.notifyFunc(chatID), sendStream); err != nil {
		a.logger.Warn("telegram: submit failed", "bot", a.bot.Name, "user_id", userID, "error", err)
	}
}

// retryLast resubmits the user's previous prompt with a raw sender: no
// buffer mirroring and no window reset, so a retried answer identical to the
// original still reaches the chat.
func (a *Adapter) retryLast(ctx context.Context, userID, chatID int64) {
	prompt := a.userCtx(userID).lastPromptValue()
	if prompt == "" {
		a.reply(chatID, replyNoRetry)
		return
	}
	sender := NewStreamSender(a.api, chatID, a.base.MessageChunkLimit, a.logger)
	if err := a.orch.Submit(ctx, userID, prompt, a.notifyFunc(chatID), sender.Send); err != nil {
		a.logger.Warn("telegram: retry failed", "bot", a.bot.Name, "user_id", userID, "error", err)
	}
}

func (a *Adapter) sendStatus(ctx context.Context, userID, chatID int64) {
	sess, err := a.orch.Status(ctx, userID)
	if err != nil {
		a.logger.Warn("telegram: status lookup failed", "bot", a.bot.Name, "user_id", userID, "error", err)
		return
	}
	resume := sess.ResumeID
	if resume == "" {
		resume = "未设置"
	}
	a.reply(chatID, fmt.Sprintf("会话状态：%s，排队指令：%d，resume_id：%s", sess.State, len(sess.Queue), resume))
}

func (a *Adapter) sendLastResult(ctx context.Context, userID, chatID int64) {
	result, err := a.orch.LastResult(ctx, userID)
	if err != nil {
		a.logger.Warn("telegram: last result lookup failed", "bot", a.bot.Name, "user_id", userID, "error", err)
		return
	}
	if result == "" {
		a.reply(chatID, replyNoResult)
		return
	}
	sender := NewStreamSender(a.api, chatID, a.base.MessageChunkLimit, a.logger)
	if err := sender.Send(result, true); err != nil {
		a.logger.Warn("telegram: last result send failed", "bot", a.bot.Name, "user_id", userID, "error", err)
	}
}

// syncExternalResults polls every known user's session file and delivers
// results produced outside bot-driven runs. Content already streamed during
// a run is dropped by the dedupe window.
func (a *Adapter) syncExternalResults(ctx context.Context) {
	for _, userID := range a.syncUsers() {
		uc := a.userCtx(userID)
		chatID := uc.chat()
		if chatID == 0 {
			stored, err := a.orch.LastChatID(ctx, userID)
			if err != nil {
				a.logger.Warn("telegram: chat lookup failed", "bot", a.bot.Name, "user_id", userID, "error", err)
				continue
			}
			if stored == 0 {
				continue
			}
			chatID = stored
			uc.setChat(stored)
		}

		running := a.orch.IsRunning(userID)
		results, err := a.orch.PollExternalResults(ctx, userID, !running)
		if err != nil {
			a.logger.Warn("telegram: jsonl sync failed", "bot", a.bot.Name, "user_id", userID, "error", err)
			continue
		}
		if len(results) == 0 {
			continue
		}

		sender := NewStreamSender(a.api, chatID, a.base.MessageChunkLimit, a.logger)
		delivered := 0
		for _, result := range results {
			if uc.seen(result) {
				a.logger.Info("telegram: duplicate external result skipped", "bot", a.bot.Name, "user_id", userID)
				if a.metrics != nil {
					a.metrics.RecordDroppedResult(a.bot.Name)
				}
				continue
			}
			if err := sender.Send(result, true); err != nil {
				a.logger.Warn("telegram: external result send failed", "bot", a.bot.Name, "user_id", userID, "error", err)
				continue
			}
			delivered++
		}
		if delivered > 0 && a.metrics != nil {
			a.metrics.RecordExternalResults(a.bot.Name, delivered)
		}
	}
}

// syncUsers lists the users worth polling: the allowlist when configured,
// otherwise everyone who has talked to the bot since startup.
func (a *Adapter) syncUsers() []int64 {
	if len(a.bot.AllowedUserIDs) > 0 {
		return append([]int64(nil), a.bot.AllowedUserIDs...)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	users := make([]int64, 0, len(a.users))
	for id := range a.users {
		users = append(users, id)
	}
	return users
}

func (a *Adapter) userCtx(userID int64) *userContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	uc, ok := a.users[userID]
	if !ok {
		uc = newUserContext()
		a.users[userID] = uc
	}
	return uc
}

// reply sends text as a standalone message; errors are logged, not returned.
func (a *Adapter) reply(chatID int64, text string) {
	if _, err := a.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		a.logger.Warn("telegram: send failed", "bot", a.bot.Name, "chat_id", chatID, "error", err)
	}
}

// notifyFunc adapts a chat into the orchestrator's notice callback.
func (a *Adapter) notifyFunc(chatID int64) orchestrator.NotifyFunc {
	return func(text string) error {
		_, err := a.api.Send(tgbotapi.NewMessage(chatID, text))
		return err
	}
}
