package telegram

import (
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/codexbot/internal/config"
	"github.com/hrygo/codexbot/orchestrator"
	"github.com/hrygo/codexbot/session"
	"github.com/hrygo/codexbot/store"
	"github.com/hrygo/codexbot/stream"
)

type submitCall struct {
	userID int64
	prompt string
}

// fakeOrch scripts the coordinator side of the adapter. The submit handler,
// when set, plays the run against the provided callbacks.
type fakeOrch struct {
	mu         sync.Mutex
	submits    []submitCall
	submitFn   func(notify orchestrator.NotifyFunc, send stream.SendFunc) error
	cancels    []int64
	cancelOK   bool
	running    map[int64]bool
	statusSess session.Session
	lastResult string
	registered []int64
	chatBinds  map[int64]int64
	storedChat int64
	pollOut    []string
	pollAllow  []bool
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{
		running:   make(map[int64]bool),
		chatBinds: make(map[int64]int64),
	}
}

func (f *fakeOrch) Submit(_ context.Context, userID int64, prompt string, notify orchestrator.NotifyFunc, send stream.SendFunc) error {
	f.mu.Lock()
	f.submits = append(f.submits, submitCall{userID: userID, prompt: prompt})
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(notify, send)
	}
	return nil
}

func (f *fakeOrch) CancelRun(userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, userID)
	return f.cancelOK
}

func (f *fakeOrch) IsRunning(userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[userID]
}

func (f *fakeOrch) Status(context.Context, int64) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusSess, nil
}

func (f *fakeOrch) LastResult(context.Context, int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastResult, nil
}

func (f *fakeOrch) SetChatID(_ context.Context, userID, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatBinds[userID] = chatID
	return nil
}

func (f *fakeOrch) RegisterUser(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, userID)
	return nil
}

func (f *fakeOrch) LastChatID(context.Context, int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storedChat, nil
}

func (f *fakeOrch) PollExternalResults(_ context.Context, _ int64, allowSend bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollAllow = append(f.pollAllow, allowSend)
	out := f.pollOut
	f.pollOut = nil
	return out, nil
}

func (f *fakeOrch) submittedPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.submits))
	for _, call := range f.submits {
		out = append(out, call.prompt)
	}
	return out
}

func newTestAdapter(t *testing.T, allowed []int64) (*Adapter, *fakeAPI, *fakeOrch) {
	t.Helper()
	api := newFakeAPI()
	orch := newFakeOrch()
	adapter := New(Options{
		API:          api,
		Orchestrator: orch,
		Bot:          &config.Bot{Name: "primary", Token: "t", AllowedUserIDs: allowed},
		Base:         &config.Base{MessageChunkLimit: 3500},
	})
	return adapter, api, orch
}

func userMessage(userID, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
	}}
}

func TestAdapterRejectsUnauthorizedUser(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), userMessage(2002, 77, "do something"))

	assert.Equal(t, []string{replyUnauthorized}, api.sentTexts())
	assert.Empty(t, orch.submittedPrompts())
	assert.Empty(t, orch.registered)
}

func TestAdapterRepliesWhenAllowlistEmpty(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, nil)

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/status"))

	assert.Equal(t, []string{replyNoAllowlist}, api.sentTexts())
	assert.Empty(t, orch.registered)
}

func TestAdapterRegistersAuthorizedContact(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})
	orch.statusSess = session.Session{}
	orch.statusSess.State = store.SessionIdle

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/status"))

	assert.Equal(t, []int64{1001}, orch.registered)
	assert.Equal(t, int64(77), orch.chatBinds[1001])
	require.Len(t, api.sentTexts(), 1)
}

func TestPlainTextSubmitsPrompt(t *testing.T) {
	adapter, _, orch := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "  refactor the parser  "))

	assert.Equal(t, []string{"  refactor the parser  "}, orch.submittedPrompts(),
		"prompt text reaches the coordinator unmodified")
}

func TestNewCommandRequiresPayload(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/new"))

	assert.Equal(t, []string{replyNeedPayload}, api.sentTexts())
	assert.Empty(t, orch.submittedPrompts())
}

func TestNewCommandSubmitsPayload(t *testing.T) {
	adapter, _, orch := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/new fix the flaky test"))

	assert.Equal(t, []string{"fix the flaky test"}, orch.submittedPrompts())
}

func TestUnknownCommandIsSilentlyDropped(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})

	// Unknown commands never reach a handler, not even the authorization
	// reply for strangers.
	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/frobnicate"))
	adapter.handleUpdate(context.Background(), userMessage(2002, 88, "/frobnicate"))

	assert.Empty(t, api.sentTexts())
	assert.Empty(t, orch.submittedPrompts())
}

func TestStopCommandReportsOutcome(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})

	orch.cancelOK = true
	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/stop"))
	orch.cancelOK = false
	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/stop"))

	assert.Equal(t, []string{replyStopRequested, replyNoRun}, api.sentTexts())
	assert.Equal(t, []int64{1001, 1001}, orch.cancels)
}

func TestWhoamiEchoesIdentity(t *testing.T) {
	adapter, api, _ := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/whoami"))

	assert.Equal(t, []string{"user_id=1001, chat_id=77"}, api.sentTexts())
}

func TestHelpListsCommands(t *testing.T) {
	adapter, api, _ := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/help"))

	assert.Equal(t, []string{helpText}, api.sentTexts())
}

func TestSessionRebindDisabled(t *testing.T) {
	adapter, api, _ := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/session some-other-id"))

	assert.Equal(t, []string{replySessionFixed}, api.sentTexts())
}

func TestStatusFormatsSession(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})
	orch.statusSess = session.Session{Queue: []string{"a", "b"}}
	orch.statusSess.State = store.SessionRunning

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/status"))
	assert.Equal(t, []string{"会话状态：running，排队指令：2，resume_id：未设置"}, api.sentTexts())
}

func TestStatusShowsResumeID(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})
	orch.statusSess = session.Session{}
	orch.statusSess.State = store.SessionIdle
	orch.statusSess.ResumeID = "0199a213-81ac"

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/session"))
	assert.Equal(t, []string{"会话状态：idle，排队指令：0，resume_id：0199a213-81ac"}, api.sentTexts())
}

func TestRetryWithoutHistory(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/retry"))

	assert.Equal(t, []string{replyNoRetry}, api.sentTexts())
	assert.Empty(t, orch.submittedPrompts())
}

func TestRetryResubmitsLastPrompt(t *testing.T) {
	adapter, _, orch := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "fix the bug"))
	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/retry"))

	assert.Equal(t, []string{"fix the bug", "fix the bug"}, orch.submittedPrompts())
}

func TestRetryDeliversRepeatedAnswer(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})
	orch.submitFn = func(_ orchestrator.NotifyFunc, send stream.SendFunc) error {
		return send("same answer", true)
	}

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "fix the bug"))
	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/retry"))

	// The retry path bypasses the dedupe window: the identical answer is
	// sent both times.
	assert.Equal(t, []string{"same answer", "same answer"}, api.sentTexts())
}

func TestLastResultEmpty(t *testing.T) {
	adapter, api, _ := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/lastresult"))

	assert.Equal(t, []string{replyNoResult}, api.sentTexts())
}

func TestLastResultSendsStoredText(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})
	orch.lastResult = "previous answer"

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/lastresult"))

	assert.Equal(t, []string{"previous answer"}, api.sentTexts())
}

func TestSyncDeliversExternalResults(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})

	// The user has talked to the bot before, so the chat id is known.
	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/help"))
	orch.pollOut = []string{"external answer"}

	adapter.syncExternalResults(context.Background())

	assert.Contains(t, api.sentTexts(), "external answer")
	assert.Equal(t, []bool{true}, orch.pollAllow, "idle user polls with sending allowed")
}

func TestSyncRecoversChatFromStore(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})
	orch.storedChat = 99
	orch.pollOut = []string{"answer after restart"}

	adapter.syncExternalResults(context.Background())

	require.Len(t, api.sent, 1)
	assert.Equal(t, int64(99), api.sent[0].chatID)
	assert.Equal(t, "answer after restart", api.sent[0].text)
}

func TestSyncSuppressesSendDuringRun(t *testing.T) {
	adapter, _, orch := newTestAdapter(t, []int64{1001})
	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "/help"))
	orch.running[1001] = true

	adapter.syncExternalResults(context.Background())

	assert.Equal(t, []bool{false}, orch.pollAllow, "running user polls cursor-only")
}

func TestSyncSkipsContentStreamedDuringRun(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})
	orch.submitFn = func(_ orchestrator.NotifyFunc, send stream.SendFunc) error {
		return send("the run answer", true)
	}

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "solve it"))
	require.Equal(t, []string{"the run answer"}, api.sentTexts())

	// The same text shows up later in the session file; the digest recorded
	// at the final flush drops it.
	orch.pollOut = []string{"the run answer"}
	adapter.syncExternalResults(context.Background())
	assert.Equal(t, []string{"the run answer"}, api.sentTexts(), "no duplicate delivery")

	// Genuinely new content still flows.
	orch.pollOut = []string{"a different answer"}
	adapter.syncExternalResults(context.Background())
	assert.Contains(t, api.sentTexts(), "a different answer")
}

func TestNewPromptResetsDedupeWindow(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})
	orch.submitFn = func(_ orchestrator.NotifyFunc, send stream.SendFunc) error {
		return send("stable answer", true)
	}

	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "first"))
	adapter.handleUpdate(context.Background(), userMessage(1001, 77, "second"))

	// Each submission clears the window, so the identical answer of the
	// second run is delivered rather than treated as a duplicate.
	assert.Equal(t, []string{"stable answer", "stable answer"}, api.sentTexts())
}

func TestIgnoresNonMessageUpdates(t *testing.T) {
	adapter, api, orch := newTestAdapter(t, []int64{1001})

	adapter.handleUpdate(context.Background(), tgbotapi.Update{})
	adapter.handleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{}})

	assert.Empty(t, api.sentTexts())
	assert.Empty(t, orch.submittedPrompts())
}

func TestRunStopsUpdateStreamOnCancel(t *testing.T) {
	adapter, api, _ := newTestAdapter(t, []int64{1001})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not stop after cancel")
	}
	assert.True(t, api.isStopped())
}
