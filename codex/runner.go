// Package codex drives the codex CLI as a supervised child process: it
// builds the command line for fresh and resumed runs, streams stdout/stderr
// (or a PTY) line by line with duplicate suppression, tails the session
// JSONL for live events, and watches idle time to recover the final answer
// when the CLI stalls after finishing.
//
// codex 包负责驱动 codex CLI 子进程：构建参数、逐行转发输出、跟读会话
// JSONL，并通过空闲看门狗在进程卡住时自动收尾。
package codex

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hrygo/codexbot/internal/config"
	"github.com/hrygo/codexbot/internal/dedupe"
)

// Status tokens reported through RunRequest.OnStatus.
const (
	StatusTimeout  = "timeout"
	StatusCanceled = "canceled"
)

// Watchdog and stream notices shown to the operator.
const (
	noticeFinalResultIdle = "检测到最终结果已输出，自动结束任务。"
	noticeNoOutputIdle    = "检测到长时间无输出，已自动结束。"
	noticeCompactionIdle  = "检测到上下文压缩后无输出，已自动结束。"

	compactionMarker = "context compacted"
)

// outputDrainTimeout bounds how long process teardown waits for the stream
// readers to drain naturally before force-closing their pipes.
const outputDrainTimeout = 2 * time.Second

// RunRequest describes a single prompt execution. OnOutput receives streamed
// lines in emission order; OnStatus receives StatusTimeout/StatusCanceled
// when the run ends abnormally; OnFinal receives the recovered final answer,
// at most once, after the process has exited. Callbacks may be nil.
type RunRequest struct {
	Prompt   string
	ResumeID string // overrides the bot default when non-empty
	OnOutput func(text string, isErr bool)
	OnStatus func(status string)
	OnFinal  func(text string)
}

// Runner executes codex CLI runs for one bot binding.
type Runner struct {
	base     *config.Base
	bot      string
	workdir  string
	args     []string // effective extra CLI args
	resumeID string   // bot default resume id
	logger   *slog.Logger
}

// NewRunner binds a runner to one bot. logger may be nil.
func NewRunner(app *config.App, bot *config.Bot, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		base:     &app.Base,
		bot:      bot.Name,
		workdir:  bot.Workdir,
		args:     app.EffectiveCodexArgs(bot),
		resumeID: bot.ResumeID,
		logger:   logger,
	}
}

// Run executes one prompt to completion and returns the process exit code.
// Forced completion by the idle watchdog reports 0 regardless of how the
// process died. The returned error is reserved for spawn failures and
// context cancellation; a nonzero agent exit is not an error.
func (r *Runner) Run(ctx context.Context, req RunRequest) (int, error) {
	resumeID := strings.TrimSpace(req.ResumeID)
	if resumeID == "" {
		resumeID = r.resumeID
	}

	lastMessagePath, err := prepareLastMessageFile()
	if err != nil {
		r.logger.Warn("codex runner: create last-message file failed", "bot", r.bot, "error", err)
		lastMessagePath = ""
	}
	if lastMessagePath != "" {
		defer os.Remove(lastMessagePath) //nolint:errcheck // best-effort cleanup
	}

	args, useExec := r.BuildArgs(req.Prompt, resumeID, lastMessagePath)
	state := newExecState(r, req, resumeID, lastMessagePath)

	if r.base.CodexUsePTY && !useExec {
		return r.runPTY(ctx, state, args)
	}
	return r.runPipes(ctx, state, args)
}

func (r *Runner) runPipes(ctx context.Context, state *execState, args []string) (int, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = r.workdir
	cmd.Env = buildEnv()

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("codex stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdoutR, stdoutW)
		return 0, fmt.Errorf("codex stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var stdin io.WriteCloser
	if r.base.CodexInputMode != config.InputModeArg {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			closeFiles(stdoutR, stdoutW, stderrR, stderrW)
			return 0, fmt.Errorf("codex stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		closeFiles(stdoutR, stdoutW, stderrR, stderrW)
		return 0, fmt.Errorf("start codex cli: %w", err)
	}
	// The child owns the write ends now; drop ours so the readers see EOF
	// as soon as the process exits.
	closeFiles(stdoutW, stderrW)

	r.logger.Info("codex runner: process started",
		"bot", r.bot, "pid", cmd.Process.Pid, "resume", state.resumeID != "", "pty", false)

	state.terminate = makeTerminate(cmd)

	handle := newProcHandle(state)
	go func() { handle.waitCh <- cmd.Wait() }()

	if stdin != nil {
		input := buildInput(state.req.Prompt, r.base.CodexApprovalsMode)
		handle.workers.Add(1)
		go func() {
			defer handle.workers.Done()
			if _, err := io.WriteString(stdin, input); err != nil {
				r.logger.Debug("codex runner: stdin write failed", "bot", r.bot, "error", err)
			}
			_ = stdin.Close() //nolint:errcheck // child side decides EOF handling
		}()
	}

	handle.readers.Add(2)
	go func() {
		defer handle.readers.Done()
		state.readPipe(stdoutR, false)
	}()
	go func() {
		defer handle.readers.Done()
		state.readPipe(stderrR, true)
	}()

	handle.closeOutputs = func() { closeFiles(stdoutR, stderrR) }
	handle.startWorkers()

	return handle.supervise(ctx)
}

// --- shared per-run state ---------------------------------------------------

type execState struct {
	r               *Runner
	req             RunRequest
	resumeID        string
	lastMessagePath string
	startedAt       float64 // unix seconds; lower bound for session-file recovery
	start           time.Time
	lastOutput      atomic.Int64 // elapsed nanoseconds at the last output
	compacted       atomic.Bool
	forcedDone      atomic.Bool
	terminate       func()

	mu         sync.Mutex
	sentHashes map[string]struct{}

	// Watchdog-only bookkeeping; the watchdog is a single goroutine.
	lastFinalSent string
	fallbackTried bool
}

func newExecState(r *Runner, req RunRequest, resumeID, lastMessagePath string) *execState {
	now := time.Now()
	return &execState{
		r:               r,
		req:             req,
		resumeID:        resumeID,
		lastMessagePath: lastMessagePath,
		startedAt:       float64(now.UnixNano()) / float64(time.Second),
		start:           now,
		sentHashes:      make(map[string]struct{}),
	}
}

func (s *execState) bumpOutput() {
	s.lastOutput.Store(int64(time.Since(s.start)))
}

func (s *execState) idleFor() time.Duration {
	return time.Since(s.start) - time.Duration(s.lastOutput.Load())
}

// emitOutput forwards one line to the caller. Non-error, non-empty lines are
// deduplicated for the whole run by normalized content hash; empty lines and
// stderr bypass dedup.
func (s *execState) emitOutput(text string, isErr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !isErr && text != "" {
		digest := dedupe.Hash(text)
		if _, seen := s.sentHashes[digest]; seen {
			return
		}
		s.sentHashes[digest] = struct{}{}
	}
	if s.req.OnOutput != nil {
		s.req.OnOutput(text, isErr)
	}
}

func (s *execState) status(token string) {
	if s.req.OnStatus != nil {
		s.req.OnStatus(token)
	}
}

func (s *execState) readPipe(reader io.Reader, isErr bool) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, scanBufferInitial), scanBufferMax)
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), " \t\r\n\v\f")
		s.bumpOutput()
		if isCompactionNotice(text) {
			s.compacted.Store(true)
		}
		s.emitOutput(text, isErr)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.r.logger.Debug("codex runner: pipe read ended", "bot", s.r.bot, "stderr", isErr, "error", err)
	}
}

// watchdog enforces the idle policies, checked in priority order each tick:
// final-result idle (quiet after the answer landed), no-output idle, and
// post-compaction idle. Whichever fires terminates the process.
func (s *execState) watchdog(ctx context.Context) {
	base := s.r.base
	interval := watchdogInterval(base.CompactionIdleTimeout)
	for {
		if !sleepCtx(ctx, interval) {
			return
		}
		idle := s.idleFor()

		if base.FinalResultIdleTimeout > 0 && idle >= base.FinalResultIdleTimeout {
			if final, ok := s.recoverFinal(); ok {
				if final != s.lastFinalSent {
					s.lastFinalSent = final
					s.emitOutput(final, false)
				}
				s.emitOutput(noticeFinalResultIdle, false)
				s.forcedDone.Store(true)
				s.r.logger.Warn("codex runner: final result idle, terminating",
					"bot", s.r.bot, "idle", idle.Round(time.Second))
				s.terminate()
				return
			}
		}

		if base.NoOutputIdleTimeout > 0 && idle >= base.NoOutputIdleTimeout {
			s.emitOutput(noticeNoOutputIdle, false)
			s.status(StatusTimeout)
			s.forcedDone.Store(true)
			s.r.logger.Warn("codex runner: no output idle, terminating",
				"bot", s.r.bot, "idle", idle.Round(time.Second))
			s.terminate()
			return
		}

		if !s.compacted.Load() || base.JSONLStreamEvents || idle < base.CompactionIdleTimeout {
			continue
		}
		if final, ok := s.recoverFinal(); ok && final != s.lastFinalSent {
			s.lastFinalSent = final
			s.emitOutput(final, false)
		}
		s.emitOutput(noticeCompactionIdle, false)
		s.status(StatusTimeout)
		s.forcedDone.Store(true)
		s.r.logger.Warn("codex runner: compaction idle, terminating",
			"bot", s.r.bot, "idle", idle.Round(time.Second))
		s.terminate()
		return
	}
}

// recoverFinal reads the --output-last-message file, falling back to the
// session JSONL once per run.
func (s *execState) recoverFinal() (string, bool) {
	if text, ok := readLastMessageFile(s.lastMessagePath); ok {
		return text, true
	}
	if s.resumeID != "" && !s.fallbackTried {
		s.fallbackTried = true
		return LastAssistantMessageAfter(s.resumeID, s.startedAt)
	}
	return "", false
}

// emitFinal delivers the final answer after the process has exited. The
// session-file fallback is bounded by the run start so stale answers from
// earlier runs are never replayed.
func (s *execState) emitFinal() {
	if s.req.OnFinal == nil {
		return
	}
	text, ok := readLastMessageFile(s.lastMessagePath)
	if !ok && s.resumeID != "" {
		text, ok = LastAssistantMessageAfter(s.resumeID, s.startedAt)
	}
	if ok && text != "" {
		s.req.OnFinal(text)
	}
}

// progressLoop emits a waiting notice whenever a full tick passes without
// output. The notice bypasses dedup on purpose: the elapsed seconds repeat.
func (s *execState) progressLoop(ctx context.Context) {
	interval := s.r.base.ProgressTickInterval
	for {
		if !sleepCtx(ctx, interval) {
			return
		}
		if idle := s.idleFor(); idle >= interval && s.req.OnOutput != nil {
			s.req.OnOutput(fmt.Sprintf("进度：运行中，已等待 %d 秒", int(idle.Seconds())), false)
		}
	}
}

// startWorkersInto launches the watchdog plus, depending on configuration,
// the JSONL tailer (resumed runs with event streaming) or the progress
// ticker (event streaming off).
func (s *execState) startWorkersInto(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watchdog(ctx)
	}()

	base := s.r.base
	if s.resumeID != "" && base.JSONLStreamEvents {
		tailer := NewTailer(s.resumeID, base.JSONLReasoningMode, base.JSONLReasoningThrottle, s.r.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			tailer.Run(ctx, func(text string) {
				s.bumpOutput()
				s.emitOutput(text, false)
			})
		}()
	}
	if base.ProgressTickInterval > 0 && !base.JSONLStreamEvents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.progressLoop(ctx)
		}()
	}
}

// --- process supervision ----------------------------------------------------

type procHandle struct {
	state        *execState
	waitCh       chan error
	readers      sync.WaitGroup
	workers      sync.WaitGroup
	workerCtx    context.Context
	stopWorkers  context.CancelFunc
	closeOutputs func()
}

func newProcHandle(state *execState) *procHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &procHandle{
		state:       state,
		waitCh:      make(chan error, 1),
		workerCtx:   ctx,
		stopWorkers: cancel,
	}
}

func (h *procHandle) startWorkers() {
	h.state.startWorkersInto(h.workerCtx, &h.workers)
}

// supervise waits for the process under the run timeout and the caller's
// context, then tears down streams and recovers the final message.
func (h *procHandle) supervise(ctx context.Context) (int, error) {
	s := h.state
	r := s.r
	defer h.stopWorkers()

	var timeoutCh <-chan time.Time
	if r.base.RunTimeout > 0 {
		timer := time.NewTimer(r.base.RunTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-h.waitCh:
	case <-timeoutCh:
		r.logger.Warn("codex runner: run timeout, terminating", "bot", r.bot, "timeout", r.base.RunTimeout)
		s.status(StatusTimeout)
		s.terminate()
		waitErr = <-h.waitCh
	case <-ctx.Done():
		r.logger.Info("codex runner: run canceled, terminating", "bot", r.bot)
		s.status(StatusCanceled)
		s.terminate()
		<-h.waitCh
		h.teardown(0)
		return 0, ctx.Err()
	}

	h.teardown(outputDrainTimeout)
	s.emitFinal()

	code := exitCode(waitErr)
	if s.forcedDone.Load() {
		code = 0
	}
	r.logger.Info("codex runner: process exited",
		"bot", r.bot, "code", code, "forced", s.forcedDone.Load())
	return code, nil
}

// teardown stops the workers, lets the stream readers drain briefly, then
// force-closes the output descriptors to unblock any reader still pinned by
// a grandchild holding the pipe open.
func (h *procHandle) teardown(drain time.Duration) {
	h.stopWorkers()
	if drain > 0 {
		done := make(chan struct{})
		go func() {
			h.readers.Wait()
			close(done)
		}()
		timer := time.NewTimer(drain)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			h.state.r.logger.Warn("codex runner: output drain timed out, forcing close", "bot", h.state.r.bot)
		}
	}
	if h.closeOutputs != nil {
		h.closeOutputs()
	}
	h.readers.Wait()
	h.workers.Wait()
}

// --- helpers -----------------------------------------------------------------

func watchdogInterval(compactionIdle time.Duration) time.Duration {
	interval := compactionIdle / 2
	if interval < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	if interval > time.Second {
		return time.Second
	}
	return interval
}

func isCompactionNotice(text string) bool {
	return strings.Contains(strings.ToLower(text), compactionMarker)
}

// makeTerminate returns an idempotent SIGTERM for the process; a failed
// signal (unsupported platform, already gone) falls back to Kill.
func makeTerminate(cmd *exec.Cmd) func() {
	return func() {
		proc := cmd.Process
		if proc == nil {
			return
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			_ = proc.Kill() //nolint:errcheck // process already gone
		}
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 0
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	// Signal deaths map to the shell convention.
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return 1
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close() //nolint:errcheck // teardown path
	}
}
