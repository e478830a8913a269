package codex

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"

	"github.com/hrygo/codexbot/internal/config"
)

// Cursor-position report handshake: interactive CLIs probe the terminal with
// ESC[6n and hang until they hear a position back.
var (
	cprRequest  = []byte("\x1b[6n")
	cprResponse = []byte("\x1b[1;1R")
)

// ptyDecoder turns raw PTY reads into clean output lines: CPR probes are
// stripped (and answered via respond), a small byte tail is withheld so a
// probe split across reads is still caught, and blank lines are dropped.
type ptyDecoder struct {
	raw     []byte
	text    []byte
	respond func()
}

// cprSlack bytes stay in raw between reads; the request is 4 bytes, so any
// partial prefix survives until the next read completes it.
const cprSlack = 3

func (d *ptyDecoder) feed(data []byte) []string {
	d.raw = append(d.raw, data...)
	for {
		idx := bytes.Index(d.raw, cprRequest)
		if idx < 0 {
			break
		}
		d.text = append(d.text, d.raw[:idx]...)
		d.raw = d.raw[idx+len(cprRequest):]
		if d.respond != nil {
			d.respond()
		}
	}
	if len(d.raw) > cprSlack {
		cut := len(d.raw) - cprSlack
		d.text = append(d.text, d.raw[:cut]...)
		d.raw = d.raw[cut:]
	}

	var lines []string
	for {
		nl := bytes.IndexByte(d.text, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimRight(string(d.text[:nl]), "\r")
		d.text = d.text[nl+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// flush releases everything still buffered, including the withheld tail.
func (d *ptyDecoder) flush() string {
	d.text = append(d.text, d.raw...)
	d.raw = nil
	out := strings.TrimSpace(string(d.text))
	d.text = nil
	return out
}

// runPTY executes a fresh (non-resume) run under a pseudo-terminal. Some CLI
// builds refuse to stream on plain pipes; the PTY keeps them chatty at the
// cost of terminal noise, which the decoder scrubs.
func (r *Runner) runPTY(ctx context.Context, state *execState, args []string) (int, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = r.workdir
	cmd.Env = buildEnv()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("start codex cli on pty: %w", err)
	}
	defer func() {
		_ = ptmx.Close() //nolint:errcheck // may already be closed by teardown
	}()

	r.logger.Info("codex runner: process started",
		"bot", r.bot, "pid", cmd.Process.Pid, "resume", false, "pty", true)

	state.terminate = makeTerminate(cmd)

	handle := newProcHandle(state)
	go func() { handle.waitCh <- cmd.Wait() }()

	handle.readers.Add(1)
	go func() {
		defer handle.readers.Done()
		state.readPTY(ptmx)
	}()

	handle.closeOutputs = func() { _ = ptmx.Close() } //nolint:errcheck // unblocks the reader
	handle.startWorkers()

	if r.base.CodexInputMode != config.InputModeArg {
		input := buildInput(state.req.Prompt, r.base.CodexApprovalsMode)
		if _, err := ptmx.WriteString(input); err != nil {
			r.logger.Warn("codex runner: pty input write failed", "bot", r.bot, "error", err)
		}
	}

	return handle.supervise(ctx)
}

func (s *execState) readPTY(ptmx *os.File) {
	dec := &ptyDecoder{respond: func() {
		_, _ = ptmx.Write(cprResponse) //nolint:errcheck // terminal may be gone
	}}
	buf := make([]byte, 1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			s.bumpOutput()
			for _, line := range dec.feed(buf[:n]) {
				if isCompactionNotice(line) {
					s.compacted.Store(true)
				}
				s.emitOutput(line, false)
			}
		}
		if err != nil {
			// EIO is the regular EOF of a pty master once the child exits.
			break
		}
	}
	if tail := dec.flush(); tail != "" {
		if isCompactionNotice(tail) {
			s.compacted.Store(true)
		}
		s.emitOutput(tail, false)
	}
}
