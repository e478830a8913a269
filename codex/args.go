package codex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hrygo/codexbot/internal/config"
)

// BuildArgs assembles the full argv for one run. resumeID must already be
// the active id (request override or bot default). useExec reports whether
// the resume form was chosen.
//
// Resume form:    cmd exec [--skip-git-repo-check] [--output-last-message F]
//                 <extra args> resume <id> (<prompt>|-)
// Fresh form:     cmd [--output-last-message F] <extra args> [<prompt>]
func (r *Runner) BuildArgs(prompt, resumeID, lastMessagePath string) ([]string, bool) {
	args := []string{r.base.CodexCmd}
	useStdin := r.base.CodexInputMode != config.InputModeArg

	if resumeID != "" {
		args = append(args, "exec")
		if r.base.CodexSkipGitCheck {
			args = append(args, "--skip-git-repo-check")
		}
		if lastMessagePath != "" {
			args = append(args, "--output-last-message", lastMessagePath)
		}
		args = append(args, r.args...)
		args = append(args, "resume", resumeID)
		if useStdin {
			args = append(args, "-")
		} else {
			r.warnApprovalsSkipped()
			args = append(args, prompt)
		}
		return args, true
	}

	if lastMessagePath != "" {
		args = append(args, "--output-last-message", lastMessagePath)
	}
	args = append(args, r.args...)
	if !useStdin {
		r.warnApprovalsSkipped()
		args = append(args, prompt)
	}
	return args, false
}

func (r *Runner) warnApprovalsSkipped() {
	if r.base.CodexApprovalsMode != "" {
		r.logger.Warn("codex runner: arg 模式无法注入 /approvals 指令，已跳过", "bot", r.bot)
	}
}

// buildInput renders the stdin payload: an optional /approvals directive
// followed by the prompt, newline terminated.
func buildInput(prompt, approvalsMode string) string {
	if approvalsMode != "" {
		return fmt.Sprintf("/approvals %s\n%s\n", approvalsMode, prompt)
	}
	return prompt + "\n"
}

// buildEnv clones the process environment, filling in terminal defaults the
// agent CLI expects when driven headless. Existing values always win.
// buildEnv 补齐无头运行所需的终端环境变量，已有值不覆盖。
func buildEnv() []string {
	env := os.Environ()
	env = setDefaultEnv(env, "PROMPT_TOOLKIT_NO_CPR", "1")
	env = setDefaultEnv(env, "TERM", "xterm-256color")

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
	}
	env = setDefaultEnv(env, "XDG_RUNTIME_DIR", runtimeDir)

	busPath := filepath.Join(runtimeDir, "bus")
	if _, err := os.Stat(busPath); err == nil {
		env = setDefaultEnv(env, "DBUS_SESSION_BUS_ADDRESS", "unix:path="+busPath)
	}
	return env
}

func setDefaultEnv(env []string, key, value string) []string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return env
		}
	}
	return append(env, prefix+value)
}

// prepareLastMessageFile creates the temp file handed to the CLI via
// --output-last-message. Returns "" when the file cannot be created; the run
// then proceeds without the direct final-result channel.
func prepareLastMessageFile() (string, error) {
	handle, err := os.CreateTemp("", "codex-last-message-*.txt")
	if err != nil {
		return "", err
	}
	path := handle.Name()
	_ = handle.Close() //nolint:errcheck // empty placeholder file
	return path, nil
}
