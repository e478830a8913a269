// Package config loads operator configuration: a TOML file with a [base]
// table and an array of [[bots]], or a single-bot fallback assembled from
// environment variables. String values may embed ${ENV:VAR} placeholders.
package config

import (
	"time"
)

// Run-mode values accepted by the --mode flag.
const (
	ModeDev  = "dev"
	ModeProd = "prod"
)

// Input modes for handing the prompt to the agent CLI.
const (
	InputModeStdin = "stdin"
	InputModeArg   = "arg"
)

// Reasoning rendering modes for streamed agent-reasoning events.
const (
	ReasoningModeHidden  = "hidden"
	ReasoningModeSummary = "summary"
)

// Base holds the operational knobs shared by every bot.
type Base struct {
	DBPath   string
	LockPath string

	CodexCmd           string
	CodexArgs          []string
	CodexInputMode     string // "stdin" or "arg"
	CodexApprovalsMode string // empty disables the /approvals prefix
	CodexSkipGitCheck  bool
	CodexUsePTY        bool

	StreamFlushInterval  time.Duration
	StreamIncludeStderr  bool
	ProgressTickInterval time.Duration // 0 disables the progress ticker

	RunTimeout             time.Duration
	CompactionIdleTimeout  time.Duration
	NoOutputIdleTimeout    time.Duration
	FinalResultIdleTimeout time.Duration

	JSONLSyncInterval      time.Duration
	JSONLStreamEvents      bool
	JSONLReasoningThrottle time.Duration
	JSONLReasoningMode     string // "hidden" or "summary"

	MessageChunkLimit int

	LogLevel    string
	MetricsAddr string // empty disables the metrics listener
}

// Bot describes one Telegram bot binding.
type Bot struct {
	Name           string
	Token          string
	AllowedUserIDs []int64
	ResumeID       string
	Workdir        string
	// CodexArgs overrides Base.CodexArgs when non-nil.
	CodexArgs []string
}

// Allows reports whether the user is in the bot's allowlist.
func (b *Bot) Allows(userID int64) bool {
	for _, id := range b.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// App is the full loaded configuration.
type App struct {
	Base Base
	Bots []Bot
}

// EffectiveCodexArgs returns the bot's CLI args, falling back to base.
func (a *App) EffectiveCodexArgs(bot *Bot) []string {
	if bot.CodexArgs != nil {
		return bot.CodexArgs
	}
	return a.Base.CodexArgs
}
