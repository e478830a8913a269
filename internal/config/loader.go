package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// envPlaceholder matches ${ENV:VAR} anywhere inside a string value.
// envPlaceholder 匹配字符串中的 ${ENV:VAR} 占位符。
var envPlaceholder = regexp.MustCompile(`\$\{ENV:([A-Z0-9_]+)\}`)

// LoadResult carries the parsed configuration plus per-bot warnings for
// entries that were skipped (missing fields, unresolved placeholders).
type LoadResult struct {
	App      *App
	Warnings []string
}

// Load resolves the config file path (explicit argument, then CONFIG_PATH,
// then ./config.toml) and loads it. When no file exists it falls back to the
// legacy single-bot environment configuration.
func Load(path string) (*LoadResult, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.toml"
	}

	if _, err := os.Stat(path); err == nil {
		result, err := loadTOML(path)
		if err != nil {
			return nil, err
		}
		if len(result.App.Bots) == 0 {
			return nil, errors.Errorf("%s 未配置可用的 bot", path)
		}
		return result, nil
	}

	app, err := loadFromEnv()
	if err != nil {
		return nil, err
	}
	return &LoadResult{App: app}, nil
}

// loadTOML parses a [base] table plus an array of [[bots]]. Base errors are
// fatal; malformed bots are skipped and reported as warnings.
func loadTOML(path string) (*LoadResult, error) {
	var raw struct {
		Base map[string]any   `toml:"base"`
		Bots []map[string]any `toml:"bots"`
	}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	base, err := buildBase(raw.Base)
	if err != nil {
		return nil, err
	}

	var warnings []string
	bots := make([]Bot, 0, len(raw.Bots))
	for idx, rawBot := range raw.Bots {
		bot, err := buildBot(rawBot)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("bots[%d] %v", idx, err))
			continue
		}
		bots = append(bots, *bot)
	}

	return &LoadResult{
		App:      &App{Base: *base, Bots: bots},
		Warnings: warnings,
	}, nil
}

// loadFromEnv assembles the fallback single-bot configuration from the legacy
// environment variables. The first three are required.
// loadFromEnv 从旧版环境变量组装单机器人配置，前三项为必填。
func loadFromEnv() (*App, error) {
	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if token == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN 未配置")
	}
	allowed := parseIntList(os.Getenv("TELEGRAM_ALLOWED_USER_IDS"))
	if len(allowed) == 0 {
		return nil, errors.New("TELEGRAM_ALLOWED_USER_IDS 未配置")
	}
	resumeID := strings.TrimSpace(os.Getenv("CODEX_CLI_RESUME_ID"))
	if resumeID == "" {
		return nil, errors.New("CODEX_CLI_RESUME_ID 未配置")
	}
	workdir := strings.TrimSpace(os.Getenv("CODEX_WORKDIR"))
	if workdir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "failed to determine working directory")
		}
		workdir = cwd
	}

	base, err := buildBase(nil)
	if err != nil {
		return nil, err
	}
	return &App{
		Base: *base,
		Bots: []Bot{{
			Name:           "default",
			Token:          token,
			AllowedUserIDs: allowed,
			ResumeID:       resumeID,
			Workdir:        workdir,
		}},
	}, nil
}

// lookup reads one [base] key with the TOML > env alias > default precedence.
// The env alias is the upper-cased key name.
type lookup struct {
	data map[string]any
}

func (l lookup) raw(key, def string) (any, error) {
	if l.data != nil {
		if value, ok := l.data[key]; ok {
			return resolveAny(value)
		}
	}
	if value, ok := os.LookupEnv(strings.ToUpper(key)); ok {
		return resolveEnvPlaceholders(value)
	}
	return def, nil
}

func (l lookup) stringVal(key, def string) (string, error) {
	value, err := l.raw(key, def)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(fmt.Sprint(value)), nil
}

func (l lookup) boolVal(key string, def bool) (bool, error) {
	value, err := l.raw(key, strconv.FormatBool(def))
	if err != nil {
		return false, err
	}
	if b, ok := value.(bool); ok {
		return b, nil
	}
	return parseBool(fmt.Sprint(value)), nil
}

func (l lookup) floatVal(key string, def float64) (float64, error) {
	value, err := l.raw(key, strconv.FormatFloat(def, 'f', -1, 64))
	if err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(value)), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid numeric value for %s", key)
	}
	return parsed, nil
}

func (l lookup) intVal(key string, def int) (int, error) {
	parsed, err := l.floatVal(key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(parsed), nil
}

// secondsVal reads a float-seconds knob into a time.Duration.
func (l lookup) secondsVal(key string, def float64) (time.Duration, error) {
	seconds, err := l.floatVal(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func buildBase(data map[string]any) (*Base, error) {
	l := lookup{data: data}
	base := &Base{}

	var err error
	if base.DBPath, err = l.stringVal("db_path", filepath.Join("data", "app.db")); err != nil {
		return nil, err
	}
	if base.LockPath, err = l.stringVal("lock_path", filepath.Join(filepath.Dir(base.DBPath), "app.lock")); err != nil {
		return nil, err
	}
	if base.CodexCmd, err = l.stringVal("codex_cli_cmd", "codex"); err != nil {
		return nil, err
	}
	if base.CodexArgs, err = argsVal(l, "codex_cli_args"); err != nil {
		return nil, err
	}
	if base.CodexInputMode, err = l.stringVal("codex_cli_input_mode", InputModeStdin); err != nil {
		return nil, err
	}
	if base.CodexApprovalsMode, err = l.stringVal("codex_cli_approvals_mode", "3"); err != nil {
		return nil, err
	}
	if base.CodexSkipGitCheck, err = l.boolVal("codex_cli_skip_git_check", true); err != nil {
		return nil, err
	}
	if base.CodexUsePTY, err = l.boolVal("codex_cli_use_pty", false); err != nil {
		return nil, err
	}
	if base.StreamFlushInterval, err = l.secondsVal("stream_flush_interval", 1.5); err != nil {
		return nil, err
	}
	if base.StreamIncludeStderr, err = l.boolVal("stream_include_stderr", false); err != nil {
		return nil, err
	}
	if base.ProgressTickInterval, err = l.secondsVal("progress_tick_interval", 15); err != nil {
		return nil, err
	}
	if base.RunTimeout, err = l.secondsVal("run_timeout_seconds", 900); err != nil {
		return nil, err
	}
	if base.CompactionIdleTimeout, err = l.secondsVal("context_compaction_idle_timeout_seconds", 60); err != nil {
		return nil, err
	}
	if base.NoOutputIdleTimeout, err = l.secondsVal("no_output_idle_timeout_seconds", 900); err != nil {
		return nil, err
	}
	if base.FinalResultIdleTimeout, err = l.secondsVal("final_result_idle_timeout_seconds", 30); err != nil {
		return nil, err
	}
	if base.JSONLSyncInterval, err = l.secondsVal("jsonl_sync_interval_seconds", 3); err != nil {
		return nil, err
	}
	if base.JSONLStreamEvents, err = l.boolVal("jsonl_stream_events", true); err != nil {
		return nil, err
	}
	if base.JSONLReasoningThrottle, err = l.secondsVal("jsonl_reasoning_throttle_seconds", 10); err != nil {
		return nil, err
	}
	if base.JSONLReasoningMode, err = l.stringVal("jsonl_reasoning_mode", ReasoningModeHidden); err != nil {
		return nil, err
	}
	if base.MessageChunkLimit, err = l.intVal("telegram_chunk_limit", 3500); err != nil {
		return nil, err
	}
	if base.LogLevel, err = l.stringVal("log_level", "info"); err != nil {
		return nil, err
	}
	if base.MetricsAddr, err = l.stringVal("metrics_addr", ""); err != nil {
		return nil, err
	}
	return base, nil
}

// argsVal parses codex_cli_args, which may be a TOML array or a quote-aware
// string. An empty value yields an empty slice.
func argsVal(l lookup, key string) ([]string, error) {
	value, err := l.raw(key, "")
	if err != nil {
		return nil, err
	}
	return coerceArgs(value)
}

func coerceArgs(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return []string{}, nil
	case []any:
		args := make([]string, 0, len(v))
		for _, item := range v {
			resolved, err := resolveAny(item)
			if err != nil {
				return nil, err
			}
			args = append(args, fmt.Sprint(resolved))
		}
		return args, nil
	default:
		return splitArgs(fmt.Sprint(v))
	}
}

func buildBot(data map[string]any) (*Bot, error) {
	name, err := resolvedField(data, "name")
	if err != nil {
		return nil, err
	}
	token, err := resolvedField(data, "token")
	if err != nil {
		return nil, err
	}
	resumeID, err := resolvedField(data, "resume_id")
	if err != nil {
		return nil, err
	}
	workdir, err := resolvedField(data, "codex_workdir")
	if err != nil {
		return nil, err
	}

	var allowed []int64
	if rawAllowed, ok := data["allowed_user_ids"]; ok {
		resolved, err := resolveAny(rawAllowed)
		if err != nil {
			return nil, err
		}
		switch v := resolved.(type) {
		case []any:
			for _, item := range v {
				id, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(item)), 10, 64)
				if err != nil {
					return nil, errors.Errorf("allowed_user_ids 含非法值 %v", item)
				}
				allowed = appendUnique(allowed, id)
			}
		default:
			allowed = parseIntList(fmt.Sprint(v))
		}
	}

	var missing []string
	if name == "" {
		missing = append(missing, "name")
	}
	if token == "" {
		missing = append(missing, "token")
	}
	if len(allowed) == 0 {
		missing = append(missing, "allowed_user_ids")
	}
	if resumeID == "" {
		missing = append(missing, "resume_id")
	}
	if workdir == "" {
		missing = append(missing, "codex_workdir")
	}
	if len(missing) > 0 {
		return nil, errors.Errorf("缺少字段: %s", strings.Join(missing, ", "))
	}

	bot := &Bot{
		Name:           name,
		Token:          token,
		AllowedUserIDs: allowed,
		ResumeID:       resumeID,
		Workdir:        workdir,
	}
	if rawArgs, ok := data["codex_cli_args"]; ok {
		resolved, err := resolveAny(rawArgs)
		if err != nil {
			return nil, err
		}
		args, err := coerceArgs(resolved)
		if err != nil {
			return nil, err
		}
		bot.CodexArgs = args
	}
	return bot, nil
}

func resolvedField(data map[string]any, key string) (string, error) {
	value, ok := data[key]
	if !ok {
		return "", nil
	}
	resolved, err := resolveAny(value)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(fmt.Sprint(resolved)), nil
}

// resolveAny resolves ${ENV:VAR} placeholders inside strings; other types
// pass through untouched.
func resolveAny(value any) (any, error) {
	if s, ok := value.(string); ok {
		return resolveEnvPlaceholders(s)
	}
	return value, nil
}

func resolveEnvPlaceholders(value string) (string, error) {
	var missing string
	resolved := envPlaceholder.ReplaceAllStringFunc(value, func(match string) string {
		name := envPlaceholder.FindStringSubmatch(match)[1]
		if env, ok := os.LookupEnv(name); ok {
			return env
		}
		if missing == "" {
			missing = name
		}
		return match
	})
	if missing != "" {
		return "", errors.Errorf("缺少环境变量 %s", missing)
	}
	return resolved, nil
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// parseIntList parses a comma-separated list of integers, dropping blanks
// and duplicates.
func parseIntList(value string) []int64 {
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = appendUnique(ids, id)
	}
	return ids
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// splitArgs splits a command-line string into arguments with shell-style
// quoting: single quotes are literal, double quotes allow \" and \\ escapes,
// and a bare backslash escapes the following rune.
// splitArgs 按 shell 引号规则切分参数字符串。
func splitArgs(value string) ([]string, error) {
	args := []string{}
	var current strings.Builder
	inArg := false
	quote := rune(0)
	escaped := false

	for _, r := range value {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == '\\':
			escaped = true
			inArg = true
		case r == ' ' || r == '\t' || r == '\n':
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}
		default:
			current.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unclosed quote in argument string")
	}
	if escaped {
		return nil, errors.New("trailing backslash in argument string")
	}
	if inArg {
		args = append(args, current.String())
	}
	return args, nil
}
