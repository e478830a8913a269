package codex

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Scanner buffer sizing for session files; single records can be large.
const (
	scanBufferInitial = 256 * 1024
	scanBufferMax     = 1024 * 1024
)

// CodexHome returns the agent CLI state directory: $CODEX_HOME, falling back
// to ~/.codex.
func CodexHome() string {
	if home := strings.TrimSpace(os.Getenv("CODEX_HOME")); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".codex"
	}
	return filepath.Join(userHome, ".codex")
}

// FindSessionFile locates the newest session JSONL whose file name contains
// resumeID, searching recursively under <codex home>/sessions. Ties are
// broken by modification time.
// FindSessionFile 在会话目录下按文件名匹配 resumeID，取修改时间最新的文件。
func FindSessionFile(resumeID string) (string, bool) {
	if resumeID == "" {
		return "", false
	}
	root := filepath.Join(CodexHome(), "sessions")

	var (
		bestPath string
		bestMod  time.Time
	)
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable directories are skipped, not fatal.
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") || !strings.Contains(name, resumeID) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if bestPath == "" || info.ModTime().After(bestMod) {
			bestPath = path
			bestMod = info.ModTime()
		}
		return nil
	})
	return bestPath, bestPath != ""
}

// LastAssistantMessage scans the whole session file bound to resumeID and
// returns the most recent assistant utterance: streamed agent messages and
// response items both count.
func LastAssistantMessage(resumeID string) (string, bool) {
	return lastAssistantMessage(resumeID, nil)
}

// LastAssistantMessageAfter is LastAssistantMessage restricted by time: the
// final utterance must carry a timestamp at or after minTS (unix seconds),
// otherwise nothing is returned. The bound rejects rather than rewinds; a
// stale or unstamped last message never falls back to an earlier one.
func LastAssistantMessageAfter(resumeID string, minTS float64) (string, bool) {
	return lastAssistantMessage(resumeID, &minTS)
}

func lastAssistantMessage(resumeID string, minTS *float64) (string, bool) {
	path, ok := FindSessionFile(resumeID)
	if !ok {
		return "", false
	}
	file, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer file.Close() //nolint:errcheck // read-only handle

	var (
		last    string
		lastTS  float64
		stamped bool
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, scanBufferInitial), scanBufferMax)
	for scanner.Scan() {
		record, ok := ParseRecord(scanner.Bytes())
		if !ok {
			continue
		}
		text, reasoning, ok := record.EventText()
		if !ok || reasoning {
			text, ok = record.AssistantText()
			if !ok {
				continue
			}
		}
		last = text
		lastTS, stamped = record.Time()
	}
	if last == "" {
		return "", false
	}
	if minTS != nil && (!stamped || lastTS < *minTS) {
		return "", false
	}
	return last, true
}

// readLastMessageFile reads the --output-last-message temp file. A missing
// or empty file reports ok=false.
func readLastMessageFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", false
	}
	return text, true
}
