package codex

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSessionFile drops a JSONL file under a fake CODEX_HOME sessions tree.
func writeSessionFile(t *testing.T, home, relPath, content string) string {
	t.Helper()
	path := filepath.Join(home, "sessions", relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCodexHomeEnvOverride(t *testing.T) {
	t.Setenv("CODEX_HOME", "/srv/agent-home")
	assert.Equal(t, "/srv/agent-home", CodexHome())
}

func TestFindSessionFilePrefersNewest(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)

	older := writeSessionFile(t, home, "2026/01/rollout-2026-01-01-res42.jsonl", "{}\n")
	newer := writeSessionFile(t, home, "2026/02/rollout-2026-02-01-res42.jsonl", "{}\n")
	writeSessionFile(t, home, "2026/02/rollout-2026-02-02-other.jsonl", "{}\n")

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	path, ok := FindSessionFile("res42")
	require.True(t, ok)
	assert.Equal(t, newer, path)

	_, ok = FindSessionFile("missing")
	assert.False(t, ok)

	_, ok = FindSessionFile("")
	assert.False(t, ok)
}

func TestLastAssistantMessagePicksLastUtterance(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)

	content := `{"timestamp":"2026-01-02T10:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"early"}}
{"timestamp":"2026-01-02T10:00:01Z","type":"event_msg","payload":{"type":"agent_reasoning","text":"thinking"}}
not json at all
{"timestamp":"2026-01-02T10:00:05Z","type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"final answer"}]}}
`
	writeSessionFile(t, home, "2026/01/rollout-res99.jsonl", content)

	text, ok := LastAssistantMessage("res99")
	require.True(t, ok)
	assert.Equal(t, "final answer", text)
}

func TestLastAssistantMessageAfterBound(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)

	content := `{"timestamp":"2026-01-02T10:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"old answer"}}
`
	writeSessionFile(t, home, "2026/01/rollout-res77.jsonl", content)

	old := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	text, ok := LastAssistantMessageAfter("res77", float64(old.Unix()))
	require.True(t, ok)
	assert.Equal(t, "old answer", text)

	// The bound rejects a last message older than the run start.
	cutoff := time.Date(2026, 1, 2, 11, 0, 0, 0, time.UTC)
	_, ok = LastAssistantMessageAfter("res77", float64(cutoff.Unix()))
	assert.False(t, ok)
}

func TestLastAssistantMessageAfterRejectsUnstamped(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)

	content := `{"type":"event_msg","payload":{"type":"agent_message","message":"no timestamp"}}
`
	writeSessionFile(t, home, "2026/01/rollout-res55.jsonl", content)

	text, ok := LastAssistantMessage("res55")
	require.True(t, ok)
	assert.Equal(t, "no timestamp", text)

	_, ok = LastAssistantMessageAfter("res55", 0)
	assert.False(t, ok)
}

func TestLastAssistantMessageAfterDoesNotRewind(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)

	// A fresh message exists, but the positionally-last one is stale: the
	// lookup must report nothing rather than return the earlier message.
	content := `{"timestamp":"2026-01-02T12:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"fresh"}}
{"timestamp":"2026-01-02T08:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"stale"}}
`
	writeSessionFile(t, home, "2026/01/rollout-res33.jsonl", content)

	cutoff := time.Date(2026, 1, 2, 11, 0, 0, 0, time.UTC)
	_, ok := LastAssistantMessageAfter("res33", float64(cutoff.Unix()))
	assert.False(t, ok)
}

func TestReadLastMessageFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "last.txt")
	require.NoError(t, os.WriteFile(path, []byte("  the answer \n"), 0o644))
	text, ok := readLastMessageFile(path)
	require.True(t, ok)
	assert.Equal(t, "the answer", text)

	require.NoError(t, os.WriteFile(path, []byte("   \n"), 0o644))
	_, ok = readLastMessageFile(path)
	assert.False(t, ok)

	_, ok = readLastMessageFile(filepath.Join(dir, "missing.txt"))
	assert.False(t, ok)

	_, ok = readLastMessageFile("")
	assert.False(t, ok)
}
