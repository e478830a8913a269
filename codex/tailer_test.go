package codex

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tailCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *tailCollector) emit(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, text)
}

func (c *tailCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer file.Close()
	_, err = file.WriteString(line + "\n")
	require.NoError(t, err)
}

func agentMessage(text string) string {
	return `{"timestamp":"2026-01-02T10:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"` + text + `"}}`
}

func agentReasoning(text string) string {
	return `{"timestamp":"2026-01-02T10:00:00Z","type":"event_msg","payload":{"type":"agent_reasoning","text":"` + text + `"}}`
}

func startTailer(t *testing.T, tailer *Tailer, collector *tailCollector) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tailer.Run(ctx, collector.emit)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("tailer did not stop")
		}
	})
	return cancel
}

func TestTailerEmitsOnlyAppendedRecords(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)
	path := writeSessionFile(t, home, "2026/01/rollout-tail1.jsonl",
		agentMessage("history")+"\n")

	collector := &tailCollector{}
	startTailer(t, NewTailer("tail1", "hidden", 0, nil), collector)

	// Give the tailer time to resolve the file and park at its end.
	time.Sleep(400 * time.Millisecond)

	appendLine(t, path, agentMessage("live one"))
	appendLine(t, path, "garbage line")
	appendLine(t, path, agentMessage("live one")) // consecutive duplicate
	appendLine(t, path, agentMessage("live two"))

	assert.Eventually(t, func() bool {
		lines := collector.snapshot()
		return len(lines) == 2 && lines[0] == "live one" && lines[1] == "live two"
	}, 3*time.Second, 50*time.Millisecond, "got %v", collector.snapshot())

	// Historical content must never surface.
	for _, line := range collector.snapshot() {
		assert.NotEqual(t, "history", line)
	}
}

func TestTailerReasoningHidden(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)
	path := writeSessionFile(t, home, "2026/01/rollout-tail2.jsonl", "")

	collector := &tailCollector{}
	startTailer(t, NewTailer("tail2", "hidden", 0, nil), collector)
	time.Sleep(400 * time.Millisecond)

	appendLine(t, path, agentReasoning("checking config files"))

	assert.Eventually(t, func() bool {
		lines := collector.snapshot()
		return len(lines) == 1 && lines[0] == "进度：内部推理进行中（内容已隐藏）。"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestTailerReasoningSummary(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)
	path := writeSessionFile(t, home, "2026/01/rollout-tail3.jsonl", "")

	collector := &tailCollector{}
	startTailer(t, NewTailer("tail3", "summary", 0, nil), collector)
	time.Sleep(400 * time.Millisecond)

	appendLine(t, path, agentReasoning("running the test suite"))

	assert.Eventually(t, func() bool {
		lines := collector.snapshot()
		return len(lines) == 1 && strings.HasPrefix(lines[0], "内部推理摘要：执行测试")
	}, 3*time.Second, 50*time.Millisecond)
}

func TestTailerReasoningThrottle(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)
	path := writeSessionFile(t, home, "2026/01/rollout-tail4.jsonl", "")

	collector := &tailCollector{}
	// One reasoning notice per hour: only the first delta passes.
	startTailer(t, NewTailer("tail4", "hidden", time.Hour, nil), collector)
	time.Sleep(400 * time.Millisecond)

	appendLine(t, path, agentReasoning("alpha"))
	appendLine(t, path, agentReasoning("beta"))
	appendLine(t, path, agentMessage("visible"))

	assert.Eventually(t, func() bool {
		lines := collector.snapshot()
		return len(lines) == 2 &&
			lines[0] == "进度：内部推理进行中（内容已隐藏）。" &&
			lines[1] == "visible"
	}, 3*time.Second, 50*time.Millisecond, "got %v", collector.snapshot())
}

func TestTailerSurvivesRotation(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CODEX_HOME", home)
	path := writeSessionFile(t, home, "2026/01/rollout-tail5.jsonl", "")

	collector := &tailCollector{}
	startTailer(t, NewTailer("tail5", "hidden", 0, nil), collector)
	time.Sleep(400 * time.Millisecond)

	appendLine(t, path, agentMessage("before rotation"))
	assert.Eventually(t, func() bool {
		return len(collector.snapshot()) == 1
	}, 3*time.Second, 50*time.Millisecond)

	// Replace the file wholesale; the tailer must notice and re-attach.
	require.NoError(t, os.Remove(path))
	writeSessionFile(t, home, "2026/01/rollout-tail5.jsonl", "")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(150 * time.Millisecond):
			}
			file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				continue
			}
			_, _ = file.WriteString(agentMessage("after rotation") + "\n")
			_ = file.Close()
		}
	}()

	assert.Eventually(t, func() bool {
		for _, line := range collector.snapshot() {
			if line == "after rotation" {
				return true
			}
		}
		return false
	}, 5*time.Second, 100*time.Millisecond)
}
