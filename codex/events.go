package codex

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Record is one line of a codex session JSONL file.
// Record 对应会话 JSONL 文件中的一行。
type Record struct {
	Timestamp string  `json:"timestamp"`
	Type      string  `json:"type"`
	Payload   payload `json:"payload"`
}

type payload struct {
	Type    string        `json:"type"`
	Message string        `json:"message"`
	Text    string        `json:"text"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Record types and payload types observed in session files.
const (
	recordEventMsg     = "event_msg"
	recordResponseItem = "response_item"

	payloadAgentMessage   = "agent_message"
	payloadAgentReasoning = "agent_reasoning"
	payloadMessage        = "message"

	roleAssistant  = "assistant"
	typeOutputText = "output_text"
)

// ParseRecord decodes one JSONL line. Malformed or empty lines report ok=false
// and are skipped by all consumers.
func ParseRecord(line []byte) (*Record, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, false
	}
	var record Record
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, false
	}
	return &record, true
}

// Time parses the record timestamp into unix seconds. Naive timestamps are
// treated as UTC.
func (r *Record) Time() (float64, bool) {
	return parseTimestamp(r.Timestamp)
}

// EventText classifies a streamed event_msg record: visible agent messages
// and reasoning deltas. ok=false means the record is not a streamable event.
func (r *Record) EventText() (text string, reasoning bool, ok bool) {
	if r.Type != recordEventMsg {
		return "", false, false
	}
	switch r.Payload.Type {
	case payloadAgentMessage:
		text = strings.TrimSpace(r.Payload.Message)
		if text == "" {
			return "", false, false
		}
		return text, false, true
	case payloadAgentReasoning:
		text = strings.TrimSpace(r.Payload.Text)
		if text == "" {
			return "", false, false
		}
		return text, true, true
	}
	return "", false, false
}

// AssistantText extracts the final-answer text of a response_item assistant
// message: all output_text parts joined by newlines.
func (r *Record) AssistantText() (string, bool) {
	if r.Type != recordResponseItem {
		return "", false
	}
	if r.Payload.Type != payloadMessage || r.Payload.Role != roleAssistant {
		return "", false
	}
	var parts []string
	for _, part := range r.Payload.Content {
		if part.Type == typeOutputText && part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return "", false
	}
	return text, true
}

func parseTimestamp(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return float64(t.UnixNano()) / float64(time.Second), true
	}
	// Naive timestamps carry no zone; assume UTC.
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
	} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return float64(t.UnixNano()) / float64(time.Second), true
		}
	}
	return 0, false
}

// reasoningHiddenNotice replaces reasoning deltas when the operator keeps
// reasoning hidden.
const reasoningHiddenNotice = "进度：内部推理进行中（内容已隐藏）。"

// reasoningRules maps keyword groups to summary tags, checked in order.
// 推理摘要关键词表：按顺序匹配，最多取四个标签。
var reasoningRules = []struct {
	keywords []string
	tag      string
}{
	{[]string{"plan", "规划", "计划"}, "制定计划"},
	{[]string{"analyze", "analysis", "评估", "分析"}, "分析需求"},
	{[]string{"config", "配置", "env", "环境"}, "检查配置"},
	{[]string{"error", "fail", "失败", "问题"}, "排查问题"},
	{[]string{"test", "pytest", "playwright", "测试"}, "执行测试"},
	{[]string{"deploy", "systemctl", "service", "服务"}, "部署/服务操作"},
	{[]string{"refactor", "重构"}, "重构整理"},
	{[]string{"readme", "doc", "文档"}, "更新文档"},
	{[]string{"verify", "验证"}, "验证结果"},
	{[]string{"final", "summary", "最终", "总结"}, "整理最终回复"},
	{[]string{"sqlite", "db", "数据库", "jsonl"}, "检查数据与日志"},
}

const maxReasoningTags = 4

// SummarizeReasoning renders a reasoning delta as a keyword summary without
// exposing the original text. The reported length counts runes.
func SummarizeReasoning(text string) string {
	trimmed := strings.TrimSpace(text)
	lowered := strings.ToLower(trimmed)

	var tags []string
	for _, rule := range reasoningRules {
		if len(tags) >= maxReasoningTags {
			break
		}
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				tags = append(tags, rule.tag)
				break
			}
		}
	}
	if len(tags) == 0 {
		tags = []string{"整理任务与输出"}
	}
	return fmt.Sprintf("内部推理摘要：%s（已隐藏原文，长度%d字）",
		strings.Join(tags, "；"), utf8.RuneCountInString(trimmed))
}
