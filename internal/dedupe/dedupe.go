// Package dedupe provides content-addressed deduplication of outbound text.
// Package dedupe 提供基于内容哈希的出站文本去重。
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize canonicalizes text before hashing so that cosmetic whitespace
// differences never defeat deduplication: CRLF and bare CR become LF, every
// line loses its trailing whitespace, and trailing empty lines are dropped.
// Normalize is idempotent.
// Normalize 在哈希前规范化文本：统一换行符、去除行尾空白、丢弃末尾空行。
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	lines := strings.Split(normalized, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\v\f")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Hash returns the hex SHA-256 of the normalized text.
// Hash 返回规范化文本的十六进制 SHA-256。
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// HashRaw hashes text that is already normalized.
func HashRaw(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
