package telegram

import (
	"errors"
	"log/slog"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/codexbot/stream"
)

// telegramMessageLimit is the hard per-message length cap of the Bot API.
const telegramMessageLimit = 4096

// StreamSender renders a stream of text blocks into one chat. Blocks are
// appended to the current message through edits; once the accumulated text
// would exceed the chunk limit the sender rolls over to a fresh message,
// which becomes the new edit target. Message id zero means no bubble exists
// yet. Not safe for concurrent use; each delivery path creates its own.
// StreamSender 将文本流写入单个会话：小块通过编辑追加到当前消息，超限后滚动
// 到新消息。非并发安全，每条投递路径各建一个。
type StreamSender struct {
	api    API
	chatID int64
	limit  int
	logger *slog.Logger

	messageID int
	fullText  string
}

// NewStreamSender creates a sender for one chat. chunkLimit is clamped to
// [1, telegramMessageLimit].
func NewStreamSender(api API, chatID int64, chunkLimit int, logger *slog.Logger) *StreamSender {
	if chunkLimit < 1 {
		chunkLimit = 1
	}
	if chunkLimit > telegramMessageLimit {
		chunkLimit = telegramMessageLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamSender{api: api, chatID: chatID, limit: chunkLimit, logger: logger}
}

// Send implements stream.SendFunc. The final flag is part of the stream
// contract and does not change delivery; wrappers observe it for digest
// bookkeeping.
func (s *StreamSender) Send(text string, final bool) error {
	if text == "" {
		return nil
	}
	next := text
	if s.fullText != "" {
		next = s.fullText + "\n" + text
	}
	if len(next) > s.limit {
		return s.sendNewMessage(text)
	}

	s.fullText = next
	if s.messageID == 0 {
		return s.sendNewMessage(s.fullText)
	}
	edit := tgbotapi.NewEditMessageText(s.chatID, s.messageID, s.fullText)
	if _, err := s.api.Send(edit); err != nil {
		if !isBadRequest(err) {
			return err
		}
		// The edit target may be too old or deleted; start a fresh bubble
		// with the same accumulated text.
		s.logger.Debug("telegram: edit rejected, rolling to new message",
			"chat_id", s.chatID, "message_id", s.messageID, "error", err)
		return s.sendNewMessage(s.fullText)
	}
	return nil
}

// sendNewMessage pushes text as one or more fresh messages. The last chunk
// becomes the current bubble.
func (s *StreamSender) sendNewMessage(text string) error {
	for _, chunk := range stream.Split(text, s.limit) {
		sent, err := s.api.Send(tgbotapi.NewMessage(s.chatID, chunk))
		if err != nil {
			return err
		}
		s.messageID = sent.MessageID
		s.fullText = chunk
	}
	return nil
}

func isBadRequest(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest
}
