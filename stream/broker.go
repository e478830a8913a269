// Package stream batches run output into periodic Telegram-sized flushes.
// 输出流聚合：按固定周期合并运行输出，再按块大小切分下发。
package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SendFunc delivers one chunk to the user. final marks chunks emitted by the
// closing flush of a run.
type SendFunc func(text string, final bool) error

// Broker buffers output lines and flushes them joined by newlines every
// interval. A broker serves exactly one run: Start once, Stop once.
type Broker struct {
	send       SendFunc
	interval   time.Duration
	chunkLimit int
	logger     *slog.Logger

	mu     sync.Mutex
	buffer []string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBroker creates a broker. An interval <= 0 disables the periodic
// flusher; content is then delivered by the final flush only.
func NewBroker(send SendFunc, interval time.Duration, chunkLimit int, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		send:       send,
		interval:   interval,
		chunkLimit: chunkLimit,
		logger:     logger,
	}
}

// Start launches the periodic flusher.
func (b *Broker) Start(ctx context.Context) {
	if b.interval <= 0 {
		return
	}
	flushCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-flushCtx.Done():
				return
			case <-ticker.C:
				b.Flush(false)
			}
		}
	}()
}

// Push appends one line to the pending buffer. Stderr lines carry a marker
// prefix so the user can tell them apart.
func (b *Broker) Push(text string, isErr bool) {
	line := text
	if isErr {
		line = "[stderr] " + text
	}
	b.mu.Lock()
	b.buffer = append(b.buffer, line)
	b.mu.Unlock()
}

// Flush joins and sends the pending buffer. Send failures are logged and
// dropped; delivery is best effort.
func (b *Broker) Flush(final bool) {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	content := strings.Join(b.buffer, "\n")
	b.buffer = nil
	b.mu.Unlock()

	for _, chunk := range Split(content, b.chunkLimit) {
		if err := b.send(chunk, final); err != nil {
			b.logger.Warn("stream: send failed", "error", err)
		}
	}
}

// Stop halts the flusher, waits for it to exit, then performs the final
// flush of whatever is still buffered.
func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.Flush(true)
}
