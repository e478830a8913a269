package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Window defaults shared by every bot adapter.
// 每个机器人适配器共享的窗口默认值。
const (
	DefaultWindowSize = 256
	DefaultWindowTTL  = 3600 * time.Second
)

type windowEntry struct {
	hash     string
	seenAt   time.Time
	position *list.Element
}

// Window is a bounded set of content hashes with a TTL. It suppresses
// repeated pushes of the same text across independent delivery paths
// (streaming and background polling). Eviction removes expired entries
// first, then the oldest by insertion order.
// Window 是带 TTL 的有界哈希集合，用于跨流式与轮询两条路径抑制重复推送。
type Window struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[string]*windowEntry
	order   *list.List // front = oldest insertion

	// now is swappable for tests.
	now func() time.Time
}

// NewWindow creates a Window. Non-positive maxSize or ttl fall back to the
// package defaults.
func NewWindow(maxSize int, ttl time.Duration) *Window {
	if maxSize <= 0 {
		maxSize = DefaultWindowSize
	}
	if ttl <= 0 {
		ttl = DefaultWindowTTL
	}
	return &Window{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*windowEntry),
		order:   list.New(),
		now:     time.Now,
	}
}

// Seen reports whether the text's hash is already in the window and, when it
// is not, records it. The check and the insert are one atomic step. Text that
// normalizes to nothing is never deduplicated or recorded.
// Seen 判断文本哈希是否已在窗口中，未命中时记录；检查与写入为一个原子步骤。
// 规范化后为空的文本既不去重也不记录。
func (w *Window) Seen(text string) bool {
	normalized := Normalize(text)
	if normalized == "" {
		return false
	}
	digest := HashRaw(normalized)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evictExpired(now)

	if entry, ok := w.entries[digest]; ok {
		entry.seenAt = now
		return true
	}
	w.rememberLocked(digest, now)
	return false
}

// Record inserts the text's hash without consulting the window first. Used
// after streaming a result so a later poll of the same content is suppressed.
// Record 直接写入文本哈希，不做存在性检查；流式发送后调用，抑制轮询重复。
func (w *Window) Record(text string) {
	normalized := Normalize(text)
	if normalized == "" {
		return
	}
	digest := HashRaw(normalized)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evictExpired(now)

	if entry, ok := w.entries[digest]; ok {
		entry.seenAt = now
		return
	}
	w.rememberLocked(digest, now)
}

func (w *Window) rememberLocked(digest string, now time.Time) {
	for len(w.entries) >= w.maxSize {
		w.evictOldest()
	}
	entry := &windowEntry{hash: digest, seenAt: now}
	entry.position = w.order.PushBack(entry)
	w.entries[digest] = entry
}

// Len returns the number of live entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictExpired(w.now())
	return len(w.entries)
}

func (w *Window) evictExpired(now time.Time) {
	for e := w.order.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*windowEntry)
		if now.Sub(entry.seenAt) < w.ttl {
			e = next
			continue
		}
		w.order.Remove(e)
		delete(w.entries, entry.hash)
		e = next
	}
}

func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*windowEntry)
	w.order.Remove(front)
	delete(w.entries, entry.hash)
}
