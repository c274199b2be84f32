// ABOUTME: TTL window for suppressing duplicate push submissions
// ABOUTME: Keeps at-most-once delivery honest when the channel redelivers

package dedupe

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// entry records when a key was last seen and its position in the
// insertion-order list used for O(1) eviction.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Window is a thread-safe, TTL-based, size-bounded set of recently seen
// push submissions. A submission seen inside the window is a duplicate.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest key at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe window. A background goroutine evicts expired keys.
func New(ttl time.Duration, maxSize int) *Window {
	w := &Window{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go w.sweep()
	return w
}

// Key derives a stable dedupe key from a recipient and question.
func Key(to, question string) string {
	sum := sha256.Sum256([]byte(to + "\x00" + question))
	return hex.EncodeToString(sum[:16])
}

// Seen atomically checks whether key is inside the window and records it
// if not. Returns true for a duplicate, false for a fresh submission.
func (w *Window) Seen(key string) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.seen[key]; ok && now.Sub(e.seenAt) < w.ttl {
		return true
	}

	if e, ok := w.seen[key]; ok {
		// Expired entry: refresh in place.
		e.seenAt = now
		w.order.MoveToBack(e.element)
		return false
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldest()
	}
	elem := w.order.PushBack(key)
	w.seen[key] = &entry{seenAt: now, element: elem}
	return false
}

// evictOldest removes the front (oldest) key. Must hold mu.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, key)
}

// sweep periodically drops expired keys until Close.
func (w *Window) sweep() {
	ticker := time.NewTicker(w.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.dropExpired()
		}
	}
}

func (w *Window) dropExpired() {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for front := w.order.Front(); front != nil; front = w.order.Front() {
		key, _ := front.Value.(string)
		e := w.seen[key]
		if e == nil || now.Sub(e.seenAt) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.seen, key)
	}
}

// Close stops the background sweeper. Safe to call once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
}
