// Package bus throttles text-delta streams down to a bounded publish rate
// for sse{chunk} events. llmpipeline.Run uses StreamNotifier to turn a
// provider's per-token deltas into periodic chunk callbacks instead of one
// bus envelope per token.
//
// The sse{chunk} contract is additive: each chunk carries the text
// generated since the previous chunk, and a subscriber appends them to
// reconstruct the response. That differs from the teacher's Telegram-edit
// use case, where each tick republishes the whole message in place because
// the Telegram Bot API edits a message by replacing its full text.
// StreamNotifier here flushes only the delta accumulated since the last
// flush, and tags each flush with a monotonically increasing sequence
// number so a subscriber can detect a gap (a flush it never received).
package bus

import (
	"strings"
	"sync"
	"time"
)

// StreamNotifier accumulates text deltas and flushes the unsent portion,
// tagged with its sequence number, to a callback at a throttled interval.
type StreamNotifier struct {
	mu       sync.Mutex
	pending  strings.Builder
	full     strings.Builder
	seq      int
	onUpdate func(delta string, seq int)
	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
	dirty    bool
}

// NewStreamNotifier creates a notifier that calls onUpdate with the text
// accumulated since the previous flush, and that flush's sequence number,
// every interval.
func NewStreamNotifier(interval time.Duration, onUpdate func(delta string, seq int)) *StreamNotifier {
	sn := &StreamNotifier{
		onUpdate: onUpdate,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
	}

	go sn.loop()
	return sn
}

func (sn *StreamNotifier) loop() {
	for {
		select {
		case <-sn.ticker.C:
			sn.flushLocked()
		case <-sn.done:
			return
		}
	}
}

// Append adds a text delta to the accumulator.
func (sn *StreamNotifier) Append(delta string) {
	sn.mu.Lock()
	sn.pending.WriteString(delta)
	sn.full.WriteString(delta)
	sn.dirty = true
	sn.mu.Unlock()
}

// Flush stops the ticker and pushes any content appended since the previous
// flush. It may be called more than once; only the first call stops the
// ticker.
func (sn *StreamNotifier) Flush() {
	sn.stopOnce.Do(func() {
		sn.ticker.Stop()
		close(sn.done)
	})
	sn.flushLocked()
}

// flushLocked emits the pending delta under the lock, if there's anything
// unsent, and resets the pending buffer for the next interval.
func (sn *StreamNotifier) flushLocked() {
	sn.mu.Lock()
	if !sn.dirty || sn.pending.Len() == 0 {
		sn.mu.Unlock()
		return
	}
	delta := sn.pending.String()
	sn.pending.Reset()
	sn.dirty = false
	sn.seq++
	seq := sn.seq
	sn.mu.Unlock()
	sn.onUpdate(delta, seq)
}

// FullText returns the full accumulated text across every delta appended so
// far, independent of what has already been flushed.
func (sn *StreamNotifier) FullText() string {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.full.String()
}
