package coordinator

import (
	"sync"

	"github.com/pagesink/pagesink/internal/pipeline"
)

type entryState uint8

const (
	statePending entryState = iota
	stateOK
	stateHold
)

type trackerEntry struct {
	token pipeline.OffsetToken
	state entryState
}

// partitionWindow holds the uncommitted tail of one partition in arrival
// order. The front entry is the commit frontier.
type partitionWindow struct {
	entries  []*trackerEntry
	byOffset map[int64]*trackerEntry
}

type partitionKey struct {
	topic     string
	partition int32
}

// offsetTracker serializes commit decisions: offsets commit only as the
// highest contiguous resolved-committable prefix of their partition's
// arrival order. A non-committable resolution at the front stalls that
// partition's frontier until restart redelivers it.
type offsetTracker struct {
	mu      sync.Mutex
	windows map[partitionKey]*partitionWindow
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{windows: make(map[partitionKey]*partitionWindow)}
}

// Register records token at the back of its partition window. Must be
// called in arrival order, before the message is handed to a worker.
func (t *offsetTracker) Register(token pipeline.OffsetToken) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.window(token)
	if _, ok := w.byOffset[token.Offset]; ok {
		return
	}
	entry := &trackerEntry{token: token}
	w.entries = append(w.entries, entry)
	w.byOffset[token.Offset] = entry
}

// Resolve marks a registered token as committable or held and pops the
// contiguous committable prefix. It returns the highest token released by
// this resolution, if any.
func (t *offsetTracker) Resolve(token pipeline.OffsetToken, committable bool) (pipeline.OffsetToken, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.window(token)
	entry, ok := w.byOffset[token.Offset]
	if !ok {
		return pipeline.OffsetToken{}, false
	}
	if committable {
		entry.state = stateOK
	} else {
		entry.state = stateHold
	}

	var last *trackerEntry
	for len(w.entries) > 0 && w.entries[0].state == stateOK {
		last = w.entries[0]
		delete(w.byOffset, last.token.Offset)
		w.entries = w.entries[1:]
	}
	if last == nil {
		return pipeline.OffsetToken{}, false
	}
	return last.token, true
}

// Pending returns the number of registered, uncommitted entries.
func (t *offsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, w := range t.windows {
		n += len(w.entries)
	}
	return n
}

// HeldPartitions returns the number of partitions whose frontier is
// stalled by a non-committable resolution.
func (t *offsetTracker) HeldPartitions() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, w := range t.windows {
		if len(w.entries) > 0 && w.entries[0].state == stateHold {
			n++
		}
	}
	return n
}

func (t *offsetTracker) window(token pipeline.OffsetToken) *partitionWindow {
	key := partitionKey{topic: token.Topic, partition: token.Partition}
	w, ok := t.windows[key]
	if !ok {
		w = &partitionWindow{byOffset: make(map[int64]*trackerEntry)}
		t.windows[key] = w
	}
	return w
}
