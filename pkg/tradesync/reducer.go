package tradesync

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Reducer folds snapshots and push frames into a consistent local view.
// Updates are shallow merges of whole top-level fields; replies are
// keyed by seq and idempotent. Safe for concurrent use.
type Reducer struct {
	mu       sync.RWMutex
	trade    TradeView
	messages []Message // sorted by Seq, no duplicates
	seen     map[int64]bool
}

// NewReducer creates an empty reducer.
func NewReducer() *Reducer {
	return &Reducer{seen: make(map[int64]bool)}
}

// SetSnapshot replaces the whole view, typically after a REST re-fetch.
func (r *Reducer) SetSnapshot(trade TradeView, messages []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trade = trade
	r.seen = make(map[int64]bool, len(messages))
	r.messages = r.messages[:0]
	for _, m := range messages {
		if r.seen[m.Seq] {
			continue
		}
		r.seen[m.Seq] = true
		r.messages = append(r.messages, m)
	}
	sort.Slice(r.messages, func(i, j int) bool { return r.messages[i].Seq < r.messages[j].Seq })
}

// ApplyUpdate merges a partial trade patch. Fields absent from the
// patch keep their current value; a patch older than the local version
// is ignored, which makes redelivery harmless.
func (r *Reducer) ApplyUpdate(patch json.RawMessage) error {
	var probe struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(patch, &probe); err != nil {
		return fmt.Errorf("tradesync: bad update patch: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if probe.Version != 0 && probe.Version < r.trade.Version {
		return nil
	}
	// Unmarshal into the existing struct: only fields present in the
	// patch are overwritten, which is exactly the shallow-merge rule.
	if err := json.Unmarshal(patch, &r.trade); err != nil {
		return fmt.Errorf("tradesync: bad update patch: %w", err)
	}
	return nil
}

// ApplyReply inserts a pushed message at its seq position. A seq seen
// before is dropped.
func (r *Reducer) ApplyReply(data ReplyData) {
	m := data.Message

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen[m.Seq] {
		return
	}
	r.seen[m.Seq] = true

	i := sort.Search(len(r.messages), func(i int) bool { return r.messages[i].Seq >= m.Seq })
	r.messages = append(r.messages, Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = m
}

// Trade returns a copy of the current trade view.
func (r *Reducer) Trade() TradeView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trade
}

// Messages returns a copy of the message log in seq order.
func (r *Reducer) Messages() []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}
