package review

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	reviews map[string]*Review // by id
	byTrade map[string]bool    // tradeID+":"+authorID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reviews: make(map[string]*Review),
		byTrade: make(map[string]bool),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.TradeID + ":" + r.AuthorID
	if m.byTrade[key] {
		return ErrAlreadyReviewed
	}
	cp := *r
	m.reviews[r.ID] = &cp
	m.byTrade[key] = true
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, tradeID, authorID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTrade[tradeID+":"+authorID], nil
}

func (m *MemoryStore) ListBySubject(_ context.Context, subjectID string, limit int) ([]*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Review
	for _, r := range m.reviews {
		if r.SubjectID == subjectID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Summarize(_ context.Context, subjectID string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := &Summary{UserID: subjectID}
	total := 0
	for _, r := range m.reviews {
		if r.SubjectID == subjectID {
			sum.Count++
			total += r.Rating
		}
	}
	if sum.Count > 0 {
		sum.Average = float64(total) / float64(sum.Count)
	}
	return sum, nil
}
