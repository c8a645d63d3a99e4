package trade

import (
	"context"
	"sort"
	"sync"

	"github.com/peerswap/tradecore/internal/pagination"
)

// MemoryStore is an in-memory trade store for demo/development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	trades   map[string]*Trade
	messages map[string][]*ChatMessage // tradeID -> ordered by seq
	disputes map[string][]*Dispute     // tradeID -> newest last
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:   make(map[string]*Trade),
		messages: make(map[string][]*ChatMessage),
		disputes: make(map[string][]*Dispute),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateVersion(ctx context.Context, t *Trade, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	cp := *t
	cp.Version = expectedVersion + 1
	m.trades[t.ID] = &cp
	t.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.BuyerID != userID && t.SellerID != userID {
			continue
		}
		if before != nil {
			// Keyset position: strictly older than the cursor row.
			if t.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(before.CreatedAt) && t.ID >= before.ID {
				continue
			}
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListUnsettled(ctx context.Context, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Settlement == SettlementPending {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[msg.TradeID]; !ok {
		return ErrTradeNotFound
	}
	log := m.messages[msg.TradeID]
	msg.Seq = int64(len(log)) + 1
	cp := *msg
	m.messages[msg.TradeID] = append(log, &cp)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ChatMessage
	for _, msg := range m.messages[tradeID] {
		if msg.Seq <= afterSeq {
			continue
		}
		cp := *msg
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[d.TradeID]; !ok {
		return ErrTradeNotFound
	}
	cp := *d
	m.disputes[d.TradeID] = append(m.disputes[d.TradeID], &cp)
	return nil
}

func (m *MemoryStore) ActiveDispute(ctx context.Context, tradeID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes[tradeID] {
		if d.IsActive() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, cur := range m.disputes[d.TradeID] {
		if cur.ID == d.ID {
			cp := *d
			m.disputes[d.TradeID][i] = &cp
			return nil
		}
	}
	return ErrDisputeNotFound
}

func (m *MemoryStore) ListDisputes(ctx context.Context, tradeID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.disputes[tradeID]
	result := make([]*Dispute, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		cp := *src[i]
		result = append(result, &cp)
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
