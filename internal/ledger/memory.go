package ledger

import (
	"context"
	"sync"
)

// Memory is an in-process ledger for development and tests. It records
// payouts and enforces the same idempotency contract as the real
// service: a repeated payout for the same trade and direction is a
// no-op.
type Memory struct {
	mu      sync.Mutex
	payouts map[string]Payout
}

// Payout is one recorded escrow payout.
type Payout struct {
	TradeID   string
	Action    string // "release" or "refund"
	Recipient string
	Amount    string
	Currency  string
}

// NewMemory creates an empty in-process ledger.
func NewMemory() *Memory {
	return &Memory{payouts: make(map[string]Payout)}
}

// ReleaseEscrow records a payout to the buyer.
func (m *Memory) ReleaseEscrow(_ context.Context, tradeID, buyerID, _, amount, currency string) error {
	m.record(tradeID, "release", buyerID, amount, currency)
	return nil
}

// RefundEscrow records a payout back to the seller.
func (m *Memory) RefundEscrow(_ context.Context, tradeID, _, sellerID, amount, currency string) error {
	m.record(tradeID, "refund", sellerID, amount, currency)
	return nil
}

func (m *Memory) record(tradeID, action, recipient, amount, currency string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tradeID + ":" + action
	if _, ok := m.payouts[key]; ok {
		return
	}
	m.payouts[key] = Payout{
		TradeID:   tradeID,
		Action:    action,
		Recipient: recipient,
		Amount:    amount,
		Currency:  currency,
	}
}

// Payouts returns all recorded payouts.
func (m *Memory) Payouts() []Payout {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Payout, 0, len(m.payouts))
	for _, p := range m.payouts {
		out = append(out, p)
	}
	return out
}
