// Package trade implements the escrow trade lifecycle: a trade is created
// against an offer, the buyer claims payment, either side may dispute, and
// an admin arbitrates. Every mutation goes through the Service transition
// table; nothing else writes a trade.
//
// Flow:
//  1. Buyer accepts an offer → trade created pending
//  2. Buyer pays off-platform and claims with a tx hash → paid
//  3. Seller releases (or either side disputes) → released / disputed
//  4. Admin resolves a dispute → released or refunded
//
// Fund movement is delegated to the escrow ledger, which is idempotent per
// (trade, action); the settlement sweeper replays ledger calls that were cut
// off between commit and confirmation.
package trade

import (
	"context"
	"errors"
	"time"

	"github.com/peerswap/tradecore/internal/pagination"
)

var (
	ErrTradeNotFound     = errors.New("trade not found")
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrInvalidTransition = errors.New("invalid transition for current trade status")
	ErrConflict          = errors.New("trade version conflict")
	ErrUnauthorized      = errors.New("not authorized for this trade operation")
	ErrDisputeOpen       = errors.New("trade already has an open dispute")
)

// Status is the trade lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"   // Created, waiting for buyer payment
	StatusPaid      Status = "paid"      // Buyer claimed payment with a tx hash
	StatusDisputed  Status = "disputed"  // A party contested the trade
	StatusReleased  Status = "released"  // Funds released to buyer (terminal)
	StatusRefunded  Status = "refunded"  // Funds returned to seller (terminal)
	StatusCancelled Status = "cancelled" // Abandoned before completion (terminal)
)

// Settlement tracks whether the ledger confirmed the fund movement for a
// terminal released/refunded trade.
type Settlement string

const (
	SettlementNone     Settlement = ""         // No fund movement applies
	SettlementPending  Settlement = "pending"  // Committed, ledger not yet confirmed
	SettlementSettled  Settlement = "settled"  // Ledger confirmed
	SettlementRejected Settlement = "rejected" // Ledger refused, needs an operator
)

// Trade is one escrowed exchange between a buyer and a seller against an offer.
type Trade struct {
	ID         string     `json:"id"`
	OfferID    string     `json:"offerId"`
	BuyerID    string     `json:"buyerId"`
	SellerID   string     `json:"sellerId"`
	Amount     string     `json:"amount"`
	Currency   string     `json:"currency"`
	Status     Status     `json:"status"`
	TxHash     string     `json:"txHash,omitempty"`
	Settlement Settlement `json:"settlement,omitempty"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true once the trade reached a final state.
func (t *Trade) IsTerminal() bool {
	switch t.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// RoleOf maps a user id to its role on this trade. Admins are handled by the
// caller; this only knows the two parties.
func (t *Trade) RoleOf(userID string) Role {
	switch userID {
	case t.BuyerID:
		return RoleBuyer
	case t.SellerID:
		return RoleSeller
	}
	return RoleNone
}

// Role identifies who is acting on a trade.
type Role string

const (
	RoleNone    Role = ""
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleSupport Role = "support"
)

// Actor is the authenticated identity behind a command, resolved by the auth
// middleware. Admin implies the support role on every trade.
type Actor struct {
	ID    string
	Admin bool
}

// ChatMessage is one entry in a trade's append-only communication log.
// Seq is server-assigned, strictly increasing and gap-free per trade, and is
// the sole ordering key.
type ChatMessage struct {
	Seq           int64     `json:"seq"`
	TradeID       string    `json:"tradeId"`
	SenderID      string    `json:"senderId"`
	SenderRole    Role      `json:"senderRole"`
	Text          string    `json:"text"`
	AttachmentURL string    `json:"attachmentUrl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists trades, chat messages, and disputes.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	// UpdateVersion writes t only if the stored version still equals
	// expectedVersion, bumping t.Version by one. Returns ErrConflict when
	// another writer got there first.
	UpdateVersion(ctx context.Context, t *Trade, expectedVersion int64) error
	// ListByParty returns the user's trades newest first, starting strictly
	// after the cursor position when one is given.
	ListByParty(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Trade, error)
	// ListUnsettled returns terminal released/refunded trades whose ledger
	// confirmation is still missing.
	ListUnsettled(ctx context.Context, limit int) ([]*Trade, error)

	// AppendMessage assigns the next per-trade seq and persists the message
	// in the same transaction.
	AppendMessage(ctx context.Context, m *ChatMessage) error
	ListMessages(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]*ChatMessage, error)

	CreateDispute(ctx context.Context, d *Dispute) error
	// ActiveDispute returns the dispute with status open or resolving, or
	// ErrDisputeNotFound if the trade has none.
	ActiveDispute(ctx context.Context, tradeID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
	ListDisputes(ctx context.Context, tradeID string) ([]*Dispute, error)
}

// Ledger moves escrowed funds. Implementations must be idempotent per
// (tradeID, action) so settlement replays are safe.
type Ledger interface {
	ReleaseEscrow(ctx context.Context, tradeID, buyerID, sellerID, amount, currency string) error
	RefundEscrow(ctx context.Context, tradeID, buyerID, sellerID, amount, currency string) error
}

// Publisher fans committed changes out to subscribed clients. Implementations
// must preserve per-trade FIFO order relative to the commit order.
type Publisher interface {
	PublishUpdate(tradeID string, patch map[string]any)
	PublishReply(tradeID string, msg *ChatMessage)
}

// Notifier delivers out-of-band notifications (email, push) for committed
// transitions. Fire-and-forget.
type Notifier interface {
	TradeChanged(tradeID string, status Status, parties []string)
}
