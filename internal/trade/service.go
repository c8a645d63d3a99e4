package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/peerswap/tradecore/internal/idgen"
	"github.com/peerswap/tradecore/internal/logging"
	"github.com/peerswap/tradecore/internal/metrics"
	"github.com/peerswap/tradecore/internal/pagination"
	"github.com/peerswap/tradecore/internal/retry"
	"github.com/peerswap/tradecore/internal/syncutil"
	"github.com/peerswap/tradecore/internal/traces"
)

// Settlement retry policy for ledger calls. After settleAttempts failures the
// trade stays settlement-pending and the sweeper picks it up.
const (
	settleAttempts  = 3
	settleBaseDelay = 200 * time.Millisecond
)

// Service is the authoritative trade state machine. All mutating commands for
// one trade id are serialized through a per-id lock; the version guard at the
// store catches writers in other processes.
type Service struct {
	store    Store
	ledger   Ledger
	pub      Publisher
	notifier Notifier
	locks    syncutil.ShardedMutex
}

// NewService creates the trade state machine.
func NewService(store Store, ledger Ledger) *Service {
	return &Service{store: store, ledger: ledger}
}

// WithPublisher sets the realtime fan-out target.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.pub = p
	return s
}

// WithNotifier sets the outbound notification target.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CreateRequest contains the parameters for opening a trade against an offer.
type CreateRequest struct {
	OfferID  string `json:"offerId" binding:"required"`
	BuyerID  string `json:"buyerId" binding:"required"`
	SellerID string `json:"sellerId" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// Create opens a new pending trade. Escrow lock-up of the seller's funds is
// the offer system's responsibility and happens before this is called.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Trade, error) {
	if strings.EqualFold(req.BuyerID, req.SellerID) {
		return nil, fmt.Errorf("buyer and seller cannot be the same user")
	}

	now := time.Now().UTC()
	t := &Trade{
		ID:        idgen.WithPrefix("trd_"),
		OfferID:   req.OfferID,
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create trade: %w", err)
	}

	metrics.TradesCreatedTotal.Inc()
	return t, nil
}

// Get returns a trade by id.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns one page of the user's trades, newest first, plus the
// cursor for the next page ("" on the last page).
func (s *Service) ListByParty(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Trade, string, error) {
	if limit <= 0 {
		limit = 50
	}
	// Fetch one extra row to learn whether another page exists.
	trades, err := s.store.ListByParty(ctx, userID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	trades, next, _ := pagination.ComputePage(trades, limit, func(t *Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return trades, next, nil
}

// Messages returns the chat log after the given seq.
func (s *Service) Messages(ctx context.Context, tradeID string, afterSeq int64, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	if _, err := s.store.Get(ctx, tradeID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, tradeID, afterSeq, limit)
}

// Disputes returns all arbitration episodes of a trade, newest first.
func (s *Service) Disputes(ctx context.Context, tradeID string) ([]*Dispute, error) {
	if _, err := s.store.Get(ctx, tradeID); err != nil {
		return nil, err
	}
	return s.store.ListDisputes(ctx, tradeID)
}

// -----------------------------------------------------------------------------
// Transition plumbing
// -----------------------------------------------------------------------------

// apply runs one guarded read-modify-write for a trade.
//
// observedVersion, when non-zero, is the version the caller saw; a mismatch is
// surfaced as ErrConflict without retry because the caller's view is stale.
// Conflicts from the store itself (a writer in another process slipping
// between our read and write) are retried once against fresh state, then
// surfaced.
//
// mutate validates guards against the current trade and either mutates it and
// returns nil, or returns a domain error. Guard failures are never retried.
//
// mutate can run twice (once per attempt). Closures that write other rows,
// like the dispute commands, must do that write at most once and undo it if
// the trade write ultimately fails.
func (s *Service) apply(ctx context.Context, tradeID string, observedVersion int64, mutate func(t *Trade) error) (*Trade, error) {
	unlock := s.locks.Lock(tradeID)
	defer unlock()

	checkedObserved := false
	for attempt := 0; ; attempt++ {
		t, err := s.store.Get(ctx, tradeID)
		if err != nil {
			return nil, err
		}

		if observedVersion > 0 && !checkedObserved {
			if t.Version != observedVersion {
				return nil, fmt.Errorf("%w: observed %d, current %d", ErrConflict, observedVersion, t.Version)
			}
			checkedObserved = true
		}

		if err := mutate(t); err != nil {
			return nil, err
		}

		expected := t.Version
		t.UpdatedAt = time.Now().UTC()
		err = s.store.UpdateVersion(ctx, t, expected)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= 1 {
			return nil, err
		}
		// Lost the race to an out-of-process writer; re-read and re-guard once.
	}
}

// publishUpdate emits the committed patch to subscribers and the notifier.
func (s *Service) publishUpdate(t *Trade) {
	patch := map[string]any{
		"id":        t.ID,
		"status":    t.Status,
		"version":   t.Version,
		"updatedAt": t.UpdatedAt,
	}
	if t.TxHash != "" {
		patch["txHash"] = t.TxHash
	}
	if t.Settlement != SettlementNone {
		patch["settlement"] = t.Settlement
	}
	if s.pub != nil {
		s.pub.PublishUpdate(t.ID, patch)
	}
	if s.notifier != nil {
		s.notifier.TradeChanged(t.ID, t.Status, []string{t.BuyerID, t.SellerID})
	}
}

// -----------------------------------------------------------------------------
// Party commands
// -----------------------------------------------------------------------------

// Cancel abandons a pending trade. Either party may cancel before a payment
// claim; afterwards only an admin can, via AdminCancel.
func (s *Service) Cancel(ctx context.Context, tradeID string, actor Actor, observedVersion int64) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.cancel", traces.TradeID(tradeID))
	defer span.End()

	t, err := s.apply(ctx, tradeID, observedVersion, func(t *Trade) error {
		if t.RoleOf(actor.ID) == RoleNone {
			return ErrUnauthorized
		}
		if t.Status != StatusPending {
			return fmt.Errorf("%w: cannot cancel a %s trade", ErrInvalidTransition, t.Status)
		}
		t.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues("cancel").Inc()
	s.publishUpdate(t)
	return t, nil
}

// MarkPaid records the buyer's payment claim and moves the trade to paid.
func (s *Service) MarkPaid(ctx context.Context, tradeID string, actor Actor, txHash string, observedVersion int64) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.mark_paid", traces.TradeID(tradeID))
	defer span.End()

	if strings.TrimSpace(txHash) == "" {
		return nil, fmt.Errorf("%w: markPaid requires a transaction hash", ErrInvalidTransition)
	}

	t, err := s.apply(ctx, tradeID, observedVersion, func(t *Trade) error {
		if t.RoleOf(actor.ID) != RoleBuyer {
			return ErrUnauthorized
		}
		if t.Status != StatusPending {
			return fmt.Errorf("%w: cannot mark a %s trade paid", ErrInvalidTransition, t.Status)
		}
		t.Status = StatusPaid
		t.TxHash = txHash
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues("mark_paid").Inc()
	s.publishUpdate(t)
	return t, nil
}

// Release moves escrowed funds to the buyer. Seller or admin only.
func (s *Service) Release(ctx context.Context, tradeID string, actor Actor, observedVersion int64) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.release", traces.TradeID(tradeID))
	defer span.End()

	return s.finalize(ctx, tradeID, observedVersion, StatusReleased, "release", func(t *Trade) error {
		if !actor.Admin && t.RoleOf(actor.ID) != RoleSeller {
			return ErrUnauthorized
		}
		if t.Status != StatusPaid {
			return fmt.Errorf("%w: cannot release a %s trade", ErrInvalidTransition, t.Status)
		}
		return nil
	})
}

// Refund returns escrowed funds to the seller. The buyer may voluntarily
// return a paid trade; admins may refund at any paid stage.
func (s *Service) Refund(ctx context.Context, tradeID string, actor Actor, observedVersion int64) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.refund", traces.TradeID(tradeID))
	defer span.End()

	return s.finalize(ctx, tradeID, observedVersion, StatusRefunded, "refund", func(t *Trade) error {
		if !actor.Admin && t.RoleOf(actor.ID) != RoleBuyer {
			return ErrUnauthorized
		}
		if t.Status != StatusPaid {
			return fmt.Errorf("%w: cannot refund a %s trade", ErrInvalidTransition, t.Status)
		}
		return nil
	})
}

// finalize commits a fund-moving terminal transition and then settles it
// through the ledger. The status is durable before the first ledger call, so
// a crash in between is recovered by the settlement sweeper.
func (s *Service) finalize(ctx context.Context, tradeID string, observedVersion int64, to Status, action string, guard func(t *Trade) error) (*Trade, error) {
	t, err := s.apply(ctx, tradeID, observedVersion, func(t *Trade) error {
		if err := guard(t); err != nil {
			return err
		}
		t.Status = to
		t.Settlement = SettlementPending
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(action).Inc()
	t = s.settle(ctx, t)
	s.publishUpdate(t)
	return t, nil
}

// settle drives the idempotent ledger call for a terminal trade and persists
// the confirmation. On exhausted retries the trade keeps settlement=pending,
// which is the operator-visible signal; the sweeper retries later. A payout
// the ledger refuses outright is marked settlement=rejected instead, so the
// sweeper stops replaying it and an operator reconciles by hand.
func (s *Service) settle(ctx context.Context, t *Trade) *Trade {
	ctx, span := traces.StartSpan(ctx, "trade.settle", traces.TradeID(t.ID))
	defer span.End()

	var call func(context.Context) error
	switch t.Status {
	case StatusReleased:
		call = func(ctx context.Context) error {
			return s.ledger.ReleaseEscrow(ctx, t.ID, t.BuyerID, t.SellerID, t.Amount, t.Currency)
		}
	case StatusRefunded:
		call = func(ctx context.Context) error {
			return s.ledger.RefundEscrow(ctx, t.ID, t.BuyerID, t.SellerID, t.Amount, t.Currency)
		}
	default:
		return t
	}

	var rejection error
	err := retry.Do(ctx, settleAttempts, settleBaseDelay, func() error {
		err := call(ctx)
		var pe *retry.PermanentError
		if errors.As(err, &pe) {
			rejection = pe.Err
		}
		return err
	})
	if rejection != nil {
		metrics.SettlementRejectionsTotal.Inc()
		logging.Trade(ctx, t.ID).Error("ledger rejected settlement, manual reconciliation required",
			"status", t.Status, "error", rejection)
		t.Settlement = SettlementRejected
		t.UpdatedAt = time.Now().UTC()
		if uerr := s.store.UpdateVersion(ctx, t, t.Version); uerr != nil {
			logging.Trade(ctx, t.ID).Warn("could not persist settlement rejection",
				"error", uerr)
			t.Settlement = SettlementPending
		}
		return t
	}
	if err != nil {
		metrics.SettlementFailuresTotal.Inc()
		logging.Trade(ctx, t.ID).Error("ledger settlement failed, trade left settlement-pending",
			"status", t.Status, "error", err)
		return t
	}

	t.Settlement = SettlementSettled
	t.UpdatedAt = time.Now().UTC()
	if uerr := s.store.UpdateVersion(ctx, t, t.Version); uerr != nil {
		// Funds moved but the confirmation write lost a race or failed. The
		// sweeper will replay the (idempotent) ledger call and re-persist.
		logging.Trade(ctx, t.ID).Warn("could not persist settlement confirmation",
			"error", uerr)
		t.Settlement = SettlementPending
		return t
	}

	metrics.SettlementsTotal.Inc()
	return t
}

// ResettleUnsettled replays ledger calls for terminal trades whose settlement
// confirmation is missing. Called by the sweeper and safe to run repeatedly.
func (s *Service) ResettleUnsettled(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	stale, err := s.store.ListUnsettled(ctx, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, t := range stale {
		unlock := s.locks.Lock(t.ID)
		fresh, err := s.store.Get(ctx, t.ID)
		if err != nil {
			unlock()
			continue
		}
		if fresh.Settlement == SettlementPending {
			fresh = s.settle(ctx, fresh)
			if fresh.Settlement == SettlementSettled {
				settled++
				s.publishUpdate(fresh)
			}
		}
		unlock()
	}
	return settled, nil
}

// ListUnsettled exposes settlement-pending trades for operator tooling.
func (s *Service) ListUnsettled(ctx context.Context, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListUnsettled(ctx, limit)
}
