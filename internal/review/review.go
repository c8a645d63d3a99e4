// Package review implements post-trade ratings. Once a trade completes
// with funds released, each party may leave exactly one rating and
// comment against the offer the trade was struck on.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peerswap/tradecore/internal/idgen"
	"github.com/peerswap/tradecore/internal/metrics"
	"github.com/peerswap/tradecore/internal/trade"
	"github.com/peerswap/tradecore/internal/traces"
)

var (
	ErrAlreadyReviewed  = errors.New("review: already submitted for this trade")
	ErrTradeNotEligible = errors.New("review: trade not eligible for review")
	ErrNotParticipant   = errors.New("review: author is not a party to the trade")
)

// Review is one party's rating of a completed trade.
type Review struct {
	ID        string    `json:"id"`
	TradeID   string    `json:"tradeId"`
	OfferID   string    `json:"offerId"`
	AuthorID  string    `json:"authorId"`
	SubjectID string    `json:"subjectId"` // the counterparty being rated
	Rating    int       `json:"rating"`    // 1..5
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary aggregates the ratings a user has received.
type Summary struct {
	UserID  string  `json:"userId"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

// Store persists reviews. Exists and Create together enforce the
// write-once rule per (trade, author).
type Store interface {
	Create(ctx context.Context, r *Review) error
	Exists(ctx context.Context, tradeID, authorID string) (bool, error)
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]*Review, error)
	Summarize(ctx context.Context, subjectID string) (*Summary, error)
}

// TradeReader fetches the trade a review targets. Satisfied by
// *trade.Service.
type TradeReader interface {
	Get(ctx context.Context, tradeID string) (*trade.Trade, error)
}

// Service validates and records reviews.
type Service struct {
	store  Store
	trades TradeReader
}

// NewService creates a review service.
func NewService(store Store, trades TradeReader) *Service {
	return &Service{store: store, trades: trades}
}

// SubmitRequest carries one review submission.
type SubmitRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// Submit records a review from actor against the counterparty of the
// given trade. The trade must have completed with funds released.
func (s *Service) Submit(ctx context.Context, tradeID string, actor trade.Actor, req SubmitRequest) (*Review, error) {
	ctx, span := traces.StartSpan(ctx, "review.Submit", traces.TradeID(tradeID), traces.UserID(actor.ID))
	defer span.End()

	t, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	role := t.RoleOf(actor.ID)
	if role != trade.RoleBuyer && role != trade.RoleSeller {
		return nil, ErrNotParticipant
	}
	if t.Status != trade.StatusReleased {
		return nil, fmt.Errorf("%w: status %s", ErrTradeNotEligible, t.Status)
	}

	exists, err := s.store.Exists(ctx, tradeID, actor.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyReviewed
	}

	subject := t.SellerID
	if role == trade.RoleSeller {
		subject = t.BuyerID
	}

	r := &Review{
		ID:        idgen.WithPrefix("rev_"),
		TradeID:   tradeID,
		OfferID:   t.OfferID,
		AuthorID:  actor.ID,
		SubjectID: subject,
		Rating:    req.Rating,
		Comment:   req.Comment,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	metrics.ReviewsTotal.Inc()
	return r, nil
}

// ListFor returns the reviews received by a user, newest first.
func (s *Service) ListFor(ctx context.Context, userID string, limit int) ([]*Review, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListBySubject(ctx, userID, limit)
}

// SummaryFor returns the aggregate rating for a user.
func (s *Service) SummaryFor(ctx context.Context, userID string) (*Summary, error) {
	return s.store.Summarize(ctx, userID)
}
