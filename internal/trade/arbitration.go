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
	"github.com/peerswap/tradecore/internal/traces"
)

// Dispute commands. The dispute sub-machine lives entirely inside the window
// where the owning trade is disputed: opening a dispute moves the trade to
// disputed, and every dispute-terminal transition moves the trade back out.

// OpenDispute files a dispute against a paid trade. Either party may raise it;
// a trade can hold only one active dispute.
func (s *Service) OpenDispute(ctx context.Context, tradeID string, actor Actor, reason string, observedVersion int64) (*Trade, *Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "trade.dispute", traces.TradeID(tradeID))
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		return nil, nil, fmt.Errorf("%w: dispute requires a reason", ErrInvalidTransition)
	}

	// The dispute row is written at most once; the apply retry after a lost
	// store race re-runs the closure against fresh state with d already set.
	var d *Dispute
	t, err := s.apply(ctx, tradeID, observedVersion, func(t *Trade) error {
		if t.RoleOf(actor.ID) == RoleNone {
			return ErrUnauthorized
		}
		if t.Status != StatusPaid {
			return fmt.Errorf("%w: cannot dispute a %s trade", ErrInvalidTransition, t.Status)
		}
		if d == nil {
			if _, derr := s.store.ActiveDispute(ctx, t.ID); derr == nil {
				return ErrDisputeOpen
			} else if !errors.Is(derr, ErrDisputeNotFound) {
				return derr
			}

			now := time.Now().UTC()
			nd := &Dispute{
				ID:        idgen.WithPrefix("dsp_"),
				TradeID:   t.ID,
				RaisedBy:  actor.ID,
				Reason:    reason,
				Status:    DisputeOpen,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if cerr := s.store.CreateDispute(ctx, nd); cerr != nil {
				return fmt.Errorf("create dispute: %w", cerr)
			}
			d = nd
		}
		t.Status = StatusDisputed
		return nil
	})
	if err != nil {
		if d != nil {
			// The dispute row committed but the trade never left paid.
			// Withdraw it so no active dispute outlives the command.
			if cerr := s.closeDispute(ctx, d, DisputeClosed, "", ""); cerr != nil {
				logging.Trade(ctx, tradeID).Error("could not withdraw dispute after failed trade write",
					"dispute_id", d.ID, "error", cerr)
			}
		}
		return nil, nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues("dispute").Inc()
	metrics.DisputesOpenedTotal.Inc()
	s.publishUpdate(t)
	return t, d, nil
}

// CancelDispute lets the original raiser withdraw an open dispute, closing it
// and returning the trade to paid. No funds move.
func (s *Service) CancelDispute(ctx context.Context, tradeID string, actor Actor, observedVersion int64) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.cancel_dispute", traces.TradeID(tradeID))
	defer span.End()

	var closed, prior *Dispute
	t, err := s.apply(ctx, tradeID, observedVersion, func(t *Trade) error {
		if t.Status != StatusDisputed {
			return fmt.Errorf("%w: no dispute to cancel on a %s trade", ErrInvalidTransition, t.Status)
		}
		if closed == nil {
			d, derr := s.store.ActiveDispute(ctx, t.ID)
			if derr != nil {
				return derr
			}
			if d.RaisedBy != actor.ID {
				return fmt.Errorf("%w: only the raiser may cancel a dispute", ErrUnauthorized)
			}
			if d.Status != DisputeOpen {
				return fmt.Errorf("%w: dispute is %s, only open disputes can be withdrawn", ErrInvalidTransition, d.Status)
			}
			snapshot := *d
			prior = &snapshot
			if cerr := s.closeDispute(ctx, d, DisputeClosed, "", ""); cerr != nil {
				return cerr
			}
			closed = d
		}
		t.Status = StatusPaid
		return nil
	})
	if err != nil {
		s.reopenDispute(ctx, tradeID, closed, prior)
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues("cancel_dispute").Inc()
	s.publishUpdate(t)
	return t, nil
}

// AdminStartReview marks an open dispute as resolving. Housekeeping only;
// admin UIs use it to show "being handled" without claiming an outcome.
func (s *Service) AdminStartReview(ctx context.Context, tradeID string, actor Actor) (*Dispute, error) {
	if !actor.Admin {
		return nil, ErrUnauthorized
	}

	unlock := s.locks.Lock(tradeID)
	defer unlock()

	d, err := s.store.ActiveDispute(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, fmt.Errorf("%w: dispute is already %s", ErrInvalidTransition, d.Status)
	}
	d.Status = DisputeResolving
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// AdminResolve settles a dispute with a verdict: release to the buyer or
// refund to the seller. The resolution text is mandatory.
func (s *Service) AdminResolve(ctx context.Context, tradeID string, actor Actor, outcome ResolutionOutcome, resolution string, observedVersion int64) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.admin_resolve", traces.TradeID(tradeID))
	defer span.End()

	if !actor.Admin {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(resolution) == "" {
		return nil, fmt.Errorf("%w: resolve requires a resolution note", ErrInvalidTransition)
	}

	var to Status
	switch outcome {
	case OutcomeRelease:
		to = StatusReleased
	case OutcomeRefund:
		to = StatusRefunded
	default:
		return nil, fmt.Errorf("%w: unknown resolution outcome %q", ErrInvalidTransition, outcome)
	}

	var closed, prior *Dispute
	t, err := s.finalize(ctx, tradeID, observedVersion, to, "admin_resolve", func(t *Trade) error {
		if t.Status != StatusDisputed {
			return fmt.Errorf("%w: cannot resolve a %s trade", ErrInvalidTransition, t.Status)
		}
		if closed != nil {
			return nil
		}
		d, derr := s.store.ActiveDispute(ctx, t.ID)
		if derr != nil {
			return derr
		}
		snapshot := *d
		prior = &snapshot
		if cerr := s.closeDispute(ctx, d, DisputeResolved, resolution, actor.ID); cerr != nil {
			return cerr
		}
		closed = d
		return nil
	})
	if err != nil {
		s.reopenDispute(ctx, tradeID, closed, prior)
		return nil, err
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(outcome)).Inc()
	return t, nil
}

// AdminClose closes a dispute without moving funds, returning the trade to paid.
func (s *Service) AdminClose(ctx context.Context, tradeID string, actor Actor, observedVersion int64) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.admin_close", traces.TradeID(tradeID))
	defer span.End()

	if !actor.Admin {
		return nil, ErrUnauthorized
	}

	var closed, prior *Dispute
	t, err := s.apply(ctx, tradeID, observedVersion, func(t *Trade) error {
		if t.Status != StatusDisputed {
			return fmt.Errorf("%w: cannot close a dispute on a %s trade", ErrInvalidTransition, t.Status)
		}
		if closed == nil {
			d, derr := s.store.ActiveDispute(ctx, t.ID)
			if derr != nil {
				return derr
			}
			snapshot := *d
			prior = &snapshot
			if cerr := s.closeDispute(ctx, d, DisputeClosed, "", actor.ID); cerr != nil {
				return cerr
			}
			closed = d
		}
		t.Status = StatusPaid
		return nil
	})
	if err != nil {
		s.reopenDispute(ctx, tradeID, closed, prior)
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues("admin_close").Inc()
	s.publishUpdate(t)
	return t, nil
}

// AdminCancel abandons a disputed trade entirely. No funds move; operators
// use it for trades that were fraudulent from the start.
func (s *Service) AdminCancel(ctx context.Context, tradeID string, actor Actor, observedVersion int64) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.admin_cancel", traces.TradeID(tradeID))
	defer span.End()

	if !actor.Admin {
		return nil, ErrUnauthorized
	}

	var closed, prior *Dispute
	t, err := s.apply(ctx, tradeID, observedVersion, func(t *Trade) error {
		if t.Status != StatusDisputed {
			return fmt.Errorf("%w: cannot admin-cancel a %s trade", ErrInvalidTransition, t.Status)
		}
		if closed == nil {
			d, derr := s.store.ActiveDispute(ctx, t.ID)
			if derr == nil {
				snapshot := *d
				prior = &snapshot
				if cerr := s.closeDispute(ctx, d, DisputeClosed, "", actor.ID); cerr != nil {
					return cerr
				}
				closed = d
			} else if !errors.Is(derr, ErrDisputeNotFound) {
				return derr
			}
		}
		t.Status = StatusCancelled
		return nil
	})
	if err != nil {
		s.reopenDispute(ctx, tradeID, closed, prior)
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues("admin_cancel").Inc()
	s.publishUpdate(t)
	return t, nil
}

// AdminComplete releases a paid trade on the seller's behalf.
func (s *Service) AdminComplete(ctx context.Context, tradeID string, actor Actor, observedVersion int64) (*Trade, error) {
	if !actor.Admin {
		return nil, ErrUnauthorized
	}
	return s.Release(ctx, tradeID, actor, observedVersion)
}

// reopenDispute restores a dispute that was closed ahead of a trade write
// that then failed, so the trade (still disputed) keeps its active dispute.
func (s *Service) reopenDispute(ctx context.Context, tradeID string, closed, prior *Dispute) {
	if closed == nil || prior == nil {
		return
	}
	restore := *prior
	restore.UpdatedAt = time.Now().UTC()
	if uerr := s.store.UpdateDispute(ctx, &restore); uerr != nil {
		logging.Trade(ctx, tradeID).Error("could not restore dispute after failed trade write",
			"dispute_id", closed.ID, "error", uerr)
	}
}

// closeDispute moves a dispute to a terminal state and persists it.
func (s *Service) closeDispute(ctx context.Context, d *Dispute, to DisputeStatus, resolution, resolvedBy string) error {
	now := time.Now().UTC()
	d.Status = to
	d.Resolution = resolution
	d.ResolvedBy = resolvedBy
	d.UpdatedAt = now
	d.ResolvedAt = &now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	return nil
}
