package trade

import "time"

// DisputeStatus is the arbitration sub-state while the owning trade is disputed.
type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "open"      // Filed, waiting for an admin
	DisputeResolving DisputeStatus = "resolving" // An admin is reviewing
	DisputeResolved  DisputeStatus = "resolved"  // Admin decided an outcome
	DisputeClosed    DisputeStatus = "closed"    // Withdrawn or closed without fund movement
)

// Dispute is one arbitration episode scoped to a trade. A trade has at most
// one dispute in open/resolving at a time; settled disputes are kept for audit.
type Dispute struct {
	ID         string        `json:"id"`
	TradeID    string        `json:"tradeId"`
	RaisedBy   string        `json:"raisedBy"`
	Reason     string        `json:"reason"`
	Status     DisputeStatus `json:"status"`
	Resolution string        `json:"resolution,omitempty"`
	ResolvedBy string        `json:"resolvedBy,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

// IsActive reports whether the dispute still blocks the trade.
func (d *Dispute) IsActive() bool {
	return d.Status == DisputeOpen || d.Status == DisputeResolving
}

// ResolutionOutcome is the admin verdict on a dispute.
type ResolutionOutcome string

const (
	OutcomeRelease ResolutionOutcome = "release" // Evidence favors the buyer
	OutcomeRefund  ResolutionOutcome = "refund"  // Evidence favors the seller
)
