// Package ledger is the client for the external money ledger that
// actually holds escrowed funds. The trade engine never moves money
// itself; it instructs the ledger to pay out escrow when a trade
// reaches a terminal state.
//
// Payout calls are idempotent on the ledger side, keyed by trade ID and
// direction, so a replay after a crash or timeout cannot double-pay.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/peerswap/tradecore/internal/circuitbreaker"
	"github.com/peerswap/tradecore/internal/retry"
)

var (
	// ErrUnavailable signals the ledger is unreachable or its circuit
	// is open. The caller should leave settlement pending and retry.
	ErrUnavailable = errors.New("ledger: unavailable")
	// ErrRejected signals the ledger refused the payout permanently.
	ErrRejected = errors.New("ledger: payout rejected")
)

const breakerKey = "ledger"

// Client talks to the ledger service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates a ledger client for the given base URL. The bearer
// token authenticates the engine to the ledger.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

type payoutRequest struct {
	TradeID        string `json:"tradeId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Recipient      string `json:"recipient"`
	Counterparty   string `json:"counterparty"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
}

// ReleaseEscrow pays the escrowed amount out to the buyer.
func (c *Client) ReleaseEscrow(ctx context.Context, tradeID, buyerID, sellerID, amount, currency string) error {
	return c.payout(ctx, "release", payoutRequest{
		TradeID:        tradeID,
		IdempotencyKey: tradeID + ":release",
		Recipient:      buyerID,
		Counterparty:   sellerID,
		Amount:         amount,
		Currency:       currency,
	})
}

// RefundEscrow returns the escrowed amount to the seller.
func (c *Client) RefundEscrow(ctx context.Context, tradeID, buyerID, sellerID, amount, currency string) error {
	return c.payout(ctx, "refund", payoutRequest{
		TradeID:        tradeID,
		IdempotencyKey: tradeID + ":refund",
		Recipient:      sellerID,
		Counterparty:   buyerID,
		Amount:         amount,
		Currency:       currency,
	})
}

func (c *Client) payout(ctx context.Context, action string, reqBody payoutRequest) error {
	if !c.breaker.Allow(breakerKey) {
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal payout: %w", err)
	}

	url := fmt.Sprintf("%s/v1/escrow/%s", c.baseURL, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reqBody.IdempotencyKey)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.breaker.RecordSuccess(breakerKey)
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already processed under this idempotency key.
		c.breaker.RecordSuccess(breakerKey)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// A client error will not succeed on retry; mark it permanent so
		// callers stop replaying and surface it instead.
		c.breaker.RecordSuccess(breakerKey)
		return retry.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
	default:
		c.breaker.RecordFailure(breakerKey)
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

// Healthy reports whether the circuit to the ledger is closed.
func (c *Client) Healthy() bool {
	return c.breaker.State(breakerKey) == circuitbreaker.StateClosed
}
