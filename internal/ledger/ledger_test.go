package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/peerswap/tradecore/internal/retry"
)

func TestReleaseEscrowSendsPayout(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if err := c.ReleaseEscrow(context.Background(), "trd_1", "buyer", "seller", "100.00", "USD"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if gotPath != "/v1/escrow/release" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "trd_1:release" {
		t.Errorf("idempotency key = %q", gotKey)
	}
}

func TestConflictTreatedAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if err := c.RefundEscrow(context.Background(), "trd_1", "buyer", "seller", "100.00", "USD"); err != nil {
		t.Fatalf("duplicate payout should be a no-op, got %v", err)
	}
}

func TestClientErrorIsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.ReleaseEscrow(context.Background(), "trd_1", "buyer", "seller", "100.00", "USD")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	var pe *retry.PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("rejection should not be retryable, got %v", err)
	}
}

func TestServerErrorsTripCircuit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	for i := 0; i < 5; i++ {
		err := c.ReleaseEscrow(context.Background(), "trd_1", "b", "s", "1", "USD")
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	}

	before := calls.Load()
	err := c.ReleaseEscrow(context.Background(), "trd_1", "b", "s", "1", "USD")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from open circuit, got %v", err)
	}
	if calls.Load() != before {
		t.Fatal("open circuit should not reach the server")
	}
	if c.Healthy() {
		t.Fatal("client should report unhealthy with circuit open")
	}
}

func TestMemoryIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.ReleaseEscrow(ctx, "trd_1", "buyer", "seller", "50.00", "EUR"); err != nil {
			t.Fatalf("release: %v", err)
		}
	}

	payouts := m.Payouts()
	if len(payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(payouts))
	}
	if payouts[0].Recipient != "buyer" {
		t.Errorf("release should pay the buyer, got %q", payouts[0].Recipient)
	}
}
