package trade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peerswap/tradecore/internal/testutil"
)

func pgTrade(t *testing.T, store *PostgresStore, id string) *Trade {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	tr := &Trade{
		ID:        id,
		OfferID:   "off_pg",
		BuyerID:   "usr_buyer",
		SellerID:  "usr_seller",
		Amount:    "250.50000000",
		Currency:  "USDT",
		Status:    StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Create(context.Background(), tr); err != nil {
		t.Fatalf("create: %v", err)
	}
	return tr
}

func TestPostgresTradeRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := pgTrade(t, store, "trd_pg_roundtrip")
	got, err := store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.Version != 1 {
		t.Errorf("got status=%s version=%d", got.Status, got.Version)
	}
	if got.Amount != tr.Amount {
		t.Errorf("amount = %q, want %q", got.Amount, tr.Amount)
	}
	if got.TxHash != "" || got.Settlement != SettlementNone {
		t.Errorf("empty columns came back as %q / %q", got.TxHash, got.Settlement)
	}

	if _, err := store.Get(ctx, "trd_pg_missing"); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("missing trade: err = %v, want ErrTradeNotFound", err)
	}
}

func TestPostgresUpdateVersionGuard(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := pgTrade(t, store, "trd_pg_version")
	tr.Status = StatusPaid
	tr.TxHash = "0xabc12345"
	tr.UpdatedAt = time.Now().UTC()
	if err := store.UpdateVersion(ctx, tr, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if tr.Version != 2 {
		t.Errorf("version = %d, want 2", tr.Version)
	}

	// A writer carrying the old version loses.
	stale := *tr
	stale.Status = StatusReleased
	if err := store.UpdateVersion(ctx, &stale, 1); !errors.Is(err, ErrConflict) {
		t.Errorf("stale write: err = %v, want ErrConflict", err)
	}
	got, err := store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPaid || got.Version != 2 {
		t.Errorf("after lost race: status=%s version=%d", got.Status, got.Version)
	}

	ghost := *tr
	ghost.ID = "trd_pg_ghost"
	if err := store.UpdateVersion(ctx, &ghost, 1); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("missing trade write: err = %v, want ErrTradeNotFound", err)
	}
}

func TestPostgresAppendMessageSeq(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := pgTrade(t, store, "trd_pg_chat")

	// Concurrent appends must still produce a gap-free 1..N sequence.
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.AppendMessage(ctx, &ChatMessage{
				TradeID:    tr.ID,
				SenderID:   "usr_buyer",
				SenderRole: RoleBuyer,
				Text:       "concurrent",
				CreatedAt:  time.Now().UTC(),
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := store.ListMessages(ctx, tr.ID, 0, 100)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != writers {
		t.Fatalf("messages = %d, want %d", len(msgs), writers)
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Errorf("seq at %d = %d, want %d", i, m.Seq, i+1)
		}
	}

	tail, err := store.ListMessages(ctx, tr.ID, int64(writers-2), 100)
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("tail = %d messages, want 2", len(tail))
	}

	err = store.AppendMessage(ctx, &ChatMessage{
		TradeID: "trd_pg_missing", SenderID: "u", SenderRole: RoleBuyer,
		Text: "x", CreatedAt: time.Now().UTC(),
	})
	if !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("append to missing trade: err = %v, want ErrTradeNotFound", err)
	}
}

func TestPostgresDisputeLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := pgTrade(t, store, "trd_pg_dispute")
	now := time.Now().UTC().Truncate(time.Microsecond)
	d := &Dispute{
		ID: "dsp_pg_1", TradeID: tr.ID, RaisedBy: "usr_buyer",
		Reason: "item not received", Status: DisputeOpen,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateDispute(ctx, d); err != nil {
		t.Fatalf("create dispute: %v", err)
	}

	// The partial unique index rejects a second active dispute.
	second := &Dispute{
		ID: "dsp_pg_2", TradeID: tr.ID, RaisedBy: "usr_seller",
		Reason: "counter claim", Status: DisputeOpen,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateDispute(ctx, second); err == nil {
		t.Error("expected second active dispute to violate the unique index")
	}

	active, err := store.ActiveDispute(ctx, tr.ID)
	if err != nil {
		t.Fatalf("active dispute: %v", err)
	}
	if active.ID != d.ID || active.Resolution != "" || active.ResolvedAt != nil {
		t.Errorf("active = %+v", active)
	}

	resolvedAt := time.Now().UTC().Truncate(time.Microsecond)
	d.Status = DisputeResolved
	d.Resolution = "evidence favors buyer"
	d.ResolvedBy = "usr_admin"
	d.UpdatedAt = resolvedAt
	d.ResolvedAt = &resolvedAt
	if err := store.UpdateDispute(ctx, d); err != nil {
		t.Fatalf("update dispute: %v", err)
	}

	if _, err := store.ActiveDispute(ctx, tr.ID); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("active after resolve: err = %v, want ErrDisputeNotFound", err)
	}

	// With the first dispute settled, a new one may open.
	if err := store.CreateDispute(ctx, second); err != nil {
		t.Fatalf("reopen dispute: %v", err)
	}

	all, err := store.ListDisputes(ctx, tr.ID)
	if err != nil {
		t.Fatalf("list disputes: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("disputes = %d, want 2", len(all))
	}
	for _, got := range all {
		if got.ID == d.ID {
			if got.Status != DisputeResolved || got.Resolution != d.Resolution || got.ResolvedAt == nil {
				t.Errorf("resolved dispute = %+v", got)
			}
		}
	}

	missing := *d
	missing.ID = "dsp_pg_missing"
	if err := store.UpdateDispute(ctx, &missing); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("update missing dispute: err = %v, want ErrDisputeNotFound", err)
	}
}

func TestPostgresListUnsettled(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	settled := pgTrade(t, store, "trd_pg_settled")
	settled.Status = StatusReleased
	settled.Settlement = SettlementSettled
	settled.UpdatedAt = time.Now().UTC()
	if err := store.UpdateVersion(ctx, settled, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	stranded := pgTrade(t, store, "trd_pg_stranded")
	stranded.Status = StatusRefunded
	stranded.Settlement = SettlementPending
	stranded.UpdatedAt = time.Now().UTC()
	if err := store.UpdateVersion(ctx, stranded, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	pgTrade(t, store, "trd_pg_open") // pending, no settlement at all

	stale, err := store.ListUnsettled(ctx, 10)
	if err != nil {
		t.Fatalf("list unsettled: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != stranded.ID {
		t.Fatalf("unsettled = %+v, want only the stranded trade", stale)
	}
}
