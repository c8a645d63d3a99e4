package trade

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestReplyAssignsSequentialSeq(t *testing.T) {
	svc, _, _, pub := newTestService(t)
	ctx := context.Background()

	tr := createTrade(t, svc)
	bodies := []string{"hello", "payment sent", "checking now"}
	actors := []Actor{buyer, buyer, seller}
	for i, body := range bodies {
		m, err := svc.Reply(ctx, tr.ID, actors[i], ReplyRequest{Text: body})
		if err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
		if m.Seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", m.Seq, i+1)
		}
	}

	msgs, err := svc.Messages(ctx, tr.ID, 0, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) || m.Text != bodies[i] {
			t.Errorf("message %d = seq %d %q", i, m.Seq, m.Text)
		}
	}
	if msgs[0].SenderRole != RoleBuyer || msgs[2].SenderRole != RoleSeller {
		t.Errorf("sender roles = %s, %s", msgs[0].SenderRole, msgs[2].SenderRole)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.replies) != 3 {
		t.Fatalf("published replies = %d, want 3", len(pub.replies))
	}
	for i, m := range pub.replies {
		if m.Seq != int64(i+1) {
			t.Errorf("published seq %d = %d", i, m.Seq)
		}
	}
}

func TestReplyGuards(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tr := createTrade(t, svc)
	if _, err := svc.Reply(ctx, tr.ID, stranger, ReplyRequest{Text: "hi"}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger reply: err = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.Reply(ctx, tr.ID, buyer, ReplyRequest{Text: "   "}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("empty reply: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Reply(ctx, "trd_missing", buyer, ReplyRequest{Text: "hi"}); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("unknown trade: err = %v, want ErrTradeNotFound", err)
	}
}

func TestReplyAdminGetsSupportRole(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tr := createTrade(t, svc)
	m, err := svc.Reply(ctx, tr.ID, admin, ReplyRequest{Text: "support here"})
	if err != nil {
		t.Fatalf("admin reply: %v", err)
	}
	if m.SenderRole != RoleSupport {
		t.Errorf("sender role = %s, want %s", m.SenderRole, RoleSupport)
	}
}

func TestReplyAttachmentOnly(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tr := createTrade(t, svc)
	m, err := svc.Reply(ctx, tr.ID, buyer, ReplyRequest{AttachmentURL: "https://cdn.example.com/receipt.png"})
	if err != nil {
		t.Fatalf("attachment reply: %v", err)
	}
	if m.Text != "" || m.AttachmentURL == "" {
		t.Errorf("message = %+v", m)
	}
}

func TestReplyTruncatesLongText(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tr := createTrade(t, svc)
	m, err := svc.Reply(ctx, tr.ID, buyer, ReplyRequest{Text: strings.Repeat("a", MaxMessageLength+500)})
	if err != nil {
		t.Fatalf("long reply: %v", err)
	}
	if len(m.Text) != MaxMessageLength {
		t.Errorf("text length = %d, want %d", len(m.Text), MaxMessageLength)
	}
}

func TestReplyTruncatesOnRuneBoundary(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tr := createTrade(t, svc)
	// Three-byte runes that do not divide MaxMessageLength evenly, so a
	// byte-exact cut would land mid-rune.
	m, err := svc.Reply(ctx, tr.ID, buyer, ReplyRequest{Text: strings.Repeat("好", MaxMessageLength)})
	if err != nil {
		t.Fatalf("long reply: %v", err)
	}
	if len(m.Text) > MaxMessageLength {
		t.Errorf("text length = %d, want <= %d", len(m.Text), MaxMessageLength)
	}
	if !utf8.ValidString(m.Text) {
		t.Error("truncated text is not valid UTF-8")
	}
	if !strings.HasSuffix(m.Text, "好") {
		t.Errorf("truncated text ends %q", m.Text[len(m.Text)-4:])
	}
}

func TestMessagesAfterSeq(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	tr := createTrade(t, svc)
	for i := 0; i < 5; i++ {
		if _, err := svc.Reply(ctx, tr.ID, buyer, ReplyRequest{Text: "msg"}); err != nil {
			t.Fatalf("reply: %v", err)
		}
	}

	tail, err := svc.Messages(ctx, tr.ID, 3, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail = %d messages, want 2", len(tail))
	}
	if tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Errorf("tail seqs = %d, %d", tail[0].Seq, tail[1].Seq)
	}
}
