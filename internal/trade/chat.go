package trade

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/peerswap/tradecore/internal/metrics"
	"github.com/peerswap/tradecore/internal/traces"
)

// MaxMessageLength bounds a single chat message body.
const MaxMessageLength = 4000

// ReplyRequest contains the parameters for posting a chat message.
type ReplyRequest struct {
	Text          string `json:"text" binding:"required"`
	AttachmentURL string `json:"attachmentUrl"`
}

// Reply appends a chat message to the trade's log. The store assigns the
// per-trade seq transactionally, so the seq sequence is gap-free and the
// append order matches the publish order under the per-trade lock.
func (s *Service) Reply(ctx context.Context, tradeID string, actor Actor, req ReplyRequest) (*ChatMessage, error) {
	ctx, span := traces.StartSpan(ctx, "trade.reply", traces.TradeID(tradeID))
	defer span.End()

	text := strings.TrimSpace(req.Text)
	if text == "" && req.AttachmentURL == "" {
		return nil, fmt.Errorf("%w: reply requires text or an attachment", ErrInvalidTransition)
	}
	text = truncateMessage(text)

	unlock := s.locks.Lock(tradeID)
	defer unlock()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	role := t.RoleOf(actor.ID)
	if role == RoleNone {
		if !actor.Admin {
			return nil, ErrUnauthorized
		}
		role = RoleSupport
	}

	m := &ChatMessage{
		TradeID:       t.ID,
		SenderID:      actor.ID,
		SenderRole:    role,
		Text:          text,
		AttachmentURL: req.AttachmentURL,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	metrics.ChatMessagesTotal.Inc()
	if s.pub != nil {
		s.pub.PublishReply(t.ID, m)
	}
	return m, nil
}

// truncateMessage caps text at MaxMessageLength bytes without cutting
// through a multi-byte rune.
func truncateMessage(text string) string {
	if len(text) <= MaxMessageLength {
		return text
	}
	cut := MaxMessageLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
