// Package tradesync is the client-side synchronization kit for trade
// views. It maintains a local projection of one trade and its message
// log, fed by REST snapshots and the server's update/reply push frames,
// and hides the reconnect/re-fetch choreography the at-least-once
// channel requires.
package tradesync

import (
	"encoding/json"
	"time"
)

// Control frame actions (client → server).
const (
	ActionSubscribe   = "SUBSCRIBE"
	ActionUnsubscribe = "UNSUBSCRIBE"
)

// Event frame methods (server → client).
const (
	MethodUpdate = "update"
	MethodReply  = "reply"
	MethodError  = "error"
)

// ControlFrame is the client → server envelope.
type ControlFrame struct {
	Action  string         `json:"action"`
	Payload ControlPayload `json:"payload"`
}

// ControlPayload names the trade a control frame targets.
type ControlPayload struct {
	ID string `json:"id"`
}

// EventFrame is the server → client envelope. Data stays raw until the
// method is known.
type EventFrame struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

// TradeView is the client's projection of one trade.
type TradeView struct {
	ID         string    `json:"id"`
	OfferID    string    `json:"offerId"`
	BuyerID    string    `json:"buyerId"`
	SellerID   string    `json:"sellerId"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	Status     string    `json:"status"`
	TxHash     string    `json:"txHash,omitempty"`
	Settlement string    `json:"settlement,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Message is one chat entry. Seq is the sole ordering key.
type Message struct {
	Seq           int64     `json:"seq"`
	TradeID       string    `json:"tradeId"`
	SenderID      string    `json:"senderId"`
	SenderRole    string    `json:"senderRole"`
	Text          string    `json:"text"`
	AttachmentURL string    `json:"attachmentUrl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ReplyData is the payload of a reply frame.
type ReplyData struct {
	Message   Message   `json:"message"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}
