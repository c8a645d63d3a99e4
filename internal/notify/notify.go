// Package notify posts trade lifecycle events to the external
// notification service, which fans them out to email and push. All
// delivery is fire-and-forget: failures are counted and logged, never
// returned to the transition that triggered them.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/peerswap/tradecore/internal/idgen"
	"github.com/peerswap/tradecore/internal/metrics"
	"github.com/peerswap/tradecore/internal/trade"
)

// Event is one notification delivered to the service.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TradeID   string    `json:"tradeId"`
	Status    string    `json:"status"`
	Parties   []string  `json:"parties"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter posts events over HTTP. A nil Emitter is safe to call and
// does nothing, so wiring stays simple when notifications are disabled.
type Emitter struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewEmitter creates an emitter targeting the notification endpoint.
// The secret, when set, HMAC-signs each payload.
func NewEmitter(url, secret string, logger *slog.Logger) *Emitter {
	return &Emitter{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// TradeChanged notifies the parties of a committed status transition.
func (e *Emitter) TradeChanged(tradeID string, status trade.Status, parties []string) {
	if e == nil || e.url == "" {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      "trade.status_changed",
		TradeID:   tradeID,
		Status:    string(status),
		Parties:   parties,
		Timestamp: time.Now().UTC(),
	}
	go e.send(event)
}

func (e *Emitter) send(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		e.logger.Warn("notification marshal failed", "trade", event.TradeID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		e.logger.Warn("notification request failed", "trade", event.TradeID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tradecore-Event", event.Type)
	req.Header.Set("X-Tradecore-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if e.secret != "" {
		req.Header.Set("X-Tradecore-Signature", sign(payload, e.secret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		e.logger.Warn("notification delivery failed", "trade", event.TradeID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.NotificationsTotal.WithLabelValues("ok").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("error").Inc()
	e.logger.Warn("notification rejected", "trade", event.TradeID, "status", resp.StatusCode)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
