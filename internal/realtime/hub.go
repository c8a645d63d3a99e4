// Package realtime fans committed trade changes out to subscribed
// WebSocket clients. One socket multiplexes any number of per-trade
// subscriptions via SUBSCRIBE/UNSUBSCRIBE control frames; the hub
// preserves commit order per trade and never lets one slow client
// stall delivery to the rest.
//
// Delivery is at-least-once with no replay: a client that reconnects
// must re-fetch the trade before trusting further pushes.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/peerswap/tradecore/internal/auth"
	"github.com/peerswap/tradecore/internal/metrics"
	"github.com/peerswap/tradecore/internal/trade"
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Control frame actions.
const (
	ActionSubscribe   = "SUBSCRIBE"
	ActionUnsubscribe = "UNSUBSCRIBE"
)

// Event frame methods.
const (
	MethodUpdate = "update"
	MethodReply  = "reply"
	MethodError  = "error"
)

// controlFrame is the client→server envelope.
type controlFrame struct {
	Action  string `json:"action"`
	Payload struct {
		ID string `json:"id"`
	} `json:"payload"`
}

// eventFrame is the server→client envelope.
type eventFrame struct {
	Method string `json:"method"`
	Data   any    `json:"data"`
}

// replyData carries a chat message push.
type replyData struct {
	Message   *trade.ChatMessage `json:"message"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// event is one serialized push bound for a trade's subscribers.
type event struct {
	tradeID string
	payload []byte
}

type subRequest struct {
	client  *Client
	tradeID string
	add     bool
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	admin  bool
}

// Authorizer decides whether a user may watch a trade's channel.
// A nil Authorizer admits every authenticated client.
type Authorizer func(ctx context.Context, tradeID, userID string, admin bool) bool

// MaxClients caps concurrent socket connections.
const MaxClients = 10000

// Hub owns the subscription registry. All registry mutation happens on
// the Run goroutine; the intake channel is drained in FIFO order, which
// together with the single-writer-per-trade commit lock upstream gives
// per-trade delivery in commit order.
type Hub struct {
	subscribers map[string]map[*Client]bool // trade id → clients
	memberships map[*Client]map[string]bool // client → trade ids

	events      chan *event
	register    chan *Client
	unregister  chan *Client
	subscribeCh chan subRequest

	authorize  Authorizer
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	clientCount  atomic.Int64
	totalEvents  atomic.Int64
	totalClients atomic.Int64
}

var _ trade.Publisher = (*Hub)(nil)

// NewHub creates a hub. The authorizer may be nil.
func NewHub(logger *slog.Logger, authorize Authorizer) *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Client]bool),
		memberships: make(map[*Client]map[string]bool),
		events:      make(chan *event, 1024),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribeCh: make(chan subRequest),
		authorize:   authorize,
		logger:      logger,
		done:        make(chan struct{}),
		maxClients:  MaxClients,
	}
}

// Run processes registry changes and event delivery until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.memberships {
				close(client.send)
			}
			h.subscribers = make(map[string]map[*Client]bool)
			h.memberships = make(map[*Client]map[string]bool)
			h.clientCount.Store(0)
			metrics.ActiveWebSocketClients.Set(0)
			metrics.ActiveTradeSubscriptions.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.memberships[client] = make(map[string]bool)
			h.totalClients.Add(1)
			n := h.clientCount.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "user", client.userID, "total", n)

		case client := <-h.unregister:
			h.drop(client)

		case req := <-h.subscribeCh:
			trades, ok := h.memberships[req.client]
			if !ok {
				continue // already dropped
			}
			if req.add {
				if h.subscribers[req.tradeID] == nil {
					h.subscribers[req.tradeID] = make(map[*Client]bool)
				}
				h.subscribers[req.tradeID][req.client] = true
				trades[req.tradeID] = true
			} else {
				delete(trades, req.tradeID)
				h.removeSubscriber(req.tradeID, req.client)
			}
			metrics.ActiveTradeSubscriptions.Set(float64(h.subscriptionCount()))

		case ev := <-h.events:
			h.totalEvents.Add(1)
			var slow []*Client
			for client := range h.subscribers[ev.tradeID] {
				select {
				case client.send <- ev.payload:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				h.logger.Warn("dropping slow client", "user", client.userID, "trade", ev.tradeID)
				h.drop(client)
			}
		}
	}
}

// drop removes a client from every channel it watches. Run goroutine only.
func (h *Hub) drop(client *Client) {
	trades, ok := h.memberships[client]
	if !ok {
		return
	}
	for tradeID := range trades {
		h.removeSubscriber(tradeID, client)
	}
	delete(h.memberships, client)
	close(client.send)
	n := h.clientCount.Add(-1)
	metrics.ActiveWebSocketClients.Set(float64(n))
	metrics.ActiveTradeSubscriptions.Set(float64(h.subscriptionCount()))
	h.logger.Info("client disconnected", "user", client.userID, "total", n)
}

func (h *Hub) removeSubscriber(tradeID string, client *Client) {
	if subs, ok := h.subscribers[tradeID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscribers, tradeID)
		}
	}
}

func (h *Hub) subscriptionCount() int {
	total := 0
	for _, subs := range h.subscribers {
		total += len(subs)
	}
	return total
}

// PublishUpdate pushes a partial trade patch to the trade's channel.
// Blocks rather than reorders when the intake buffer is full.
func (h *Hub) PublishUpdate(tradeID string, patch map[string]any) {
	h.publish(tradeID, eventFrame{Method: MethodUpdate, Data: patch})
}

// PublishReply pushes a new chat message to the trade's channel.
func (h *Hub) PublishReply(tradeID string, msg *trade.ChatMessage) {
	h.publish(tradeID, eventFrame{Method: MethodReply, Data: replyData{
		Message:   msg,
		UpdatedAt: msg.CreatedAt,
	}})
}

func (h *Hub) publish(tradeID string, frame eventFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("event marshal failed", "trade", tradeID, "error", err)
		return
	}
	select {
	case h.events <- &event{tradeID: tradeID, payload: payload}:
	case <-h.done:
	}
}

// Stats reports hub counters.
func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"connectedClients": h.clientCount.Load(),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// HandleWebSocket upgrades the request and services the connection.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	select {
	case <-h.done:
		c.String(http.StatusServiceUnavailable, "server shutting down")
		return
	default:
	}

	if h.clientCount.Load() >= int64(h.maxClients) {
		c.String(http.StatusServiceUnavailable, "too many connections")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: c.GetString(auth.ContextKeyUserID),
		admin:  c.GetBool(auth.ContextKeyIsAdmin),
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

// readPump consumes control frames until the socket closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "user", c.userID, "error", err)
			}
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Payload.ID == "" {
			c.sendError("bad_frame", "expected {action, payload:{id}}")
			continue
		}

		switch frame.Action {
		case ActionSubscribe:
			if c.hub.authorize != nil && !c.hub.authorize(context.Background(), frame.Payload.ID, c.userID, c.admin) {
				c.sendError("forbidden", "not a party to this trade")
				continue
			}
			c.request(frame.Payload.ID, true)
		case ActionUnsubscribe:
			c.request(frame.Payload.ID, false)
		default:
			c.sendError("bad_action", frame.Action)
		}
	}
}

func (c *Client) request(tradeID string, add bool) {
	select {
	case c.hub.subscribeCh <- subRequest{client: c, tradeID: tradeID, add: add}:
	case <-c.hub.done:
	}
}

func (c *Client) sendError(code, detail string) {
	payload, _ := json.Marshal(eventFrame{Method: MethodError, Data: map[string]string{
		"error":   code,
		"message": detail,
	}})
	select {
	case c.send <- payload:
	default:
	}
}

// writePump drains the send queue and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "user", c.userID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
