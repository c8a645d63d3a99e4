package tradesync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Fetcher retrieves the authoritative trade snapshot over REST. The
// session re-fetches through it on every (re)connect before trusting
// push events, closing the at-least-once/no-replay gap.
type Fetcher interface {
	FetchTrade(ctx context.Context, tradeID string) (TradeView, []Message, error)
}

// Config configures a Session.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://host/ws".
	URL string
	// Token authenticates the connection (sent as a query parameter).
	Token string
	// TradeID is the trade this session watches.
	TradeID string
	// Fetcher performs the REST snapshot fetch. Required.
	Fetcher Fetcher

	// MaxBackoff bounds the reconnect delay. Default 30s.
	MaxBackoff time.Duration
	// MaxDialFailures is how many consecutive dial failures switch the
	// session into degraded polling. Default 5.
	MaxDialFailures int
	// PollInterval is the snapshot cadence while degraded. Default 10s.
	PollInterval time.Duration

	Logger *slog.Logger

	// OnUpdate and OnReply, when set, fire after each applied frame.
	OnUpdate func(TradeView)
	OnReply  func(Message)
}

// Session keeps one trade view synchronized for as long as its context
// lives. Connection loss is handled internally: bounded exponential
// backoff, then degraded polling until the socket comes back.
type Session struct {
	cfg     Config
	reducer *Reducer

	degraded atomic.Bool
}

// NewSession creates a session. Call Run to start it.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("tradesync: Fetcher is required")
	}
	if cfg.URL == "" || cfg.TradeID == "" {
		return nil, errors.New("tradesync: URL and TradeID are required")
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxDialFailures <= 0 {
		cfg.MaxDialFailures = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{cfg: cfg, reducer: NewReducer()}, nil
}

// State returns the current trade projection.
func (s *Session) State() (TradeView, []Message) {
	return s.reducer.Trade(), s.reducer.Messages()
}

// Degraded reports whether the session has fallen back to polling.
func (s *Session) Degraded() bool {
	return s.degraded.Load()
}

// Run blocks until ctx is cancelled, keeping the view synchronized.
func (s *Session) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Subscribe before the snapshot: anything committed after the
		// subscribe lands on the socket, anything before is in the
		// snapshot, so nothing can fall between the two. The reducer
		// dedupes the overlap. A failed snapshot counts as a failed
		// attempt — pushes are never applied to a stale view.
		conn, err := s.connect(ctx)
		if err != nil {
			failures++
			s.cfg.Logger.Warn("connect failed", "trade", s.cfg.TradeID, "attempt", failures, "error", err)
			if failures >= s.cfg.MaxDialFailures {
				s.degraded.Store(true)
				if err := s.pollUntilCancelled(ctx); err != nil {
					return err
				}
				// One free attempt after each poll tick.
				failures = s.cfg.MaxDialFailures - 1
				continue
			}
			if err := sleep(ctx, s.backoff(failures)); err != nil {
				return err
			}
			continue
		}

		failures = 0
		s.degraded.Store(false)

		err = s.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Connection errors are recovered, not surfaced.
		s.cfg.Logger.Info("connection lost, reconnecting", "trade", s.cfg.TradeID, "error", err)
	}
}

// connect dials, subscribes, and then fetches the snapshot. Either failure
// tears the connection down so the caller treats it as one failed attempt.
func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	url := s.cfg.URL
	if s.cfg.Token != "" {
		url += "?token=" + s.cfg.Token
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	sub := ControlFrame{Action: ActionSubscribe}
	sub.Payload.ID = s.cfg.TradeID
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := s.refetch(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// consume reads event frames until the connection drops.
func (s *Session) consume(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var frame EventFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}

		switch frame.Method {
		case MethodUpdate:
			if err := s.reducer.ApplyUpdate(frame.Data); err != nil {
				s.cfg.Logger.Warn("dropping bad update", "trade", s.cfg.TradeID, "error", err)
				continue
			}
			if s.cfg.OnUpdate != nil {
				s.cfg.OnUpdate(s.reducer.Trade())
			}
		case MethodReply:
			var data ReplyData
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				s.cfg.Logger.Warn("dropping bad reply", "trade", s.cfg.TradeID, "error", err)
				continue
			}
			s.reducer.ApplyReply(data)
			if s.cfg.OnReply != nil {
				s.cfg.OnReply(data.Message)
			}
		case MethodError:
			var data ErrorData
			_ = json.Unmarshal(frame.Data, &data)
			s.cfg.Logger.Warn("server error frame", "trade", s.cfg.TradeID, "code", data.Code, "message", data.Message)
		}
	}
}

func (s *Session) refetch(ctx context.Context) error {
	trade, messages, err := s.cfg.Fetcher.FetchTrade(ctx, s.cfg.TradeID)
	if err != nil {
		return err
	}
	s.reducer.SetSnapshot(trade, messages)
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(trade)
	}
	return nil
}

// pollUntilCancelled keeps the view fresh over REST for one interval,
// then returns so Run can retry the socket.
func (s *Session) pollUntilCancelled(ctx context.Context) error {
	s.cfg.Logger.Warn("entering degraded poll mode", "trade", s.cfg.TradeID)
	if err := sleep(ctx, s.cfg.PollInterval); err != nil {
		return err
	}
	if err := s.refetch(ctx); err != nil {
		s.cfg.Logger.Warn("poll fetch failed", "trade", s.cfg.TradeID, "error", err)
	}
	return ctx.Err()
}

func (s *Session) backoff(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
