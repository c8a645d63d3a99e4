package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Settler periodically replays ledger calls for terminal trades that are
// still settlement-pending, covering crashes between the status commit and
// the ledger confirmation.
type Settler struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSettler creates the settlement sweeper.
func NewSettler(service *Service, logger *slog.Logger) *Settler {
	return &Settler{
		service:  service,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweeper loop is active.
func (sw *Settler) Running() bool {
	return sw.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (sw *Settler) Start(ctx context.Context) {
	sw.running.Store(true)
	defer sw.running.Store(false)

	// One pass on startup catches trades stranded by a crash.
	sw.safeSweep(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stop:
			return
		case <-ticker.C:
			sw.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (sw *Settler) Stop() {
	select {
	case sw.stop <- struct{}{}:
	default:
	}
}

func (sw *Settler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sw.logger.Error("panic in settlement sweeper", "panic", fmt.Sprint(r))
		}
	}()

	settled, err := sw.service.ResettleUnsettled(ctx, 100)
	if err != nil {
		sw.logger.Warn("settlement sweep failed", "error", err)
		return
	}
	if settled > 0 {
		sw.logger.Info("settlement sweep replayed ledger calls", "settled", settled)
	}
}
