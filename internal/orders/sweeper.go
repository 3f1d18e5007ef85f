package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RefundSweeper periodically retries refunds of failed orders that have no
// refund recorded yet.
type RefundSweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	grace    time.Duration // skip orders the inline refund may still be working on
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewRefundSweeper creates a new refund sweeper.
func NewRefundSweeper(service *Service, store Store, interval time.Duration, logger *slog.Logger) *RefundSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RefundSweeper{
		service:  service,
		store:    store,
		interval: interval,
		grace:    30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *RefundSweeper) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *RefundSweeper) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (t *RefundSweeper) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *RefundSweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in refund sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass and returns how many refunds it completed.
func (t *RefundSweeper) Sweep(ctx context.Context) int {
	pending, err := t.store.ListUnrefunded(ctx, time.Now().Add(-t.grace), 100)
	if err != nil {
		t.logger.Warn("failed to list unrefunded orders", "error", err)
		return 0
	}
	sweepPending.Set(float64(len(pending)))

	done := 0
	for _, o := range pending {
		if _, err := t.service.RetryRefund(ctx, o.OrderID); err != nil {
			t.logger.Warn("refund sweep failed",
				"order_id", o.OrderID,
				"owner", o.OwnerID,
				"error", err,
			)
			continue
		}
		done++
		t.logger.Info("refund sweep completed refund",
			"order_id", o.OrderID,
			"owner", o.OwnerID,
			"amount", o.TotalAmount.StringFixed(2),
		)
	}
	sweepPending.Set(float64(len(pending) - done))
	return done
}
