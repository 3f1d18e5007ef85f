// Package events publishes ledger and workflow events to downstream consumers
// (analytics, notifications, the admin console's live view).
//
// Publication is best-effort and happens after the database commit; the
// transactions table stays the source of truth and consumers can always
// re-read it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/topupledger/internal/idgen"
)

// Event types.
const (
	TypeTransactionCreated = "ledger.transaction.created"
	TypeOrderCreated       = "order.created"
	TypeOrderStatusChanged = "order.status_changed"
	TypeOrderRefunded      = "order.refunded"
	TypeRechargeSubmitted  = "recharge.submitted"
	TypeRechargeReviewed   = "recharge.reviewed"
	TypeCommissionSettled  = "commission.settled"
)

// Event is a single published fact.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`     // aggregate id (wallet, order, request)
	Subject    string          `json:"subject"` // owner the event concerns; used for UI fan-out
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an event stamped with a fresh ID and the current time. The
// payload is encoded immediately, so callers may keep mutating the value
// after the event has been queued for asynchronous delivery. A payload that
// cannot be encoded is published as null.
func New(eventType, key, subject string, payload any) *Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return &Event{
		ID:         idgen.New(),
		Type:       eventType,
		Key:        key,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evts ...*Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...*Event) error { return nil }

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evts ...*Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evts...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes and logs failures instead of returning them. Workflows call
// this after commit, where a publish error must not fail the operation.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, evts ...*Event) {
	if p == nil || len(evts) == 0 {
		return
	}
	if err := p.Publish(ctx, evts...); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("event publish failed", "type", evts[0].Type, "key", evts[0].Key, "count", len(evts), "error", err)
	}
}
