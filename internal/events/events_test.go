package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/topupledger/internal/circuitbreaker"
)

type recorder struct {
	mu   sync.Mutex
	got  []*Event
	fail error
}

func (r *recorder) Publish(_ context.Context, evts ...*Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, evts...)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_StampsIDAndTime(t *testing.T) {
	e := New(TypeOrderCreated, "ord_1", "user_1", map[string]string{"a": "b"})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, TypeOrderCreated, e.Type)
	assert.False(t, e.OccurredAt.IsZero())
}

func TestNew_SnapshotsPayload(t *testing.T) {
	type order struct {
		Status     string     `json:"status"`
		RefundedAt *time.Time `json:"refundedAt,omitempty"`
	}
	o := &order{Status: "failed"}
	e := New(TypeOrderStatusChanged, "TU1", "user-1", o)

	now := time.Now()
	o.RefundedAt = &now
	o.Status = "mutated"

	assert.JSONEq(t, `{"status":"failed"}`, string(e.Payload))
}

func TestNew_UnencodablePayloadIsNull(t *testing.T) {
	e := New("t", "k", "s", make(chan int))
	assert.Nil(t, e.Payload)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"payload":null`)
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{fail: errors.New("boom")}

	err := Fanout{ok, nil, bad}.Publish(context.Background(), New("t", "k", "s", nil))
	require.Error(t, err)
	assert.Equal(t, 1, ok.count())
}

func TestDispatcher_DeliversAndFlushesOnCancel(t *testing.T) {
	sink := &recorder{}
	d := NewDispatcher(sink, 16, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Publish(ctx, New("t", "k", "s", i)))
	}

	require.Eventually(t, func() bool { return sink.count() == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()
	assert.False(t, d.Running())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(&recorder{}, 1, discardLogger())

	require.NoError(t, d.Publish(context.Background(), New("t", "k", "s", 1)))
	err := d.Publish(context.Background(), New("t", "k", "s", 2))
	assert.Error(t, err)
}

func TestEmit_SwallowsErrors(t *testing.T) {
	bad := &recorder{fail: errors.New("down")}
	assert.NotPanics(t, func() {
		Emit(context.Background(), bad, discardLogger(), New("t", "k", "s", nil))
	})
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	sink := &recorder{fail: errors.New("broker down")}
	g := NewGuarded("kafka-test", sink, circuitbreaker.New(2, time.Hour))
	ctx := context.Background()
	e := New(TypeOrderCreated, "TU1", "user-1", nil)

	assert.EqualError(t, g.Publish(ctx, e), "broker down")
	assert.EqualError(t, g.Publish(ctx, e), "broker down")
	assert.ErrorIs(t, g.Publish(ctx, e), circuitbreaker.ErrOpen)

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()
	assert.ErrorIs(t, g.Publish(ctx, e), circuitbreaker.ErrOpen, "still open until the probe window")
	assert.Equal(t, 0, sink.count())
}
