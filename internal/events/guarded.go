package events

import (
	"context"

	"github.com/mbd888/topupledger/internal/circuitbreaker"
)

// Guarded wraps a sink with a circuit breaker. While the circuit is open,
// Publish returns circuitbreaker.ErrOpen without calling the sink.
type Guarded struct {
	name    string
	sink    Publisher
	breaker *circuitbreaker.Breaker
}

// NewGuarded guards sink under name.
func NewGuarded(name string, sink Publisher, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{name: name, sink: sink, breaker: breaker}
}

func (g *Guarded) Publish(ctx context.Context, evts ...*Event) error {
	return g.breaker.Do(g.name, func() error {
		return g.sink.Publish(ctx, evts...)
	})
}
