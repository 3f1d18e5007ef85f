package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events handed to downstream sinks by result.",
	}, []string{"result"})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because the dispatch queue was full.",
	})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDropped)
}

// Dispatcher decouples request latency from slow sinks. Publish enqueues and
// returns immediately; Run drains the queue into the wrapped Publisher.
type Dispatcher struct {
	sink    Publisher
	queue   chan *Event
	logger  *slog.Logger
	timeout time.Duration
	running atomic.Bool
	done    chan struct{}
}

// NewDispatcher wraps sink with a queue of the given size.
func NewDispatcher(sink Publisher, size int, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan *Event, size),
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Publish enqueues events, dropping any that do not fit.
func (d *Dispatcher) Publish(_ context.Context, evts ...*Event) error {
	dropped := 0
	for _, e := range evts {
		select {
		case d.queue <- e:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		eventsDropped.Add(float64(dropped))
		return fmt.Errorf("event queue full, dropped %d", dropped)
	}
	return nil
}

// Running reports whether Run is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Run drains the queue until ctx is done, then flushes what is left.
// Call in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			d.flush()
			return
		case e := <-d.queue:
			d.deliver(e)
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) flush() {
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(e *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in event dispatcher", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Publish(ctx, e); err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		d.logger.Warn("event delivery failed", "type", e.Type, "key", e.Key, "error", err)
		return
	}
	eventsPublished.WithLabelValues("ok").Inc()
}
