// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

// Package bus implements the signal bus: a many-producer, single-consumer
// event channel between unit goroutines and the host's event loop.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/unithost/unithost/internal/observability"
	"github.com/unithost/unithost/pkg/unit"
)

// DefaultCapacity bounds how many output_generated events may sit in the
// queue before the oldest is dropped. Control events (status_changed,
// error_occurred) are never dropped and never count against it.
const DefaultCapacity = 1024

// consumerBuffer smooths delivery to the consumer without affecting the
// drop policy: events handed to the channel are considered delivered.
const consumerBuffer = 100

// Bus carries unit events to a single consumer. Publish never blocks the
// producer; delivery order is publish order, with oldest output lines shed
// under sustained pressure.
type Bus struct {
	log      *slog.Logger
	capacity int

	mu      sync.Mutex
	queue   []unit.Event
	outputs int
	wake    chan struct{}

	out     chan unit.Event
	dropped atomic.Uint64
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity overrides the output high-water mark.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithLogger sets the logger used for drop diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		b.log = log
	}
}

// New creates a bus. Events may be published before Start; they queue until
// the pump begins delivering.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:      slog.Default(),
		capacity: DefaultCapacity,
		wake:     make(chan struct{}, 1),
		out:      make(chan unit.Event, consumerBuffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues an event from any goroutine without blocking. When the
// queue already holds capacity output_generated events, the oldest of them
// is removed to make room; status_changed and error_occurred events are
// always kept.
func (b *Bus) Publish(ev unit.Event) {
	b.mu.Lock()
	if ev.Kind == unit.KindOutputGenerated && b.outputs >= b.capacity {
		b.dropOldestOutputLocked()
	}
	b.queue = append(b.queue, ev)
	if ev.Kind == unit.KindOutputGenerated {
		b.outputs++
	}
	b.mu.Unlock()

	observability.RecordEventPublished(string(ev.Kind))

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// dropOldestOutputLocked removes the oldest output_generated event.
// Callers hold b.mu.
func (b *Bus) dropOldestOutputLocked() {
	for i, queued := range b.queue {
		if queued.Kind != unit.KindOutputGenerated {
			continue
		}
		b.queue = append(b.queue[:i], b.queue[i+1:]...)
		b.outputs--
		b.dropped.Add(1)
		observability.RecordEventDropped()
		b.log.Warn("event dropped: output queue full",
			"unit", queued.UnitID,
			"queue_capacity", b.capacity,
		)
		return
	}
}

// Events returns the consumer channel. The bus supports exactly one logical
// consumer; the channel is closed when the pump stops.
func (b *Bus) Events() <-chan unit.Event {
	return b.out
}

// Dropped reports how many output events were shed since creation.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Start launches the delivery pump.
func (b *Bus) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return oops.Errorf("bus already started")
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.pump(ctx)
	return nil
}

// Stop halts delivery and closes the consumer channel. Events still queued
// are flushed best-effort; anything the consumer no longer reads is
// discarded.
func (b *Bus) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.cancel()
	b.wg.Wait()
}

func (b *Bus) pump(ctx context.Context) {
	defer b.wg.Done()
	defer close(b.out)

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			select {
			case <-b.wake:
				continue
			case <-ctx.Done():
				b.flush()
				return
			}
		}
		batch := b.queue
		b.queue = nil
		b.outputs = 0
		b.mu.Unlock()

		for _, ev := range batch {
			select {
			case b.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// flush hands remaining events to the consumer without blocking.
func (b *Bus) flush() {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.outputs = 0
	b.mu.Unlock()

	for _, ev := range batch {
		select {
		case b.out <- ev:
		default:
			return
		}
	}
}
