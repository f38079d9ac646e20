package emit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Transport delivers serialized events to the remote display layer.
// Backpressure is the transport's concern; the pipeline never retries from
// its critical path.
type Transport interface {
	Deliver(ctx context.Context, ev Event, raw []byte) error
}

// ChannelTransport forwards events to a Go channel, dropping on
// backpressure rather than blocking the cycle loop.
type ChannelTransport struct {
	ch chan<- Event
}

// NewChannelTransport wraps an output channel.
func NewChannelTransport(ch chan<- Event) *ChannelTransport {
	return &ChannelTransport{ch: ch}
}

func (t *ChannelTransport) Deliver(ctx context.Context, ev Event, _ []byte) error {
	select {
	case t.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil // non-blocking drop
	}
}

// Emitter serializes events through the single encoder, enforces the size
// cap, and ships them fire-and-forget. A serialization failure produces the
// minimal fallback event instead of a silently dropped cycle.
type Emitter struct {
	transport Transport
	composer  *Composer
	limits    Limits
	log       *slog.Logger

	// Atomic: written by the emitting goroutine, read by stats pollers.
	emitted atomic.Uint64
	failed  atomic.Uint64
}

// NewEmitter builds an emitter over the given transport.
func NewEmitter(transport Transport, composer *Composer, limits Limits, log *slog.Logger) *Emitter {
	limits.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{transport: transport, composer: composer, limits: limits, log: log}
}

// Emit serializes and delivers one event. Delivery errors are logged, never
// retried here.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	raw, err := Marshal(ev)
	if err == nil && len(raw) > e.limits.MaxEventBytes {
		err = fmt.Errorf("event %s exceeds size cap: %d > %d bytes", ev.Type, len(raw), e.limits.MaxEventBytes)
	}
	if err != nil {
		e.failed.Add(1)
		fallback := e.composer.Fallback(time.Now(), err)
		if raw, err = Marshal(fallback); err != nil {
			// The fallback is a flat struct; if even that fails the
			// transport gets nothing and we log the loss.
			e.log.Error("fallback event encode failed", "error", err)
			return
		}
		ev = fallback
	}

	if err := e.transport.Deliver(ctx, ev, raw); err != nil {
		e.failed.Add(1)
		e.log.Warn("event delivery failed", "type", ev.Type, "id", ev.ID, "error", err)
		return
	}
	e.emitted.Add(1)
}

// Emitted reports successfully delivered events. Safe to read while
// another goroutine emits.
func (e *Emitter) Emitted() uint64 { return e.emitted.Load() }

// Failed reports serialization and delivery failures. Safe to read while
// another goroutine emits.
func (e *Emitter) Failed() uint64 { return e.failed.Load() }
