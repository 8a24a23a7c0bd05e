// Package audit carries the engine's audit trail: one event per state-changing
// operation, fanned out to write-only sinks. Recording is fire-and-forget;
// a failing sink is logged and never affects the operation that emitted it.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Action names one kind of state change.
type Action string

const (
	ActionLimitSet            Action = "limit.set"
	ActionLimitDeactivated    Action = "limit.deactivated"
	ActionAuctionCreated      Action = "auction.created"
	ActionAuctionOpened       Action = "auction.opened"
	ActionAuctionCancelled    Action = "auction.cancelled"
	ActionAuctionExpired      Action = "auction.expired"
	ActionOfferSubmitted      Action = "offer.submitted"
	ActionOfferApproved       Action = "offer.approved"
	ActionOfferRejected       Action = "offer.rejected"
	ActionAuctionAdjudicated  Action = "auction.adjudicated"
	ActionAdjudicationAborted Action = "adjudication.aborted"
)

// Event is one audit record.
type Event struct {
	Action   Action            `json:"action"`
	Actor    string            `json:"actor"`
	Detail   string            `json:"detail"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       time.Time         `json:"at"`
}

// Recorder is what engine components write to.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Sink persists or forwards events.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Write(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

// Bus fans events out to its sinks asynchronously. After Close it drops
// events.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	closed bool
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewBus creates a bus with the given sinks.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{
		sinks: sinks,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Record stamps the event and hands it to every sink in its own goroutine.
// The request context's cancellation is not propagated to sinks.
func (b *Bus) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	// wg.Add happens under the read lock so Close cannot start waiting
	// between the closed check and the add.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		slog.Debug("audit bus closed, event dropped", "action", ev.Action)
		return
	}
	sinks := append([]Sink(nil), b.sinks...)
	b.wg.Add(len(sinks))
	b.mu.RUnlock()

	bg := context.WithoutCancel(ctx)
	for _, s := range sinks {
		go func(s Sink) {
			defer b.wg.Done()
			if err := s.Write(bg, ev); err != nil {
				slog.Warn("audit sink write failed", "action", ev.Action, "err", err)
			}
		}(s)
	}
}

// Flush waits for in-flight writes. It must not race with Record; use Close
// when producers may still be running.
func (b *Bus) Flush() {
	b.wg.Wait()
}

// Close stops accepting events and waits for in-flight writes. Call before
// shutting sinks down.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

// LogSink writes events to the default slog logger.
type LogSink struct{}

func (LogSink) Write(_ context.Context, ev Event) error {
	attrs := []any{"action", ev.Action, "actor", ev.Actor, "detail", ev.Detail}
	for k, v := range ev.Metadata {
		attrs = append(attrs, k, v)
	}
	slog.Info("audit", attrs...)
	return nil
}
