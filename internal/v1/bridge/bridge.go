// Package bridge implements the Event Bridge (spec §4.3): it subscribes to
// the cross-node presence event channel and fans each event out to
// in-process handlers and to the transport layer, isolating one handler's
// failure from every other.
package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/outpostlabs/presence-fabric/internal/v1/logging"
	"github.com/outpostlabs/presence-fabric/internal/v1/metrics"
	"github.com/outpostlabs/presence-fabric/internal/v1/presence"
	"github.com/outpostlabs/presence-fabric/internal/v1/store"
	"go.uber.org/zap"
)

// Handler receives every presence event delivered to this node, regardless
// of which room it belongs to.
type Handler func(ctx context.Context, evt presence.Event)

// Bridge subscribes once per process to the pattern
// presence.EventSubscribePattern and dispatches received events to a
// read-mostly handler set.
type Bridge struct {
	client *store.Client

	mu       sync.RWMutex
	handlers []Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Bridge. Call Start to begin consuming events.
func New(client *store.Client) *Bridge {
	return &Bridge{client: client}
}

// Register adds a handler to the dispatch set. Safe to call before or after
// Start.
func (b *Bridge) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start begins the subscription loop in a background goroutine.
func (b *Bridge) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	sub := b.client.Subscribe(ctx, presence.EventSubscribePattern)
	metrics.BridgeSubscribedRooms.Set(1) // one pattern subscription covers every room

	go func() {
		defer close(b.done)
		defer sub.Close()

		ch := sub.Channel()
		logging.Info(ctx, "event bridge subscribed", zap.String("pattern", presence.EventSubscribePattern))

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "event bridge subscription channel closed")
					return
				}
				b.dispatch(ctx, msg.Payload)
			}
		}
	}()
}

// dispatch parses one wire message and fans it out to every registered
// handler, catching panics so one misbehaving handler never blocks or
// starves the others (spec §4.3).
func (b *Bridge) dispatch(ctx context.Context, payload string) {
	var evt presence.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		logging.Error(ctx, "failed to unmarshal presence event", zap.Error(err))
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, h, evt)
	}
}

func (b *Bridge) invoke(ctx context.Context, h Handler, evt presence.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BridgeEventsTotal.WithLabelValues(string(evt.Type), "handler_panic").Inc()
			logging.Error(ctx, "event bridge handler panicked", zap.Any("recovered", r), zap.String("room_id", evt.RoomID))
		}
	}()
	h(ctx, evt)
	metrics.BridgeEventsTotal.WithLabelValues(string(evt.Type), "delivered").Inc()
}

// Stop unsubscribes and waits for the dispatch loop to drain (spec §4.3
// "stop() unsubscribes and drains"). Safe to call more than once.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel = nil
	metrics.BridgeSubscribedRooms.Set(0)
}
