package pubsub

import (
	"context"
	"sync"

	"chatserver/types"
)

// Event is the envelope broadcast across instances. Origin carries the
// publishing instance id so an instance can skip events it already delivered
// locally.
type Event struct {
	RoomID  string         `json:"room_id"`
	Origin  string         `json:"origin"`
	Type    string         `json:"type"`
	Message *types.Message `json:"message,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
}

// Control events keep peer instances coherent; they never reach clients.
// RoomID carries the channel id, UserID the affected member where relevant.
const (
	EventMembershipChanged = "membership_changed"
	EventChannelChanged    = "channel_changed"
)

// Bus is the cross-process broadcast transport. Implementations must
// preserve publish order per room topic; that property is part of this
// contract, not an implementation detail.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Run delivers every published event to handler until ctx is done.
	Run(ctx context.Context, handler func(Event)) error
	Close() error
}

// InProcBus is the single-instance bus: publish is delivered synchronously
// to the running handler, so per-room order follows publish order.
type InProcBus struct {
	mu       sync.Mutex
	handlers []func(Event)
	closed   bool
}

func NewInProcBus() *InProcBus {
	return &InProcBus{}
}

func (b *InProcBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	handlers := append([]func(Event){}, b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *InProcBus) Run(ctx context.Context, handler func(Event)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (b *InProcBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handlers = nil
	b.mu.Unlock()
	return nil
}
