package hub

import (
	"context"
	"sync"

	"chatserver/store"
	"chatserver/types"
)

// Ledger is the short-window replay buffer: a bounded ring of recent
// messages per room. Reconnects whose lastSeenID has fallen out of the
// window are served from the store instead.
type Ledger struct {
	window int
	store  *store.Store

	mu    sync.RWMutex
	rooms map[string]*roomRing
}

type roomRing struct {
	buf   []types.Message
	start int
	count int
}

// replayPageSize bounds each store read during a fallback replay.
const replayPageSize = 500

func NewLedger(window int, st *store.Store) *Ledger {
	if window <= 0 {
		window = 256
	}
	return &Ledger{
		window: window,
		store:  st,
		rooms:  make(map[string]*roomRing),
	}
}

func (l *Ledger) Record(m types.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ring, ok := l.rooms[m.RoomID()]
	if !ok {
		ring = &roomRing{buf: make([]types.Message, l.window)}
		l.rooms[m.RoomID()] = ring
	}

	idx := (ring.start + ring.count) % len(ring.buf)
	ring.buf[idx] = m
	if ring.count < len(ring.buf) {
		ring.count++
	} else {
		ring.start = (ring.start + 1) % len(ring.buf)
	}
}

// snapshot returns the ring's messages in insertion order.
func (r *roomRing) snapshot() []types.Message {
	out := make([]types.Message, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// ReplaySince returns the room's messages after lastSeenID in room order.
// The ledger serves the request only when lastSeenID is still inside its
// window; otherwise it pages the store, so no gap can open no matter how
// long the client was away.
func (l *Ledger) ReplaySince(ctx context.Context, roomID, lastSeenID string) ([]types.Message, error) {
	l.mu.RLock()
	ring, ok := l.rooms[roomID]
	var msgs []types.Message
	if ok {
		msgs = ring.snapshot()
	}
	l.mu.RUnlock()

	if lastSeenID == "" {
		// Fresh subscriber: nothing to replay, live flow starts now.
		return nil, nil
	}

	for i, m := range msgs {
		if m.ID == lastSeenID {
			return msgs[i+1:], nil
		}
	}

	// lastSeenID predates the window (or the room has no buffer yet on this
	// instance); fall back to history. Page until the store is drained so a
	// long absence never truncates the replay.
	var out []types.Message
	cursor := lastSeenID
	for {
		page, err := l.store.ListMessagesAfter(ctx, roomID, cursor, replayPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < replayPageSize {
			return out, nil
		}
		cursor = page[len(page)-1].ID
	}
}
