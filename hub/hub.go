package hub

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatserver/metrics"
	"chatserver/pubsub"
	"chatserver/types"
)

const shardCount = 32

type roomShard struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Client // roomID -> connID -> client
}

// Registry maps live connections to their sessions and room subscriptions.
// Room subscriber sets live behind a sharded lock map keyed by room id, so
// unrelated rooms never contend.
type Registry struct {
	log        zerolog.Logger
	queueSize  int
	ledger     *Ledger
	pingPeriod time.Duration
	pongWait   time.Duration
	shards     [shardCount]*roomShard

	mu        sync.RWMutex
	clients   map[string]*Client            // connID
	bySession map[string]map[string]*Client // sessionID -> connID
	subs      map[string]map[string]bool    // connID -> roomIDs
}

func NewRegistry(ledger *Ledger, queueSize int, log zerolog.Logger) *Registry {
	if queueSize <= 0 {
		queueSize = 64
	}
	r := &Registry{
		log:        log,
		queueSize:  queueSize,
		ledger:     ledger,
		pingPeriod: defaultPingPeriod,
		pongWait:   defaultPongWait,
		clients:    make(map[string]*Client),
		bySession:  make(map[string]map[string]*Client),
		subs:       make(map[string]map[string]bool),
	}
	for i := range r.shards {
		r.shards[i] = &roomShard{rooms: make(map[string]map[string]*Client)}
	}
	return r
}

func (r *Registry) Ledger() *Ledger { return r.ledger }

// SetKeepalive overrides the ping interval and pong deadline. Takes effect
// for connections registered afterwards.
func (r *Registry) SetKeepalive(pingPeriod, pongWait time.Duration) {
	r.pingPeriod = pingPeriod
	r.pongWait = pongWait
}

func (r *Registry) shard(roomID string) *roomShard {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return r.shards[h.Sum32()%shardCount]
}

// Register attaches a connection to its session, arms the keepalive and
// starts the write pump. A peer that stops answering pings misses its pong
// deadline and the read side fails instead of holding the slot until TCP
// notices.
func (r *Registry) Register(conn *websocket.Conn, sessionID, userID, username string) *Client {
	c := &Client{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		UserID:     userID,
		Username:   username,
		conn:       conn,
		send:       make(chan Frame, r.queueSize),
		done:       make(chan struct{}),
		log:        r.log,
		pingPeriod: r.pingPeriod,
		recent:     make(map[string]struct{}),
	}

	pongWait := r.pongWait
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	r.mu.Lock()
	r.clients[c.ID] = c
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]*Client)
	}
	r.bySession[sessionID][c.ID] = c
	r.subs[c.ID] = make(map[string]bool)
	r.mu.Unlock()

	metrics.WsConnections.Inc()
	go c.WritePump()
	return c
}

func (r *Registry) Subscribe(connID, roomID string) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	if ok {
		r.subs[connID][roomID] = true
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s := r.shard(roomID)
	s.mu.Lock()
	if s.rooms[roomID] == nil {
		s.rooms[roomID] = make(map[string]*Client)
	}
	s.rooms[roomID][connID] = c
	s.mu.Unlock()
}

func (r *Registry) Unsubscribe(connID, roomID string) {
	r.mu.Lock()
	if subs, ok := r.subs[connID]; ok {
		delete(subs, roomID)
	}
	r.mu.Unlock()

	s := r.shard(roomID)
	s.mu.Lock()
	if room, ok := s.rooms[roomID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(s.rooms, roomID)
		}
	}
	s.mu.Unlock()
}

// UnsubscribeUser drops every connection of the user from the room, used
// when a membership is removed (leave or kick).
func (r *Registry) UnsubscribeUser(roomID, userID string) {
	s := r.shard(roomID)
	s.mu.Lock()
	var dropped []string
	for connID, c := range s.rooms[roomID] {
		if c.UserID == userID {
			delete(s.rooms[roomID], connID)
			dropped = append(dropped, connID)
		}
	}
	if len(s.rooms[roomID]) == 0 {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()

	r.mu.Lock()
	for _, connID := range dropped {
		if subs, ok := r.subs[connID]; ok {
			delete(subs, roomID)
		}
	}
	r.mu.Unlock()
}

// SubscribeThenReplay implements the reconnect protocol: the connection
// becomes eligible for live broadcasts first, then the replay set is
// computed up to that boundary. A duplicate at the seam is possible and
// resolved by message-id dedup; a gap is not.
func (r *Registry) SubscribeThenReplay(ctx context.Context, c *Client, roomID, lastSeenID string) error {
	r.Subscribe(c.ID, roomID)

	replay, err := r.ledger.ReplaySince(ctx, roomID, lastSeenID)
	if err != nil {
		return err
	}

	upTo := lastSeenID
	for _, m := range replay {
		if !c.SendMessage(m) {
			break
		}
		upTo = m.ID
	}
	c.Send(Frame{Type: FrameReplayComplete, Data: ReplayCompletePayload{RoomID: roomID, UpToID: upTo}})
	return nil
}

func (r *Registry) roomClients(roomID string) []*Client {
	s := r.shard(roomID)
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.rooms[roomID]))
	for _, c := range s.rooms[roomID] {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	return clients
}

// Broadcast fans a frame out to the room's live subscribers and reports how
// many took it. A subscriber whose queue is full is disconnected instead of
// stalling the rest of the room.
func (r *Registry) Broadcast(roomID string, f Frame) int {
	delivered := 0
	for _, c := range r.roomClients(roomID) {
		if c.Send(f) {
			delivered++
		} else {
			r.dropSlow(c)
		}
	}
	return delivered
}

// BroadcastMessage is Broadcast for message_received frames, with duplicate
// suppression per connection.
func (r *Registry) BroadcastMessage(roomID string, m types.Message) int {
	delivered := 0
	for _, c := range r.roomClients(roomID) {
		if c.SendMessage(m) {
			delivered++
		} else {
			r.dropSlow(c)
		}
	}
	metrics.WsMessagesTotal.Inc()
	return delivered
}

func (r *Registry) dropSlow(c *Client) {
	r.log.Warn().Str("conn", c.ID).Str("user", c.UserID).Msg("outbound queue full, disconnecting slow client")
	c.Close()
	r.OnDisconnect(c.ID)
}

// OnDisconnect tears down every subscription of the connection.
func (r *Registry) OnDisconnect(connID string) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	roomIDs := make([]string, 0, len(r.subs[connID]))
	for roomID := range r.subs[connID] {
		roomIDs = append(roomIDs, roomID)
	}
	delete(r.clients, connID)
	delete(r.subs, connID)
	if conns, ok := r.bySession[c.SessionID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.bySession, c.SessionID)
		}
	}
	r.mu.Unlock()

	for _, roomID := range roomIDs {
		s := r.shard(roomID)
		s.mu.Lock()
		if room, ok := s.rooms[roomID]; ok {
			delete(room, connID)
			if len(room) == 0 {
				delete(s.rooms, roomID)
			}
		}
		s.mu.Unlock()
	}

	c.Close()
	metrics.WsConnections.Dec()
}

// DisconnectSession force-disconnects every live connection of a revoked
// session, telling the client to re-authenticate first.
func (r *Registry) DisconnectSession(sessionID string) {
	r.mu.RLock()
	conns := make([]*Client, 0, len(r.bySession[sessionID]))
	for _, c := range r.bySession[sessionID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Send(Frame{Type: FrameSessionRevoked})
		c.Close()
		r.OnDisconnect(c.ID)
	}
}

// HandleBusEvent applies an event published by another instance: record it
// for replay and fan it out locally. Own-origin events were already
// delivered at submit time.
func (r *Registry) HandleBusEvent(instanceID string, ev pubsub.Event) {
	if ev.Origin == instanceID {
		return
	}
	switch ev.Type {
	case FrameMessageReceived:
		if ev.Message == nil {
			return
		}
		r.ledger.Record(*ev.Message)
		r.BroadcastMessage(ev.RoomID, *ev.Message)
	case FrameMessageEdited, FrameMessageDeleted:
		if ev.Message == nil {
			return
		}
		r.Broadcast(ev.RoomID, Frame{Type: ev.Type, Data: MessagePayload{Message: *ev.Message}})
	case FrameUserJoinedChannel:
		r.Broadcast(ev.RoomID, Frame{Type: ev.Type, Data: ChannelUserPayload{ChannelID: ev.RoomID, UserID: ev.UserID}})
	case FrameUserLeftChannel:
		r.Broadcast(ev.RoomID, Frame{Type: ev.Type, Data: ChannelUserPayload{ChannelID: ev.RoomID, UserID: ev.UserID}})
		// The leave or kick happened on another instance; drop the member's
		// local subscriptions too.
		r.UnsubscribeUser(ev.RoomID, ev.UserID)
	case FrameUserTyping:
		r.Broadcast(ev.RoomID, Frame{Type: ev.Type, Data: TypingPayload{Target: ev.RoomID, UserID: ev.UserID}})
	}
}
