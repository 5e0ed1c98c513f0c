package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatserver/types"
)

// recentWindow bounds the per-connection set of already-delivered message
// ids used for best-effort duplicate suppression around replay boundaries.
const recentWindow = 512

// Keepalive defaults: pings must go out well inside the pong deadline.
const (
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = 54 * time.Second
	writeWait         = 10 * time.Second
)

// Client is one live websocket connection. Outbound frames go through a
// bounded queue; a full queue marks the connection slow and it gets
// disconnected rather than blocking the room's fan-out.
type Client struct {
	ID        string
	SessionID string
	UserID    string
	Username  string

	conn       *websocket.Conn
	send       chan Frame
	done       chan struct{}
	once       sync.Once
	log        zerolog.Logger
	pingPeriod time.Duration

	mu          sync.Mutex
	recent      map[string]struct{}
	recentOrder []string
}

// Send queues a frame. Returns false when the outbound queue is full or the
// connection is closing.
func (c *Client) Send(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// SendMessage queues a message_received frame, suppressing ids this
// connection has already been sent. Clients still dedup by message id; this
// only trims the duplicates the subscribe-then-replay protocol can produce.
func (c *Client) SendMessage(m types.Message) bool {
	c.mu.Lock()
	if _, seen := c.recent[m.ID]; seen {
		c.mu.Unlock()
		return true
	}
	c.recent[m.ID] = struct{}{}
	c.recentOrder = append(c.recentOrder, m.ID)
	if len(c.recentOrder) > recentWindow {
		delete(c.recent, c.recentOrder[0])
		c.recentOrder = c.recentOrder[1:]
	}
	c.mu.Unlock()

	return c.Send(Frame{Type: FrameMessageReceived, Data: MessagePayload{Message: m}})
}

// Close signals the write pump to drop the connection. Safe to call more
// than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// WritePump owns the websocket write side: exactly one goroutine writes,
// including the keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case f := <-c.send:
			if err := c.conn.WriteJSON(f); err != nil {
				c.log.Debug().Err(err).Str("conn", c.ID).Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Str("conn", c.ID).Msg("ping failed")
				return
			}
		case <-c.done:
			// Flush anything queued before the close, e.g. the
			// session_revoked notice.
			for {
				select {
				case f := <-c.send:
					if err := c.conn.WriteJSON(f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
