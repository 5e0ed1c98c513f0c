package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatserver/errs"
	"chatserver/hub"
	"chatserver/router"
)

const maxFrameBytes = 1 << 16

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced at the gin layer
	},
}

// inboundFrame defers payload decoding until the frame type is known.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinChannelPayload struct {
	ChannelID  string `json:"channel_id"`
	LastSeenID string `json:"last_seen_id"`
}

type sendMessagePayload struct {
	Target      router.Target `json:"target"`
	Content     string        `json:"content"`
	ClientMsgID string        `json:"client_msg_id"`
}

type openConversationPayload struct {
	UserID     string `json:"user_id"`
	LastSeenID string `json:"last_seen_id"`
}

type typingRequestPayload struct {
	Target router.Target `json:"target"`
}

func SetupWebSocketRoutes(r *gin.Engine, d Deps) {
	r.GET("/ws", d.handleSocket)
}

// handleSocket authenticates the connection, upgrades it, and runs the read
// loop until the peer goes away. Browsers cannot set headers on a websocket
// dial, so the token rides in the query string.
func (d Deps) handleSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	claims, err := d.Auth.ValidateAccessToken(c.Request.Context(), token)
	if err != nil {
		writeError(c, err)
		return
	}
	user, err := d.Store.GetUser(c.Request.Context(), claims.UserID)
	if err != nil {
		writeError(c, errs.Wrap(errs.CodeNotFound, "user not found", err))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	client := d.Registry.Register(conn, claims.SessionID, claims.UserID, user.Username)
	defer d.Registry.OnDisconnect(client.ID)

	// The request context dies with the HTTP handler machinery once the
	// connection is hijacked, so frame handling runs on its own context.
	ctx := context.Background()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f inboundFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			sendError(client, errs.New(errs.CodeMalformedTarget, "malformed frame"), "")
			continue
		}
		d.dispatch(ctx, client, f)
	}
}

func (d Deps) dispatch(ctx context.Context, client *hub.Client, f inboundFrame) {
	switch f.Type {
	case hub.FrameJoinChannel:
		var p joinChannelPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.ChannelID == "" {
			sendError(client, errs.New(errs.CodeMalformedTarget, "channel_id is required"), "")
			return
		}
		d.joinChannel(ctx, client, p)

	case hub.FrameLeaveChannel:
		var p joinChannelPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.ChannelID == "" {
			sendError(client, errs.New(errs.CodeMalformedTarget, "channel_id is required"), "")
			return
		}
		if err := d.Dir.Leave(ctx, client.UserID, p.ChannelID); err != nil {
			sendError(client, err, "")
			return
		}
		d.Registry.Unsubscribe(client.ID, p.ChannelID)
		if user, err := d.Store.GetUser(ctx, client.UserID); err == nil {
			d.Router.AnnounceMembership(ctx, p.ChannelID, user, false)
		}

	case hub.FrameSendMessage:
		var p sendMessagePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			sendError(client, errs.New(errs.CodeMalformedTarget, "malformed frame"), "")
			return
		}
		m, err := d.Router.SubmitMessage(ctx, client.SessionID, p.Target, p.Content, p.ClientMsgID)
		if err != nil {
			sendError(client, err, p.ClientMsgID)
			return
		}
		// Direct ack; the recent-id window suppresses the duplicate when
		// the sender is also subscribed to the room.
		client.SendMessage(m)

	case hub.FrameOpenConversation:
		var p openConversationPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.UserID == "" {
			sendError(client, errs.New(errs.CodeMalformedTarget, "user_id is required"), "")
			return
		}
		conv, err := d.Resolver.Resolve(ctx, client.UserID, p.UserID)
		if err != nil {
			sendError(client, err, "")
			return
		}
		if err := d.Registry.SubscribeThenReplay(ctx, client, conv.ID, p.LastSeenID); err != nil {
			sendError(client, err, "")
		}

	case hub.FrameStartTyping:
		var p typingRequestPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			sendError(client, errs.New(errs.CodeMalformedTarget, "malformed frame"), "")
			return
		}
		if err := d.Router.NotifyTyping(ctx, client.SessionID, p.Target); err != nil {
			sendError(client, err, "")
		}

	default:
		sendError(client, errs.New(errs.CodeMalformedTarget, "unknown frame type"), "")
	}
}

// joinChannel doubles as the reconnect path: an existing member is
// resubscribed and replayed, a newcomer is joined first.
func (d Deps) joinChannel(ctx context.Context, client *hub.Client, p joinChannelPayload) {
	_, err := d.Dir.Membership(ctx, p.ChannelID, client.UserID)
	switch {
	case err == nil:
		// already a member, fall through to subscribe
	case errs.Is(err, errs.CodeNotMember):
		if _, err := d.Dir.Join(ctx, client.UserID, p.ChannelID); err != nil {
			sendError(client, err, "")
			return
		}
		if user, err := d.Store.GetUser(ctx, client.UserID); err == nil {
			d.Router.AnnounceMembership(ctx, p.ChannelID, user, true)
		}
	default:
		sendError(client, err, "")
		return
	}

	if err := d.Registry.SubscribeThenReplay(ctx, client, p.ChannelID, p.LastSeenID); err != nil {
		sendError(client, err, "")
	}
}

func sendError(client *hub.Client, err error, clientMsgID string) {
	code, message := errs.CodePersistenceUnavailable, "internal error"
	var e *errs.Error
	if errors.As(err, &e) {
		code, message = e.Code, e.Message
	}
	client.Send(hub.Frame{Type: hub.FrameError, Data: hub.ErrorPayload{
		Code:        string(code),
		Message:     message,
		ClientMsgID: clientMsgID,
	}})
}
