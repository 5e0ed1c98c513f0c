package router

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatserver/directory"
	"chatserver/errs"
	"chatserver/hub"
	"chatserver/metrics"
	"chatserver/pubsub"
	"chatserver/store"
	"chatserver/types"
)

// Target names the room a submission is for: exactly one field set. A
// recipient target resolves (and lazily creates) the direct conversation
// with that user.
type Target struct {
	ChannelID      string `json:"channel_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
}

func (t Target) count() int {
	n := 0
	for _, v := range []string{t.ChannelID, t.ConversationID, t.RecipientID} {
		if v != "" {
			n++
		}
	}
	return n
}

// lockStripes fixes the room lock table size; unrelated rooms rarely share
// a stripe and the table never grows with the room count.
const lockStripes = 64

// Router validates, persists and fans out messages. Submissions for the
// same room are serialized so the room's commit order, bus order and local
// fan-out order all agree; distinct rooms proceed in parallel unless they
// hash to the same stripe.
type Router struct {
	store      *store.Store
	dir        *directory.Directory
	resolver   *directory.Resolver
	registry   *hub.Registry
	bus        pubsub.Bus
	instanceID string
	maxContent int
	log        zerolog.Logger
	now        func() time.Time

	roomLocks [lockStripes]sync.Mutex
}

func New(st *store.Store, dir *directory.Directory, resolver *directory.Resolver,
	registry *hub.Registry, bus pubsub.Bus, instanceID string, maxContent int, log zerolog.Logger) *Router {
	if maxContent <= 0 {
		maxContent = 5000
	}
	return &Router{
		store:      st,
		dir:        dir,
		resolver:   resolver,
		registry:   registry,
		bus:        bus,
		instanceID: instanceID,
		maxContent: maxContent,
		log:        log,
		now:        time.Now,
	}
}

// InstanceID identifies this process on the bus.
func (r *Router) InstanceID() string { return r.instanceID }

func (r *Router) roomLock(roomID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return &r.roomLocks[h.Sum32()%lockStripes]
}

func (r *Router) liveSession(ctx context.Context, sessionID string) (types.Session, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return sess, errs.New(errs.CodeTokenRevoked, "session not found")
		}
		return sess, errs.Wrap(errs.CodePersistenceUnavailable, "lookup session", err)
	}
	if sess.Revoked {
		return sess, errs.New(errs.CodeTokenRevoked, "session revoked")
	}
	if !r.now().Before(sess.ExpiresAt) {
		return sess, errs.New(errs.CodeTokenExpired, "session expired")
	}
	return sess, nil
}

// resolveTarget validates the sender against the target room and returns the
// message skeleton with the room reference set.
func (r *Router) resolveTarget(ctx context.Context, senderID string, target Target) (types.Message, error) {
	var m types.Message

	if target.count() != 1 {
		return m, errs.New(errs.CodeMalformedTarget, "exactly one of channel_id, conversation_id or recipient_id is required")
	}

	switch {
	case target.ChannelID != "":
		ch, err := r.dir.Channel(ctx, target.ChannelID)
		if err != nil {
			return m, err
		}
		if ch.Archived {
			return m, errs.New(errs.CodeMalformedTarget, "channel is archived")
		}
		membership, err := r.dir.Membership(ctx, ch.ID, senderID)
		if err != nil {
			return m, err
		}
		if membership.Muted {
			return m, errs.New(errs.CodeMuted, "you are muted in this channel")
		}
		m.ChannelID = ch.ID

	case target.ConversationID != "":
		conv, err := r.resolver.Conversation(ctx, target.ConversationID, senderID)
		if err != nil {
			return m, err
		}
		m.ConversationID = conv.ID

	default:
		conv, err := r.resolver.Resolve(ctx, senderID, target.RecipientID)
		if err != nil {
			return m, err
		}
		m.ConversationID = conv.ID
	}

	return m, nil
}

// SubmitMessage is the write path: validate, persist, publish, fan out,
// record for replay. Nothing is published before the durable write commits;
// a persistence failure aborts the whole call with no partial effect.
func (r *Router) SubmitMessage(ctx context.Context, sessionID string, target Target, content, clientMsgID string) (types.Message, error) {
	sess, err := r.liveSession(ctx, sessionID)
	if err != nil {
		return types.Message{}, err
	}
	sender, err := r.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return types.Message{}, errs.Wrap(errs.CodePersistenceUnavailable, "lookup sender", err)
	}
	if !sender.Active {
		return types.Message{}, errs.New(errs.CodeInsufficientRole, "account is deactivated")
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return types.Message{}, errs.New(errs.CodeMalformedTarget, "message content is empty")
	}
	// The bound counts characters, not bytes, so multibyte text is not
	// penalized.
	if utf8.RuneCountInString(content) > r.maxContent {
		return types.Message{}, errs.New(errs.CodeContentTooLong, "message content exceeds length bound")
	}

	m, err := r.resolveTarget(ctx, sender.ID, target)
	if err != nil {
		return types.Message{}, err
	}

	m.ID = uuid.NewString()
	m.SenderID = sender.ID
	m.SenderName = sender.Username
	m.Content = content
	m.Type = types.MessageTypeText
	m.ClientMsgID = clientMsgID

	roomID := m.RoomID()
	lock := r.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	m.CreatedAt = r.now().UTC()
	if err := r.store.InsertMessage(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicate) && clientMsgID != "" {
			// Idempotent retry: hand back what the first attempt committed.
			existing, err := r.store.GetMessageByClientID(ctx, sender.ID, clientMsgID)
			if err != nil {
				return types.Message{}, errs.Wrap(errs.CodePersistenceUnavailable, "resolve duplicate submission", err)
			}
			return existing, nil
		}
		return types.Message{}, errs.Wrap(errs.CodePersistenceUnavailable, "persist message", err)
	}

	metrics.MessagesSubmitted.Inc()
	r.fanOut(ctx, pubsub.Event{
		RoomID:  roomID,
		Origin:  r.instanceID,
		Type:    hub.FrameMessageReceived,
		Message: &m,
	})
	return m, nil
}

// fanOut publishes to the bus and delivers locally. Called with the room
// lock held so bus order per room matches commit order.
func (r *Router) fanOut(ctx context.Context, ev pubsub.Event) {
	if err := r.bus.Publish(ctx, ev); err != nil {
		// The message is already durable; retry off the request path and
		// never surface the failure to the caller.
		r.log.Warn().Err(err).Str("room", ev.RoomID).Msg("bus publish failed, retrying in background")
		go r.republish(ev)
	}

	switch ev.Type {
	case hub.FrameMessageReceived:
		r.registry.Ledger().Record(*ev.Message)
		r.registry.BroadcastMessage(ev.RoomID, *ev.Message)
	case hub.FrameMessageEdited, hub.FrameMessageDeleted:
		r.registry.Broadcast(ev.RoomID, hub.Frame{Type: ev.Type, Data: hub.MessagePayload{Message: *ev.Message}})
	case hub.FrameUserJoinedChannel, hub.FrameUserLeftChannel:
		r.registry.Broadcast(ev.RoomID, hub.Frame{Type: ev.Type, Data: hub.ChannelUserPayload{ChannelID: ev.RoomID, UserID: ev.UserID}})
	case hub.FrameUserTyping:
		r.registry.Broadcast(ev.RoomID, hub.Frame{Type: ev.Type, Data: hub.TypingPayload{Target: ev.RoomID, UserID: ev.UserID}})
	}
}

const (
	republishAttempts = 5
	republishBase     = 250 * time.Millisecond
)

func (r *Router) republish(ev pubsub.Event) {
	delay := republishBase
	for attempt := 1; attempt <= republishAttempts; attempt++ {
		time.Sleep(delay)
		delay *= 2
		metrics.BusRepublishRetries.Inc()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.bus.Publish(ctx, ev)
		cancel()
		if err == nil {
			return
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Str("room", ev.RoomID).Msg("bus republish failed")
	}
	// Give up: the message stays retrievable via history, remote live
	// delivery for it is lost.
	r.log.Error().Str("room", ev.RoomID).Msg("bus republish exhausted, relying on history")
}
