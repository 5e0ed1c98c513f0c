package router

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"chatserver/errs"
	"chatserver/hub"
	"chatserver/pubsub"
	"chatserver/store"
	"chatserver/types"
)

// EditMessage updates a message's content. Only the sender may edit.
func (r *Router) EditMessage(ctx context.Context, sessionID, messageID, content string) (types.Message, error) {
	sess, err := r.liveSession(ctx, sessionID)
	if err != nil {
		return types.Message{}, err
	}

	m, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Message{}, errs.New(errs.CodeNotFound, "message not found")
		}
		return types.Message{}, errs.Wrap(errs.CodePersistenceUnavailable, "lookup message", err)
	}
	if m.SenderID != sess.UserID {
		return types.Message{}, errs.New(errs.CodeInsufficientRole, "only the sender can edit a message")
	}
	if content == "" || utf8.RuneCountInString(content) > r.maxContent {
		return types.Message{}, errs.New(errs.CodeContentTooLong, "message content out of bounds")
	}

	lock := r.roomLock(m.RoomID())
	lock.Lock()
	defer lock.Unlock()

	editedAt := r.now().UTC()
	if err := r.store.UpdateMessageContent(ctx, m.ID, content, editedAt); err != nil {
		return types.Message{}, errs.Wrap(errs.CodePersistenceUnavailable, "edit message", err)
	}
	m.Content = content
	m.EditedAt = &editedAt

	r.fanOut(ctx, pubsub.Event{
		RoomID:  m.RoomID(),
		Origin:  r.instanceID,
		Type:    hub.FrameMessageEdited,
		Message: &m,
	})
	return m, nil
}

// DeleteMessage soft-deletes. Allowed for the sender, or an actor whose role
// carries the delete-messages capability.
func (r *Router) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	sess, err := r.liveSession(ctx, sessionID)
	if err != nil {
		return err
	}

	m, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.New(errs.CodeNotFound, "message not found")
		}
		return errs.Wrap(errs.CodePersistenceUnavailable, "lookup message", err)
	}

	if m.SenderID != sess.UserID {
		actor, err := r.store.GetUser(ctx, sess.UserID)
		if err != nil {
			return errs.Wrap(errs.CodePersistenceUnavailable, "lookup actor", err)
		}
		role, err := r.store.GetRole(ctx, actor.RoleID)
		if err != nil {
			return errs.Wrap(errs.CodePersistenceUnavailable, "lookup role", err)
		}
		if !role.Has(types.CapDeleteMessages) {
			return errs.New(errs.CodeInsufficientRole, "not allowed to delete this message")
		}
	}

	lock := r.roomLock(m.RoomID())
	lock.Lock()
	defer lock.Unlock()

	if err := r.store.MarkMessageDeleted(ctx, m.ID); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "delete message", err)
	}
	m.Deleted = true

	r.fanOut(ctx, pubsub.Event{
		RoomID:  m.RoomID(),
		Origin:  r.instanceID,
		Type:    hub.FrameMessageDeleted,
		Message: &m,
	})
	return nil
}

// History pages a room's messages backwards from the cursor. The caller must
// be a member of the channel or a participant of the conversation.
func (r *Router) History(ctx context.Context, sessionID string, target Target, beforeID string, limit int) ([]types.Message, error) {
	sess, err := r.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m, err := r.resolveHistoryTarget(ctx, sess.UserID, target)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	msgs, err := r.store.ListMessagesBefore(ctx, m.RoomID(), beforeID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "load history", err)
	}
	return msgs, nil
}

// resolveHistoryTarget is resolveTarget minus the mute check: muted members
// can still read.
func (r *Router) resolveHistoryTarget(ctx context.Context, userID string, target Target) (types.Message, error) {
	var m types.Message
	switch {
	case target.ChannelID != "":
		if _, err := r.dir.Membership(ctx, target.ChannelID, userID); err != nil {
			return m, err
		}
		m.ChannelID = target.ChannelID
	case target.ConversationID != "":
		conv, err := r.resolver.Conversation(ctx, target.ConversationID, userID)
		if err != nil {
			return m, err
		}
		m.ConversationID = conv.ID
	default:
		return m, errs.New(errs.CodeMalformedTarget, "channel_id or conversation_id is required")
	}
	return m, nil
}

// AnnounceMembership persists a join/leave system message for the channel
// and fans out the membership event alongside it.
func (r *Router) AnnounceMembership(ctx context.Context, channelID string, user types.UserData, joined bool) {
	msgType := types.MessageTypeJoin
	frameType := hub.FrameUserJoinedChannel
	verb := "joined"
	if !joined {
		msgType = types.MessageTypeLeave
		frameType = hub.FrameUserLeftChannel
		verb = "left"
	}

	lock := r.roomLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	m := types.Message{
		ID:         uuid.NewString(),
		SenderID:   user.ID,
		SenderName: user.Username,
		ChannelID:  channelID,
		Content:    fmt.Sprintf("%s has %s the channel", user.Username, verb),
		Type:       msgType,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.InsertMessage(ctx, m); err != nil {
		r.log.Warn().Err(err).Str("channel", channelID).Msg("persist membership notice failed")
		return
	}

	r.fanOut(ctx, pubsub.Event{
		RoomID:  channelID,
		Origin:  r.instanceID,
		Type:    hub.FrameMessageReceived,
		Message: &m,
	})
	r.fanOut(ctx, pubsub.Event{
		RoomID: channelID,
		Origin: r.instanceID,
		Type:   frameType,
		UserID: user.ID,
	})
}

// NotifyTyping fans out a typing indicator; nothing is persisted.
func (r *Router) NotifyTyping(ctx context.Context, sessionID string, target Target) error {
	sess, err := r.liveSession(ctx, sessionID)
	if err != nil {
		return err
	}
	m, err := r.resolveHistoryTarget(ctx, sess.UserID, target)
	if err != nil {
		return err
	}
	r.fanOut(ctx, pubsub.Event{
		RoomID: m.RoomID(),
		Origin: r.instanceID,
		Type:   hub.FrameUserTyping,
		UserID: sess.UserID,
	})
	return nil
}
