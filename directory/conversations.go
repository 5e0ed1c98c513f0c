package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"chatserver/errs"
	"chatserver/store"
	"chatserver/types"
)

// Resolver hands out direct conversation identities. A conversation is
// created lazily on the first message between two users; the unique index on
// the canonical participant pair is the source of truth.
type Resolver struct {
	store *store.Store
}

func NewResolver(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// Resolve returns the conversation for the pair, creating it if missing.
// Two users racing to start the same conversation both get the row whoever
// won the unique constraint committed.
func (r *Resolver) Resolve(ctx context.Context, userA, userB string) (types.Conversation, error) {
	if userA == userB {
		return types.Conversation{}, errs.New(errs.CodeMalformedTarget, "cannot start a conversation with yourself")
	}
	if other, err := r.store.GetUser(ctx, userB); err != nil || !other.Active {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return types.Conversation{}, errs.Wrap(errs.CodePersistenceUnavailable, "lookup participant", err)
		}
		return types.Conversation{}, errs.New(errs.CodeNotFound, "user not found")
	}

	conv, err := r.store.GetConversationByPair(ctx, userA, userB)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.Conversation{}, errs.Wrap(errs.CodePersistenceUnavailable, "lookup conversation", err)
	}

	a, b := store.CanonicalPair(userA, userB)
	conv = types.Conversation{ID: uuid.NewString(), ParticipantA: a, ParticipantB: b}
	err = r.store.CreateConversation(ctx, conv)
	if err == nil {
		return conv, nil
	}
	if errors.Is(err, store.ErrDuplicate) {
		// Lost the race; the winner's row is the conversation.
		conv, err = r.store.GetConversationByPair(ctx, userA, userB)
		if err != nil {
			return types.Conversation{}, errs.Wrap(errs.CodePersistenceUnavailable, "re-read conversation", err)
		}
		return conv, nil
	}
	return types.Conversation{}, errs.Wrap(errs.CodePersistenceUnavailable, "create conversation", err)
}

// Conversation looks up by id and checks the user participates.
func (r *Resolver) Conversation(ctx context.Context, id, userID string) (types.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return conv, errs.New(errs.CodeNotFound, "conversation not found")
		}
		return conv, errs.Wrap(errs.CodePersistenceUnavailable, "lookup conversation", err)
	}
	if conv.ParticipantA != userID && conv.ParticipantB != userID {
		return conv, errs.New(errs.CodeNotMember, "not a participant of this conversation")
	}
	return conv, nil
}

func (r *Resolver) ListFor(ctx context.Context, userID string) ([]types.Conversation, error) {
	convs, err := r.store.ListConversationsFor(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "list conversations", err)
	}
	return convs, nil
}
