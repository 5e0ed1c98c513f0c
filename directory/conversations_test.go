package directory

import (
	"context"
	"sync"
	"testing"

	"chatserver/errs"
	"chatserver/types"
)

func TestResolveCreatesOnce(t *testing.T) {
	_, st := newTestDirectory(t)
	r := NewResolver(st)
	ctx := context.Background()

	alice := createUserWithRole(t, st, "alice", "user")
	bob := createUserWithRole(t, st, "bob", "user")

	first, err := r.Resolve(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Same pair from the other side lands on the same conversation.
	second, err := r.Resolve(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("resolve reversed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one conversation, got %s and %s", first.ID, second.ID)
	}
}

func TestResolveValidation(t *testing.T) {
	_, st := newTestDirectory(t)
	r := NewResolver(st)
	ctx := context.Background()

	alice := createUserWithRole(t, st, "alice", "user")

	_, err := r.Resolve(ctx, alice.ID, alice.ID)
	expectCode(t, err, errs.CodeMalformedTarget)

	_, err = r.Resolve(ctx, alice.ID, "no-such-user")
	expectCode(t, err, errs.CodeNotFound)
}

func TestResolveConcurrentFirstMessage(t *testing.T) {
	_, st := newTestDirectory(t)
	r := NewResolver(st)
	ctx := context.Background()

	alice := createUserWithRole(t, st, "alice", "user")
	bob := createUserWithRole(t, st, "bob", "user")

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan types.Conversation, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		a, b := alice.ID, bob.ID
		if i%2 == 1 {
			a, b = b, a
		}
		go func(userA, userB string) {
			defer wg.Done()
			conv, err := r.Resolve(ctx, userA, userB)
			if err != nil {
				t.Errorf("concurrent resolve: %v", err)
				return
			}
			results <- conv
		}(a, b)
	}
	wg.Wait()
	close(results)

	ids := map[string]bool{}
	for conv := range results {
		ids[conv.ID] = true
	}
	if len(ids) != 1 {
		t.Fatalf("expected a single conversation, got %d distinct ids", len(ids))
	}
}

func TestConversationParticipantCheck(t *testing.T) {
	_, st := newTestDirectory(t)
	r := NewResolver(st)
	ctx := context.Background()

	alice := createUserWithRole(t, st, "alice", "user")
	bob := createUserWithRole(t, st, "bob", "user")
	eve := createUserWithRole(t, st, "eve", "user")

	conv, err := r.Resolve(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := r.Conversation(ctx, conv.ID, alice.ID); err != nil {
		t.Fatalf("participant lookup: %v", err)
	}
	_, err = r.Conversation(ctx, conv.ID, eve.ID)
	expectCode(t, err, errs.CodeNotMember)
}
