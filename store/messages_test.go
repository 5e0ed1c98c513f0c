package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"chatserver/types"
)

func insertTestMessages(t *testing.T, s *Store, senderID, channelID string, n int) []types.Message {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := make([]types.Message, 0, n)
	for i := 0; i < n; i++ {
		m := types.Message{
			ID:        uuid.NewString(),
			SenderID:  senderID,
			ChannelID: channelID,
			Content:   fmt.Sprintf("message %d", i),
			Type:      types.MessageTypeText,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.InsertMessage(context.Background(), m); err != nil {
			t.Fatalf("insert message %d: %v", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestListMessagesBeforePagination(t *testing.T) {
	s := openTestStore(t)
	alice := createTestUser(t, s, "alice")
	ch := createTestChannel(t, s, "general", 100)
	msgs := insertTestMessages(t, s, alice.ID, ch.ID, 5)

	// Newest page first, ascending within the page.
	page, err := s.ListMessagesBefore(context.Background(), ch.ID, "", 3)
	if err != nil {
		t.Fatalf("list newest page: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(page))
	}
	for i, m := range page {
		if m.ID != msgs[i+2].ID {
			t.Fatalf("page[%d] = %s, want %s", i, m.Content, msgs[i+2].Content)
		}
	}

	// Page backwards from the oldest message of the first page.
	prev, err := s.ListMessagesBefore(context.Background(), ch.ID, page[0].ID, 3)
	if err != nil {
		t.Fatalf("list previous page: %v", err)
	}
	if len(prev) != 2 {
		t.Fatalf("expected 2 earlier messages, got %d", len(prev))
	}
	if prev[0].ID != msgs[0].ID || prev[1].ID != msgs[1].ID {
		t.Fatalf("unexpected earlier page: %s, %s", prev[0].Content, prev[1].Content)
	}
}

func TestListMessagesAfterReplayOrder(t *testing.T) {
	s := openTestStore(t)
	alice := createTestUser(t, s, "alice")
	ch := createTestChannel(t, s, "general", 100)
	msgs := insertTestMessages(t, s, alice.ID, ch.ID, 4)

	tail, err := s.ListMessagesAfter(context.Background(), ch.ID, msgs[1].ID, 0)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 messages after cursor, got %d", len(tail))
	}
	if tail[0].ID != msgs[2].ID || tail[1].ID != msgs[3].ID {
		t.Fatalf("replay out of order: %s, %s", tail[0].Content, tail[1].Content)
	}
}

func TestDuplicateClientMsgID(t *testing.T) {
	s := openTestStore(t)
	alice := createTestUser(t, s, "alice")
	ch := createTestChannel(t, s, "general", 100)

	first := types.Message{
		ID:          uuid.NewString(),
		SenderID:    alice.ID,
		ChannelID:   ch.ID,
		Content:     "hello",
		Type:        types.MessageTypeText,
		CreatedAt:   time.Now().UTC(),
		ClientMsgID: "client-1",
	}
	if err := s.InsertMessage(context.Background(), first); err != nil {
		t.Fatalf("insert first: %v", err)
	}

	retry := first
	retry.ID = uuid.NewString()
	if err := s.InsertMessage(context.Background(), retry); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate on retried client_msg_id, got %v", err)
	}

	got, err := s.GetMessageByClientID(context.Background(), alice.ID, "client-1")
	if err != nil {
		t.Fatalf("get by client id: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected original message %s, got %s", first.ID, got.ID)
	}
}

func TestMessagesWithoutClientIDAreNotDeduped(t *testing.T) {
	s := openTestStore(t)
	alice := createTestUser(t, s, "alice")
	ch := createTestChannel(t, s, "general", 100)

	for i := 0; i < 2; i++ {
		m := types.Message{
			ID:        uuid.NewString(),
			SenderID:  alice.ID,
			ChannelID: ch.ID,
			Content:   "same content",
			Type:      types.MessageTypeText,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.InsertMessage(context.Background(), m); err != nil {
			t.Fatalf("insert %d without client id: %v", i, err)
		}
	}
}

func TestMarkMessageDeletedHidesFromHistory(t *testing.T) {
	s := openTestStore(t)
	alice := createTestUser(t, s, "alice")
	ch := createTestChannel(t, s, "general", 100)
	msgs := insertTestMessages(t, s, alice.ID, ch.ID, 3)

	if err := s.MarkMessageDeleted(context.Background(), msgs[1].ID); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	page, err := s.ListMessagesBefore(context.Background(), ch.ID, "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected deleted message to be filtered, got %d rows", len(page))
	}
	for _, m := range page {
		if m.ID == msgs[1].ID {
			t.Fatalf("deleted message still visible")
		}
	}
}
