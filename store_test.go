package parley

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("cannot open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var storeEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func storeConversation(id string, minutesAgo int) Conversation {
	at := storeEpoch.Add(-time.Duration(minutesAgo) * time.Minute)
	return Conversation{
		ID:        id,
		Title:     "Conversation " + id,
		OwnerID:   "user-001",
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func storeMessage(id, conversationID string, offset int) Message {
	at := storeEpoch.Add(time.Duration(offset) * time.Second)
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        "message " + id,
		Status:         MessageSent,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// ============================================================================
// Conversations
// ============================================================================

func TestSQLiteStoreConversations(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trip", func(t *testing.T) {
		s := openTestStore(t)
		purpose := "support"
		c := storeConversation("abc", 0)
		c.Description = "hello"
		c.Starred = true
		c.SystemGenerated = true
		c.SystemPurpose = &purpose
		c.Unread = true

		if err := s.PutConversation(ctx, c); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := s.Conversation(ctx, "abc")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got == nil {
			t.Fatal("expected conversation")
		}
		if got.Title != c.Title || !got.Starred || !got.SystemGenerated || !got.Unread {
			t.Fatalf("fields lost: %+v", got)
		}
		if got.SystemPurpose == nil || *got.SystemPurpose != "support" {
			t.Fatalf("system purpose lost: %v", got.SystemPurpose)
		}
		if !got.CreatedAt.Equal(c.CreatedAt) || !got.UpdatedAt.Equal(c.UpdatedAt) {
			t.Fatalf("timestamps drifted: %v / %v", got.CreatedAt, got.UpdatedAt)
		}
	})

	t.Run("missing id returns nil", func(t *testing.T) {
		s := openTestStore(t)
		got, err := s.Conversation(ctx, "ghost")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil, got %+v", got)
		}
	})

	t.Run("idempotent merge", func(t *testing.T) {
		s := openTestStore(t)
		page := []Conversation{
			storeConversation("a", 30),
			storeConversation("b", 20),
			storeConversation("c", 10),
		}
		if err := s.PutConversations(ctx, page); err != nil {
			t.Fatalf("first put: %v", err)
		}
		if err := s.PutConversations(ctx, page); err != nil {
			t.Fatalf("second put: %v", err)
		}

		got, err := s.Conversations(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 records after applying the page twice, got %d", len(got))
		}
		for i, want := range []string{"c", "b", "a"} {
			if got[i].ID != want {
				t.Fatalf("position %d: expected %s, got %s", i, want, got[i].ID)
			}
		}
	})

	t.Run("upsert overwrites stale fields", func(t *testing.T) {
		s := openTestStore(t)
		c := storeConversation("abc", 10)
		if err := s.PutConversation(ctx, c); err != nil {
			t.Fatalf("put: %v", err)
		}

		c.Title = "Renamed"
		c.Starred = true
		c.UpdatedAt = storeEpoch
		if err := s.PutConversation(ctx, c); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		got, _ := s.Conversation(ctx, "abc")
		if got.Title != "Renamed" || !got.Starred {
			t.Fatalf("stale fields survived: %+v", got)
		}
	})

	t.Run("updatedAt clamped to createdAt", func(t *testing.T) {
		s := openTestStore(t)
		c := storeConversation("abc", 0)
		c.UpdatedAt = c.CreatedAt.Add(-time.Hour)
		if err := s.PutConversation(ctx, c); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, _ := s.Conversation(ctx, "abc")
		if got.UpdatedAt.Before(got.CreatedAt) {
			t.Fatalf("updatedAt %v before createdAt %v", got.UpdatedAt, got.CreatedAt)
		}
	})

	t.Run("empty bulk put is a no-op", func(t *testing.T) {
		s := openTestStore(t)
		if err := s.PutConversations(ctx, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

// ============================================================================
// Cascading delete
// ============================================================================

func TestSQLiteStoreDeleteConversation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.PutConversation(ctx, storeConversation("abc", 0)); err != nil {
		t.Fatalf("put conversation: %v", err)
	}
	if err := s.PutConversation(ctx, storeConversation("other", 0)); err != nil {
		t.Fatalf("put conversation: %v", err)
	}
	msgs := []Message{
		storeMessage("m1", "abc", 10),
		storeMessage("m2", "abc", 20),
		storeMessage("m3", "abc", 30),
		storeMessage("kept", "other", 10),
	}
	if err := s.PutMessages(ctx, msgs); err != nil {
		t.Fatalf("put messages: %v", err)
	}

	if err := s.DeleteConversation(ctx, "abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if got, _ := s.Conversation(ctx, "abc"); got != nil {
		t.Fatal("conversation still present")
	}
	if got, _ := s.Messages(ctx, "abc"); len(got) != 0 {
		t.Fatalf("expected cascade to remove messages, found %d", len(got))
	}
	if got, _ := s.Messages(ctx, "other"); len(got) != 1 {
		t.Fatalf("unrelated conversation lost messages: %d", len(got))
	}
}

// ============================================================================
// Messages
// ============================================================================

func TestSQLiteStoreMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("creation order", func(t *testing.T) {
		s := openTestStore(t)
		if err := s.PutMessages(ctx, []Message{
			storeMessage("m3", "abc", 30),
			storeMessage("m1", "abc", 10),
			storeMessage("m2", "abc", 20),
		}); err != nil {
			t.Fatalf("put: %v", err)
		}

		got, err := s.Messages(ctx, "abc")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 3 || got[0].ID != "m1" || got[1].ID != "m2" || got[2].ID != "m3" {
			t.Fatalf("unexpected order: %+v", got)
		}
	})

	t.Run("metadata round-trips opaquely", func(t *testing.T) {
		s := openTestStore(t)
		m := storeMessage("m1", "abc", 0)
		m.Metadata = json.RawMessage(`{"tool":"search","args":{"q":"weather"}}`)
		m.ServerMessageID = "srv-001"
		if err := s.PutMessage(ctx, m); err != nil {
			t.Fatalf("put: %v", err)
		}

		got, _ := s.Messages(ctx, "abc")
		if len(got) != 1 {
			t.Fatalf("expected 1 message, got %d", len(got))
		}
		var meta map[string]any
		if err := json.Unmarshal(got[0].Metadata, &meta); err != nil {
			t.Fatalf("metadata corrupted: %v", err)
		}
		if meta["tool"] != "search" {
			t.Fatalf("metadata lost: %s", got[0].Metadata)
		}
		if got[0].ServerMessageID != "srv-001" {
			t.Fatalf("server id lost: %s", got[0].ServerMessageID)
		}
	})

	t.Run("delete by conversation", func(t *testing.T) {
		s := openTestStore(t)
		if err := s.PutMessages(ctx, []Message{storeMessage("m1", "abc", 0), storeMessage("m2", "abc", 1)}); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.DeleteMessages(ctx, "abc"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if got, _ := s.Messages(ctx, "abc"); len(got) != 0 {
			t.Fatalf("messages survived delete: %d", len(got))
		}
	})
}

// ============================================================================
// Notifications
// ============================================================================

func TestSQLiteStoreNotifications(t *testing.T) {
	ctx := context.Background()

	t.Run("actions round-trip", func(t *testing.T) {
		s := openTestStore(t)
		readAt := storeEpoch.Add(time.Minute)
		n := Notification{
			ID:     "ntf-001",
			Status: NotificationRead,
			Title:  "New reply",
			Body:   "Someone replied",
			Actions: []NotificationAction{
				{Label: "Open", URL: "https://app.parley.chat/c/abc", Kind: "link"},
				{Label: "Dismiss", Kind: "dismiss"},
			},
			CreatedAt: storeEpoch,
			ReadAt:    &readAt,
		}
		if err := s.PutNotification(ctx, n); err != nil {
			t.Fatalf("put: %v", err)
		}

		got, err := s.Notifications(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 notification, got %d", len(got))
		}
		if len(got[0].Actions) != 2 || got[0].Actions[0].Label != "Open" || got[0].Actions[1].Kind != "dismiss" {
			t.Fatalf("actions lost: %+v", got[0].Actions)
		}
		if got[0].ReadAt == nil || !got[0].ReadAt.Equal(readAt) {
			t.Fatalf("readAt lost: %v", got[0].ReadAt)
		}
	})

	t.Run("newest first", func(t *testing.T) {
		s := openTestStore(t)
		if err := s.PutNotifications(ctx, []Notification{
			{ID: "n1", Status: NotificationDelivered, CreatedAt: storeEpoch.Add(-time.Hour)},
			{ID: "n2", Status: NotificationDelivered, CreatedAt: storeEpoch},
		}); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, _ := s.Notifications(ctx)
		if got[0].ID != "n2" || got[1].ID != "n1" {
			t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := openTestStore(t)
		if err := s.PutNotification(ctx, Notification{ID: "n1", Status: NotificationDelivered, CreatedAt: storeEpoch}); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.DeleteNotification(ctx, "n1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if got, _ := s.Notifications(ctx); len(got) != 0 {
			t.Fatal("notification survived delete")
		}
	})
}

// ============================================================================
// Wipe
// ============================================================================

func TestSQLiteStoreWipe(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.PutConversation(ctx, storeConversation("abc", 0)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutMessage(ctx, storeMessage("m1", "abc", 0)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutNotification(ctx, Notification{ID: "n1", Status: NotificationDelivered, CreatedAt: storeEpoch}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.Wipe(ctx); err != nil {
		t.Fatalf("wipe: %v", err)
	}

	if got, _ := s.Conversations(ctx); len(got) != 0 {
		t.Fatal("conversations survived wipe")
	}
	if got, _ := s.Messages(ctx, "abc"); len(got) != 0 {
		t.Fatal("messages survived wipe")
	}
	if got, _ := s.Notifications(ctx); len(got) != 0 {
		t.Fatal("notifications survived wipe")
	}
}

// ============================================================================
// MemoryStore parity
// ============================================================================

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent merge", func(t *testing.T) {
		s := NewMemoryStore()
		page := []Conversation{storeConversation("a", 20), storeConversation("b", 10)}
		if err := s.PutConversations(ctx, page); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := s.PutConversations(ctx, page); err != nil {
			t.Fatalf("put again: %v", err)
		}
		got, _ := s.Conversations(ctx)
		if len(got) != 2 {
			t.Fatalf("expected 2, got %d", len(got))
		}
	})

	t.Run("cascade delete", func(t *testing.T) {
		s := NewMemoryStore()
		_ = s.PutConversation(ctx, storeConversation("abc", 0))
		_ = s.PutMessages(ctx, []Message{storeMessage("m1", "abc", 0), storeMessage("m2", "abc", 1)})

		if err := s.DeleteConversation(ctx, "abc"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if got, _ := s.Messages(ctx, "abc"); len(got) != 0 {
			t.Fatal("messages survived cascade")
		}
	})

	t.Run("message order matches sqlite", func(t *testing.T) {
		s := NewMemoryStore()
		_ = s.PutMessages(ctx, []Message{
			storeMessage("m2", "abc", 20),
			storeMessage("m1", "abc", 10),
		})
		got, _ := s.Messages(ctx, "abc")
		if got[0].ID != "m1" || got[1].ID != "m2" {
			t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
		}
	})

	t.Run("wipe", func(t *testing.T) {
		s := NewMemoryStore()
		_ = s.PutConversation(ctx, storeConversation("abc", 0))
		_ = s.PutNotification(ctx, Notification{ID: "n1", Status: NotificationDelivered, CreatedAt: storeEpoch})
		if err := s.Wipe(ctx); err != nil {
			t.Fatalf("wipe: %v", err)
		}
		if got, _ := s.Conversations(ctx); len(got) != 0 {
			t.Fatal("conversations survived wipe")
		}
		if got, _ := s.Notifications(ctx); len(got) != 0 {
			t.Fatal("notifications survived wipe")
		}
	})
}
