package parley

import (
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var stateEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func makeConversation(id string, minutesAgo int) Conversation {
	at := stateEpoch.Add(-time.Duration(minutesAgo) * time.Minute)
	return Conversation{ID: id, Title: "Conversation " + id, CreatedAt: at, UpdatedAt: at}
}

func makeMessage(id, conversationID string, offset int) Message {
	at := stateEpoch.Add(time.Duration(offset) * time.Second)
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
// Subscriptions
// ============================================================================

func TestStateSubscribe(t *testing.T) {
	t.Run("notified before mutator returns", func(t *testing.T) {
		s := NewState()
		var got []Change
		s.Subscribe(func(c Change) { got = append(got, c) })

		s.UpsertConversation(makeConversation("abc", 0))
		if len(got) != 1 || got[0].Kind != ChangeConversations {
			t.Fatalf("expected one conversations change, got %+v", got)
		}
	})

	t.Run("subscriber reads back without deadlock", func(t *testing.T) {
		s := NewState()
		var seen int
		s.Subscribe(func(c Change) { seen = len(s.Conversations()) })

		s.UpsertConversation(makeConversation("abc", 0))
		if seen != 1 {
			t.Fatalf("expected subscriber to see 1 conversation, saw %d", seen)
		}
	})

	t.Run("cancel stops delivery", func(t *testing.T) {
		s := NewState()
		calls := 0
		cancel := s.Subscribe(func(Change) { calls++ })

		s.UpsertConversation(makeConversation("abc", 0))
		cancel()
		s.UpsertConversation(makeConversation("def", 0))
		if calls != 1 {
			t.Fatalf("expected 1 call after cancel, got %d", calls)
		}
	})

	t.Run("panicking subscriber does not break others", func(t *testing.T) {
		s := NewState()
		ok := false
		s.Subscribe(func(Change) { panic("boom") })
		s.Subscribe(func(Change) { ok = true })

		s.UpsertConversation(makeConversation("abc", 0))
		if !ok {
			t.Fatal("second subscriber not called")
		}
	})
}

// ============================================================================
// Conversations
// ============================================================================

func TestStateConversations(t *testing.T) {
	t.Run("set replaces collection", func(t *testing.T) {
		s := NewState()
		s.SetConversations([]Conversation{makeConversation("old", 10)})
		s.SetConversations([]Conversation{makeConversation("a", 5), makeConversation("b", 1)})

		if _, ok := s.Conversation("old"); ok {
			t.Fatal("expected old conversation gone after set")
		}
		if len(s.Conversations()) != 2 {
			t.Fatalf("expected 2 conversations, got %d", len(s.Conversations()))
		}
	})

	t.Run("ordered by UpdatedAt descending", func(t *testing.T) {
		s := NewState()
		s.SetConversations([]Conversation{
			makeConversation("older", 30),
			makeConversation("newest", 1),
			makeConversation("middle", 10),
		})
		got := s.Conversations()
		if got[0].ID != "newest" || got[1].ID != "middle" || got[2].ID != "older" {
			t.Fatalf("unexpected order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
		}
	})

	t.Run("patch applies in place", func(t *testing.T) {
		s := NewState()
		s.UpsertConversation(makeConversation("abc", 10))

		starred := true
		if !s.PatchConversation("abc", ConversationPatch{Starred: &starred}, stateEpoch) {
			t.Fatal("expected patch to find conversation")
		}
		c, _ := s.Conversation("abc")
		if !c.Starred {
			t.Fatal("expected starred")
		}
		if !c.UpdatedAt.Equal(stateEpoch) {
			t.Fatalf("expected UpdatedAt bump to %v, got %v", stateEpoch, c.UpdatedAt)
		}
	})

	t.Run("patch on missing id returns false", func(t *testing.T) {
		s := NewState()
		starred := true
		if s.PatchConversation("ghost", ConversationPatch{Starred: &starred}, stateEpoch) {
			t.Fatal("expected false for missing conversation")
		}
	})

	t.Run("remove drops messages too", func(t *testing.T) {
		s := NewState()
		s.UpsertConversation(makeConversation("abc", 0))
		s.SetMessages("abc", []Message{makeMessage("m1", "abc", 0)})

		var changes []Change
		s.Subscribe(func(c Change) { changes = append(changes, c) })
		s.RemoveConversation("abc")

		if _, ok := s.Conversation("abc"); ok {
			t.Fatal("conversation still present")
		}
		if len(s.Messages("abc")) != 0 {
			t.Fatal("messages still present")
		}
		if len(changes) != 2 || changes[0].Kind != ChangeConversations || changes[1].Kind != ChangeMessages {
			t.Fatalf("expected conversations then messages change, got %+v", changes)
		}
	})
}

// ============================================================================
// Messages
// ============================================================================

func TestStateMessages(t *testing.T) {
	t.Run("set sorts by creation time", func(t *testing.T) {
		s := NewState()
		s.SetMessages("abc", []Message{
			makeMessage("m3", "abc", 30),
			makeMessage("m1", "abc", 10),
			makeMessage("m2", "abc", 20),
		})
		got := s.Messages("abc")
		if got[0].ID != "m1" || got[1].ID != "m2" || got[2].ID != "m3" {
			t.Fatalf("unexpected order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
		}
	})

	t.Run("getter returns a copy", func(t *testing.T) {
		s := NewState()
		s.SetMessages("abc", []Message{makeMessage("m1", "abc", 0)})
		got := s.Messages("abc")
		got[0].Content = "tampered"
		if s.Messages("abc")[0].Content == "tampered" {
			t.Fatal("state shares its backing slice with callers")
		}
	})

	t.Run("upsert inserts in order", func(t *testing.T) {
		s := NewState()
		s.SetMessages("abc", []Message{makeMessage("m1", "abc", 10), makeMessage("m3", "abc", 30)})
		s.UpsertMessage(makeMessage("m2", "abc", 20))
		got := s.Messages("abc")
		if len(got) != 3 || got[1].ID != "m2" {
			t.Fatalf("expected m2 in the middle, got %+v", got)
		}
	})

	t.Run("status never moves backward", func(t *testing.T) {
		s := NewState()
		sent := makeMessage("m1", "abc", 0)
		s.UpsertMessage(sent)

		stale := sent
		stale.Status = MessageSending
		stale.Content = "refreshed content"
		s.UpsertMessage(stale)

		got := s.Messages("abc")[0]
		if got.Status != MessageSent {
			t.Fatalf("status moved backward to %s", got.Status)
		}
		if got.Content != "refreshed content" {
			t.Fatal("non-status fields should still update")
		}
	})

	t.Run("patch mutates one message", func(t *testing.T) {
		s := NewState()
		m := makeMessage("m1", "abc", 0)
		m.Status = MessageSending
		s.UpsertMessage(m)

		found := s.PatchMessage("abc", "m1", func(msg *Message) { msg.Status = MessageError })
		if !found {
			t.Fatal("expected message found")
		}
		if got := s.Messages("abc")[0].Status; got != MessageError {
			t.Fatalf("expected error status, got %s", got)
		}
	})

	t.Run("patch on missing message returns false", func(t *testing.T) {
		s := NewState()
		if s.PatchMessage("abc", "ghost", func(*Message) {}) {
			t.Fatal("expected false")
		}
	})
}

// ============================================================================
// Notifications & aggregates
// ============================================================================

func TestStateNotifications(t *testing.T) {
	t.Run("ordered newest first", func(t *testing.T) {
		s := NewState()
		s.SetNotifications([]Notification{
			{ID: "n1", Status: NotificationDelivered, CreatedAt: stateEpoch.Add(-time.Hour)},
			{ID: "n2", Status: NotificationDelivered, CreatedAt: stateEpoch},
		})
		got := s.Notifications()
		if got[0].ID != "n2" || got[1].ID != "n1" {
			t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
		}
	})

	t.Run("unread counts", func(t *testing.T) {
		s := NewState()
		unreadConv := makeConversation("u", 0)
		unreadConv.Unread = true
		s.SetConversations([]Conversation{unreadConv, makeConversation("r", 0)})
		s.SetNotifications([]Notification{
			{ID: "n1", Status: NotificationDelivered, CreatedAt: stateEpoch},
			{ID: "n2", Status: NotificationRead, CreatedAt: stateEpoch, ReadAt: &stateEpoch},
			{ID: "n3", Status: NotificationArchived, CreatedAt: stateEpoch},
		})

		convs, notifs := s.Unread()
		if convs != 1 || notifs != 1 {
			t.Fatalf("expected 1/1 unread, got %d/%d", convs, notifs)
		}
	})

	t.Run("reset clears everything", func(t *testing.T) {
		s := NewState()
		s.UpsertConversation(makeConversation("abc", 0))
		s.SetMessages("abc", []Message{makeMessage("m1", "abc", 0)})
		s.UpsertNotification(Notification{ID: "n1", Status: NotificationDelivered, CreatedAt: stateEpoch})

		var kinds []ChangeKind
		s.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })
		s.Reset()

		if len(s.Conversations()) != 0 || len(s.Messages("abc")) != 0 || len(s.Notifications()) != 0 {
			t.Fatal("expected empty state after reset")
		}
		if len(kinds) != 3 {
			t.Fatalf("expected 3 change events, got %d", len(kinds))
		}
	})
}
