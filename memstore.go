package parley

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store entirely in memory. It backs ephemeral
// sessions (no durable cache wanted) and tests; semantics match SQLiteStore:
// idempotent upserts by id, cascading conversation delete, creation-ordered
// messages.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string]Message
	notifications map[string]Notification
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string]Message),
		notifications: make(map[string]Notification),
	}
}

func (s *MemoryStore) Conversations(ctx context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	return res, nil
}

func (s *MemoryStore) Conversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryStore) PutConversation(ctx context.Context, c Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.UpdatedAt.Before(c.CreatedAt) {
		c.UpdatedAt = c.CreatedAt
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *MemoryStore) PutConversations(ctx context.Context, cs []Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cs {
		if c.UpdatedAt.Before(c.CreatedAt) {
			c.UpdatedAt = c.CreatedAt
		}
		s.conversations[c.ID] = c
	}
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	for mid, m := range s.messages {
		if m.ConversationID == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			res = append(res, m)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (s *MemoryStore) PutMessage(ctx context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.UpdatedAt.Before(m.CreatedAt) {
		m.UpdatedAt = m.CreatedAt
	}
	s.messages[m.ID] = m
	return nil
}

func (s *MemoryStore) PutMessages(ctx context.Context, ms []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range ms {
		if m.UpdatedAt.Before(m.CreatedAt) {
			m.UpdatedAt = m.CreatedAt
		}
		s.messages[m.ID] = m
	}
	return nil
}

func (s *MemoryStore) DeleteMessages(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mid, m := range s.messages {
		if m.ConversationID == conversationID {
			delete(s.messages, mid)
		}
	}
	return nil
}

func (s *MemoryStore) Notifications(ctx context.Context) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		res = append(res, n)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (s *MemoryStore) PutNotification(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = n
	return nil
}

func (s *MemoryStore) PutNotifications(ctx context.Context, ns []Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range ns {
		s.notifications[n.ID] = n
	}
	return nil
}

func (s *MemoryStore) DeleteNotification(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notifications, id)
	return nil
}

func (s *MemoryStore) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]Conversation)
	s.messages = make(map[string]Message)
	s.notifications = make(map[string]Notification)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
