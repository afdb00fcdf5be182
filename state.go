package parley

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Reactive State
// ============================================================================

// ChangeKind says which collection a state change touched.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeNotifications ChangeKind = "notifications"
)

// Change describes one state mutation delivered to subscribers.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// State is the in-memory projection the UI reads. It knows nothing about the
// network or the store; the sync manager and the realtime channel drive it.
// Every mutator is synchronous and notifies subscribers before it returns.
// Getters hand out copies, so subscribers may read freely from inside a
// notification callback.
type State struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string][]Message
	notifications map[string]Notification

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

func NewState() *State {
	return &State{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		notifications: make(map[string]Notification),
		subs:          make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every subsequent change. The returned cancel
// function removes the subscription.
func (s *State) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// notify runs outside the state lock so subscribers can read back.
func (s *State) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() { _ = recover() }()
			fn(c)
		}()
	}
}

// ============================================================================
// Conversations
// ============================================================================

// Conversations returns all conversations, most recently updated first.
func (s *State) Conversations() []Conversation {
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
	return res
}

func (s *State) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return c, ok
}

// SetConversations replaces the whole collection.
func (s *State) SetConversations(cs []Conversation) {
	s.mu.Lock()
	s.conversations = make(map[string]Conversation, len(cs))
	for _, c := range cs {
		s.conversations[c.ID] = c
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations})
}

func (s *State) UpsertConversation(c Conversation) {
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations})
}

// PatchConversation applies a partial update in place. Returns false when the
// conversation is not present.
func (s *State) PatchConversation(id string, p ConversationPatch, at time.Time) bool {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if ok {
		p.Apply(&c, at)
		s.conversations[id] = c
	}
	s.mu.Unlock()
	if ok {
		s.notify(Change{Kind: ChangeConversations})
	}
	return ok
}

// RemoveConversation drops the conversation and its messages from the
// projection.
func (s *State) RemoveConversation(id string) {
	s.mu.Lock()
	delete(s.conversations, id)
	delete(s.messages, id)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations})
	s.notify(Change{Kind: ChangeMessages, ConversationID: id})
}

// ============================================================================
// Messages
// ============================================================================

// Messages returns the conversation's messages in creation order.
func (s *State) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms := s.messages[conversationID]
	res := make([]Message, len(ms))
	copy(res, ms)
	return res
}

// SetMessages replaces the message list for one conversation.
func (s *State) SetMessages(conversationID string, ms []Message) {
	ordered := make([]Message, len(ms))
	copy(ordered, ms)
	sortMessages(ordered)
	s.mu.Lock()
	s.messages[conversationID] = ordered
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
}

// UpsertMessage inserts or replaces one message. A stored status of sent or
// error is kept when the incoming copy says sending: status never moves
// backward.
func (s *State) UpsertMessage(m Message) {
	s.mu.Lock()
	ms := s.messages[m.ConversationID]
	replaced := false
	for i := range ms {
		if ms[i].ID == m.ID {
			if ms[i].Status != MessageSending && m.Status == MessageSending {
				m.Status = ms[i].Status
			}
			ms[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		ms = append(ms, m)
		sortMessages(ms)
	}
	s.messages[m.ConversationID] = ms
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: m.ConversationID})
}

// PatchMessage mutates one message through fn. Returns false when absent.
func (s *State) PatchMessage(conversationID, messageID string, fn func(*Message)) bool {
	s.mu.Lock()
	ms := s.messages[conversationID]
	found := false
	for i := range ms {
		if ms[i].ID == messageID {
			fn(&ms[i])
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
	}
	return found
}

func (s *State) RemoveMessages(conversationID string) {
	s.mu.Lock()
	delete(s.messages, conversationID)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
}

func sortMessages(ms []Message) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}

// ============================================================================
// Notifications
// ============================================================================

// Notifications returns all notifications, newest first.
func (s *State) Notifications() []Notification {
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
	return res
}

func (s *State) Notification(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	return n, ok
}

func (s *State) SetNotifications(ns []Notification) {
	s.mu.Lock()
	s.notifications = make(map[string]Notification, len(ns))
	for _, n := range ns {
		s.notifications[n.ID] = n
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeNotifications})
}

func (s *State) UpsertNotification(n Notification) {
	s.mu.Lock()
	s.notifications[n.ID] = n
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeNotifications})
}

// PatchNotification mutates one notification through fn. Returns false when
// absent.
func (s *State) PatchNotification(id string, fn func(*Notification)) bool {
	s.mu.Lock()
	n, ok := s.notifications[id]
	if ok {
		fn(&n)
		s.notifications[id] = n
	}
	s.mu.Unlock()
	if ok {
		s.notify(Change{Kind: ChangeNotifications})
	}
	return ok
}

func (s *State) RemoveNotification(id string) {
	s.mu.Lock()
	delete(s.notifications, id)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeNotifications})
}

// ============================================================================
// Aggregates & lifecycle
// ============================================================================

// Unread reports how many conversations are unread and how many
// notifications are still in delivered status.
func (s *State) Unread() (conversations, notifications int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.Unread {
			conversations++
		}
	}
	for _, n := range s.notifications {
		if n.Status == NotificationDelivered {
			notifications++
		}
	}
	return conversations, notifications
}

// Reset clears every collection. Used on logout.
func (s *State) Reset() {
	s.mu.Lock()
	s.conversations = make(map[string]Conversation)
	s.messages = make(map[string][]Message)
	s.notifications = make(map[string]Notification)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations})
	s.notify(Change{Kind: ChangeMessages})
	s.notify(Change{Kind: ChangeNotifications})
}
