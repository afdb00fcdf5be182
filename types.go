package parley

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Domain Model
// ============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus tracks delivery of a locally created message. A message only
// moves forward: sending to sent, or sending to error, never back.
type MessageStatus string

const (
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageError   MessageStatus = "error"
)

// NotificationStatus is the lifecycle of a notification.
type NotificationStatus string

const (
	NotificationDelivered NotificationStatus = "delivered"
	NotificationRead      NotificationStatus = "read"
	NotificationArchived  NotificationStatus = "archived"
)

// Conversation is one chat thread. ID is stable and unique across the local
// store; UpdatedAt is never earlier than CreatedAt.
type Conversation struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	OwnerID         string    `json:"ownerId,omitempty"`
	Starred         bool      `json:"starred"`
	SystemGenerated bool      `json:"isSystemGenerated"`
	SystemPurpose   *string   `json:"systemPurpose,omitempty"`
	Unread          bool      `json:"isUnread"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Message is one message inside a conversation. ID may be client-generated
// before the server confirms; ServerMessageID holds the authoritative id once
// known. Metadata round-trips the full server representation opaquely.
type Message struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversationId"`
	ServerMessageID string          `json:"serverMessageId,omitempty"`
	Role            Role            `json:"role"`
	Content         string          `json:"content"`
	Status          MessageStatus   `json:"status"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NotificationAction is one actionable affordance attached to a notification.
type NotificationAction struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// Notification is a server-originated alert. ReadAt is set exactly when
// Status is read.
type Notification struct {
	ID        string               `json:"id"`
	Status    NotificationStatus   `json:"status"`
	Title     string               `json:"title"`
	Body      string               `json:"body,omitempty"`
	Actions   []NotificationAction `json:"actions,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	ReadAt    *time.Time           `json:"readAt,omitempty"`
}

// SetStatus moves the notification to s, keeping the ReadAt invariant.
func (n *Notification) SetStatus(s NotificationStatus, at time.Time) {
	n.Status = s
	if s == NotificationRead {
		t := at
		n.ReadAt = &t
	} else {
		n.ReadAt = nil
	}
}

// ============================================================================
// Drafts & Patches
// ============================================================================

// ConversationDraft creates a new conversation remotely.
type ConversationDraft struct {
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	SystemPurpose *string `json:"systemPurpose,omitempty"`
}

// MessageDraft creates a new message remotely. ClientID carries the locally
// generated id so the server can echo it back for correlation.
type MessageDraft struct {
	ClientID string          `json:"clientId,omitempty"`
	Role     Role            `json:"role,omitempty"`
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ConversationPatch is a partial update; nil fields are left untouched.
type ConversationPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Starred     *bool   `json:"starred,omitempty"`
	Unread      *bool   `json:"isUnread,omitempty"`
}

// Apply copies the non-nil patch fields onto c and bumps UpdatedAt.
func (p ConversationPatch) Apply(c *Conversation, at time.Time) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Starred != nil {
		c.Starred = *p.Starred
	}
	if p.Unread != nil {
		c.Unread = *p.Unread
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
}

// NotificationPatch is a partial update; nil fields are left untouched.
type NotificationPatch struct {
	Status *NotificationStatus `json:"status,omitempty"`
	ReadAt *time.Time          `json:"readAt,omitempty"`
}

// Apply copies the non-nil patch fields onto n. Status changes go through
// SetStatus so the ReadAt invariant holds; an explicit ReadAt in the patch
// wins when the status is read.
func (p NotificationPatch) Apply(n *Notification, at time.Time) {
	if p.Status != nil {
		n.SetStatus(*p.Status, at)
	}
	if p.ReadAt != nil && n.Status == NotificationRead {
		n.ReadAt = p.ReadAt
	}
}

// ============================================================================
// Sync Stats
// ============================================================================

// SyncStats counts what the sync manager has done since it was created.
type SyncStats struct {
	Hydrations     int64 `json:"hydrations"`
	StaleDiscards  int64 `json:"staleDiscards"`
	Mutations      int64 `json:"mutations"`
	Rollbacks      int64 `json:"rollbacks"`
	RemoteFailures int64 `json:"remoteFailures"`
	CacheFailures  int64 `json:"cacheFailures"`
}
