package parley

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ============================================================================
// Store Interface
// ============================================================================

// Store is the durable on-device copy of conversations, messages, and
// notifications. It holds no business logic: upserts are idempotent and keyed
// by id, deletes cascade from a conversation to its messages, and messages
// come back in creation order. Callers treat any error as a cache miss; the
// remote service stays the authority of record.
type Store interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	Conversation(ctx context.Context, id string) (*Conversation, error)
	PutConversation(ctx context.Context, c Conversation) error
	PutConversations(ctx context.Context, cs []Conversation) error
	// DeleteConversation removes the conversation and all of its messages.
	DeleteConversation(ctx context.Context, id string) error

	Messages(ctx context.Context, conversationID string) ([]Message, error)
	PutMessage(ctx context.Context, m Message) error
	PutMessages(ctx context.Context, ms []Message) error
	DeleteMessages(ctx context.Context, conversationID string) error

	Notifications(ctx context.Context) ([]Notification, error)
	PutNotification(ctx context.Context, n Notification) error
	PutNotifications(ctx context.Context, ns []Notification) error
	DeleteNotification(ctx context.Context, id string) error

	// Wipe drops every record. Used on logout.
	Wipe(ctx context.Context) error
	Close() error
}

// ============================================================================
// GORM models
// ============================================================================

type conversationModel struct {
	ID              string `gorm:"primaryKey"`
	Title           string
	Description     string
	OwnerID         string `gorm:"index"`
	Starred         bool   `gorm:"not null"`
	SystemGenerated bool   `gorm:"not null"`
	SystemPurpose   *string
	Unread          bool      `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (conversationModel) TableName() string { return "conversations" }

type messageModel struct {
	ID              string `gorm:"primaryKey"`
	ConversationID  string `gorm:"not null;index"`
	ServerMessageID string
	Role            string `gorm:"not null"`
	Content         string
	Status          string         `gorm:"not null"`
	Metadata        datatypes.JSON `gorm:"type:json"`
	CreatedAt       time.Time      `gorm:"not null;index"`
	UpdatedAt       time.Time      `gorm:"not null"`
}

func (messageModel) TableName() string { return "messages" }

type notificationModel struct {
	ID        string `gorm:"primaryKey"`
	Status    string `gorm:"not null;index"`
	Title     string
	Body      string
	Actions   datatypes.JSON `gorm:"type:json"`
	CreatedAt time.Time      `gorm:"not null"`
	ReadAt    *time.Time
}

func (notificationModel) TableName() string { return "notifications" }

var conversationColumns = []string{
	"title", "description", "owner_id", "starred",
	"system_generated", "system_purpose", "unread", "created_at", "updated_at",
}

var messageColumns = []string{
	"conversation_id", "server_message_id", "role", "content",
	"status", "metadata", "created_at", "updated_at",
}

var notificationColumns = []string{
	"status", "title", "body", "actions", "created_at", "read_at",
}

// ============================================================================
// SQLite Store
// ============================================================================

// SQLiteStore implements Store on GORM + SQLite.
type SQLiteStore struct {
	db *gorm.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (or creates) the database at path and runs
// auto-migrations. WAL keeps concurrent hydration and mutation writers from
// blocking each other.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&conversationModel{}, &messageModel{}, &notificationModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Conversations(ctx context.Context) ([]Conversation, error) {
	var models []conversationModel
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]Conversation, 0, len(models))
	for _, m := range models {
		res = append(res, conversationFromModel(m))
	}
	return res, nil
}

func (s *SQLiteStore) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var model conversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	c := conversationFromModel(model)
	return &c, nil
}

func (s *SQLiteStore) PutConversation(ctx context.Context, c Conversation) error {
	model := conversationToModel(c)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(conversationColumns),
	}).Create(&model).Error
}

func (s *SQLiteStore) PutConversations(ctx context.Context, cs []Conversation) error {
	if len(cs) == 0 {
		return nil
	}
	models := make([]conversationModel, 0, len(cs))
	for _, c := range cs {
		models = append(models, conversationToModel(c))
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(conversationColumns),
	}).Create(&models).Error
}

// DeleteConversation removes the conversation and its messages in one
// transaction so a crash cannot orphan message rows.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&messageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&conversationModel{}, "id = ?", id).Error; err != nil {
			return err
		}
		return nil
	})
}

func (s *SQLiteStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var models []messageModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

func (s *SQLiteStore) PutMessage(ctx context.Context, m Message) error {
	model := messageToModel(m)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(messageColumns),
	}).Create(&model).Error
}

func (s *SQLiteStore) PutMessages(ctx context.Context, ms []Message) error {
	if len(ms) == 0 {
		return nil
	}
	models := make([]messageModel, 0, len(ms))
	for _, m := range ms {
		models = append(models, messageToModel(m))
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(messageColumns),
	}).Create(&models).Error
}

func (s *SQLiteStore) DeleteMessages(ctx context.Context, conversationID string) error {
	return s.db.WithContext(ctx).Delete(&messageModel{}, "conversation_id = ?", conversationID).Error
}

func (s *SQLiteStore) Notifications(ctx context.Context) ([]Notification, error) {
	var models []notificationModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]Notification, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

func (s *SQLiteStore) PutNotification(ctx context.Context, n Notification) error {
	model := notificationToModel(n)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(notificationColumns),
	}).Create(&model).Error
}

func (s *SQLiteStore) PutNotifications(ctx context.Context, ns []Notification) error {
	if len(ns) == 0 {
		return nil
	}
	models := make([]notificationModel, 0, len(ns))
	for _, n := range ns {
		models = append(models, notificationToModel(n))
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(notificationColumns),
	}).Create(&models).Error
}

func (s *SQLiteStore) DeleteNotification(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&notificationModel{}, "id = ?", id).Error
}

func (s *SQLiteStore) Wipe(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if err := all.Delete(&messageModel{}).Error; err != nil {
			return err
		}
		if err := all.Delete(&conversationModel{}).Error; err != nil {
			return err
		}
		return all.Delete(&notificationModel{}).Error
	})
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// Mapping
// ============================================================================

func conversationToModel(c Conversation) conversationModel {
	if c.UpdatedAt.Before(c.CreatedAt) {
		c.UpdatedAt = c.CreatedAt
	}
	return conversationModel{
		ID:              c.ID,
		Title:           c.Title,
		Description:     c.Description,
		OwnerID:         c.OwnerID,
		Starred:         c.Starred,
		SystemGenerated: c.SystemGenerated,
		SystemPurpose:   c.SystemPurpose,
		Unread:          c.Unread,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func conversationFromModel(m conversationModel) Conversation {
	return Conversation{
		ID:              m.ID,
		Title:           m.Title,
		Description:     m.Description,
		OwnerID:         m.OwnerID,
		Starred:         m.Starred,
		SystemGenerated: m.SystemGenerated,
		SystemPurpose:   m.SystemPurpose,
		Unread:          m.Unread,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func messageToModel(m Message) messageModel {
	if m.UpdatedAt.Before(m.CreatedAt) {
		m.UpdatedAt = m.CreatedAt
	}
	return messageModel{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		ServerMessageID: m.ServerMessageID,
		Role:            string(m.Role),
		Content:         m.Content,
		Status:          string(m.Status),
		Metadata:        datatypes.JSON(m.Metadata),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func messageFromModel(m messageModel) Message {
	return Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		ServerMessageID: m.ServerMessageID,
		Role:            Role(m.Role),
		Content:         m.Content,
		Status:          MessageStatus(m.Status),
		Metadata:        json.RawMessage(m.Metadata),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func notificationToModel(n Notification) notificationModel {
	actions, _ := json.Marshal(n.Actions)
	if len(n.Actions) == 0 {
		actions = nil
	}
	return notificationModel{
		ID:        n.ID,
		Status:    string(n.Status),
		Title:     n.Title,
		Body:      n.Body,
		Actions:   datatypes.JSON(actions),
		CreatedAt: n.CreatedAt,
		ReadAt:    n.ReadAt,
	}
}

func notificationFromModel(m notificationModel) Notification {
	var actions []NotificationAction
	if len(m.Actions) > 0 {
		_ = json.Unmarshal(m.Actions, &actions)
	}
	return Notification{
		ID:        m.ID,
		Status:    NotificationStatus(m.Status),
		Title:     m.Title,
		Body:      m.Body,
		Actions:   actions,
		CreatedAt: m.CreatedAt,
		ReadAt:    m.ReadAt,
	}
}
